package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/winupdate/internal/config"
	"github.com/breeze-rmm/winupdate/internal/logging"
)

var log = logging.L("audit")

// Event types written during an update run.
const (
	EventRunStarted     = "run_started"
	EventRunFinished    = "run_finished"
	EventPreflight      = "preflight"
	EventUpdateSearch   = "update_search"
	EventUpdateDownload = "update_download"
	EventUpdateInstall  = "update_install"
	EventLogRotated     = "log_rotated"
)

const tailReadSize = 256 * 1024

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventRunStarted:    true,
	EventRunFinished:   true,
	EventUpdateInstall: true,
}

// Entry is a single audit log record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	RunID     string         `json:"runId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes JSONL audit records linked by a SHA-256 hash chain. After
// rotation the first record of the new file is an EventLogRotated sentinel
// whose prevHash is the last hash of the old file.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	now        func() time.Time
	dropped    atomic.Int64
}

// FilePath returns the active audit file for cfg, {data_dir}/audit.jsonl.
func FilePath(cfg *config.Config) string {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = config.GetDataDir()
	}
	return filepath.Join(dataDir, "audit.jsonl")
}

// NewLogger creates an audit logger writing to FilePath(cfg).
func NewLogger(cfg *config.Config) (*Logger, error) {
	filePath := FilePath(cfg)
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}

	maxSize := cfg.AuditMaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	maxBackups := cfg.AuditMaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   filePath,
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   "genesis",
		now:        time.Now,
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Debug("audit logger started", "path", l.filePath)
	return l, nil
}

// Path returns the active audit file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log appends one entry. The chain only advances after a successful write,
// so a failed write leaves the next entry linked to the same prevHash.
// A nil Logger discards the entry.
func (l *Logger) Log(eventType, runID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		RunID:     runID,
		Details:   details,
		PrevHash:  l.prevHash,
	}

	data, err := l.seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize && l.written > 0 {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", "error", err)
			l.dropped.Add(1)
			return
		}
		// rotation moved the chain; relink before writing
		entry.PrevHash = l.prevHash
		if data, err = l.seal(&entry); err != nil {
			log.Error("failed to encode audit entry", "error", err, "eventType", eventType)
			l.dropped.Add(1)
			return
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync audit entry", "error", err, "eventType", eventType)
		}
	}
}

// Close closes the audit file. A nil Logger is a no-op.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns how many entries failed to write, or -1 for a nil
// Logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// Verify walks the entries of one audit file and checks every hash and
// link. It returns the number of entries read.
func Verify(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read audit log: %w", err)
	}

	count := 0
	prev := ""
	for _, line := range splitLines(data) {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return count, fmt.Errorf("entry %d: %w", count+1, err)
		}
		if prev != "" && entry.PrevHash != prev {
			return count, fmt.Errorf("entry %d: chain broken, prevHash %s does not match %s", count+1, entry.PrevHash, prev)
		}
		want, err := computeHash(entry)
		if err != nil {
			return count, fmt.Errorf("entry %d: %w", count+1, err)
		}
		if want != entry.EntryHash {
			return count, fmt.Errorf("entry %d: hash mismatch", count+1)
		}
		prev = entry.EntryHash
		count++
	}
	return count, nil
}

func (l *Logger) seal(entry *Entry) ([]byte, error) {
	hash, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes each field so that no two field
// combinations hash the same input.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.RunID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = f
	l.written = info.Size()

	// Each CLI run opens a fresh Logger; continue the chain already on disk.
	if l.written > 0 {
		hash, err := lastEntryHash(l.filePath, l.written)
		if err != nil {
			log.Warn("audit log tail unreadable, chain restarts", "path", l.filePath, "error", err)
		} else if hash != "" {
			l.prevHash = hash
		}
	}
	return nil
}

// lastEntryHash returns the entryHash of the final record in path.
func lastEntryHash(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// start one byte early so a line beginning exactly at the cut is kept
	offset := size - tailReadSize - 1
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return "", err
	}
	if offset > 0 {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return "", fmt.Errorf("no complete entry in the last %d bytes", len(buf))
		}
		buf = buf[i+1:]
	}

	lines := splitLines(buf)
	if len(lines) == 0 {
		return "", fmt.Errorf("no complete entry in the last %d bytes", len(buf))
	}

	var entry Entry
	if err := json.Unmarshal(lines[len(lines)-1], &entry); err != nil {
		return "", fmt.Errorf("decode last entry: %w", err)
	}
	return entry.EntryHash, nil
}

func (l *Logger) rotate() error {
	last := l.prevHash

	if l.file != nil {
		l.file.Close()
	}

	for i := l.maxBackups; i >= 2; i-- {
		src := l.backupName(i - 1)
		dst := l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit rotation: failed to remove oldest backup", "path", dst, "error", err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: failed to rename backup", "src", src, "dst", dst, "error", err)
		}
	}

	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: failed to rename current log", "error", err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  last,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	data, err := l.seal(&sentinel)
	if err != nil {
		log.Error("rotation sentinel encode failed, hash chain broken", "error", err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("rotation sentinel write failed, hash chain broken", "error", err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.written += int64(n)
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
