package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/breeze-rmm/winupdate/internal/config"
	"github.com/breeze-rmm/winupdate/internal/logging"
	"github.com/breeze-rmm/winupdate/internal/winupdate"
)

var log = logging.L("report")

// Sink archives rendered reports.
type Sink interface {
	// Put stores data under name and returns where it went.
	Put(ctx context.Context, name string, data []byte, format string) (string, error)
}

// NewSink builds the sink selected by cfg.ReportSink. An empty sink name
// returns nil: reports are only printed.
func NewSink(ctx context.Context, cfg *config.Config) (Sink, error) {
	switch strings.ToLower(cfg.ReportSink) {
	case "":
		return nil, nil
	case "local":
		return NewLocalSink(cfg.ReportDir), nil
	case "s3":
		return NewS3Sink(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			SessionToken:    cfg.S3SessionToken,
		})
	}
	return nil, fmt.Errorf("unknown report sink %q", cfg.ReportSink)
}

// ObjectName is the archive name of a report:
// <operation>/<yyyymmddThhmmssZ>-<runId>.<ext>
func ObjectName(r *winupdate.Report, format string) string {
	return path.Join(string(r.Operation),
		fmt.Sprintf("%s-%s.%s", r.StartedAt.UTC().Format("20060102T150405Z"), r.RunID, Extension(format)))
}

// Archive renders r and stores it in sink.
func Archive(ctx context.Context, sink Sink, r *winupdate.Report, format string) (string, error) {
	var buf bytes.Buffer
	if err := Render(&buf, r, format); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	location, err := sink.Put(ctx, ObjectName(r, format), buf.Bytes(), format)
	if err != nil {
		return "", err
	}
	log.Info("report archived", "location", location, logging.KeyRunID, r.RunID)
	return location, nil
}

// LocalSink writes reports below a directory.
type LocalSink struct {
	BasePath string
}

// NewLocalSink creates a LocalSink rooted at basePath.
func NewLocalSink(basePath string) *LocalSink {
	return &LocalSink{BasePath: filepath.Clean(basePath)}
}

func (s *LocalSink) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	if s.BasePath == "" || s.BasePath == "." {
		return "", errors.New("local sink base path is required")
	}
	if name == "" {
		return "", errors.New("report name is required")
	}

	dest, err := containedPath(s.BasePath, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move report into place: %w", err)
	}
	return dest, nil
}

// containedPath resolves untrustedPath below basePath and rejects anything
// that escapes it.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(untrustedPath)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q resolves outside base %q", untrustedPath, absBase)
	}
	return absJoined, nil
}
