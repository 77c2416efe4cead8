package winupdate

import (
	"context"
	"errors"
	"fmt"

	"github.com/breeze-rmm/winupdate/internal/logging"
)

var log = logging.L("winupdate")

// ErrUnsupportedPlatform is returned by OpenSession on hosts without the
// Windows Update Agent.
var ErrUnsupportedPlatform = errors.New("windows update agent is not available on this platform")

// UpdateType is the WUA update type.
type UpdateType string

const (
	UpdateTypeSoftware UpdateType = "software"
	UpdateTypeDriver   UpdateType = "driver"
)

// Update is a snapshot of one IUpdate returned by a search.
type Update struct {
	ID                  string     `json:"id" yaml:"id"`
	Title               string     `json:"title" yaml:"title"`
	Description         string     `json:"description,omitempty" yaml:"description,omitempty"`
	KBArticleIDs        []string   `json:"kbArticleIds,omitempty" yaml:"kbArticleIds,omitempty"`
	Categories          []string   `json:"categories,omitempty" yaml:"categories,omitempty"`
	Type                UpdateType `json:"type" yaml:"type"`
	Severity            string     `json:"severity,omitempty" yaml:"severity,omitempty"`
	MaxDownloadSize     int64      `json:"maxDownloadSize,omitempty" yaml:"maxDownloadSize,omitempty"`
	IsDownloaded        bool       `json:"isDownloaded" yaml:"isDownloaded"`
	IsInstalled         bool       `json:"isInstalled" yaml:"isInstalled"`
	IsHidden            bool       `json:"isHidden" yaml:"isHidden"`
	CanRequestUserInput bool       `json:"canRequestUserInput" yaml:"canRequestUserInput"`
	RebootRequired      bool       `json:"rebootRequired" yaml:"rebootRequired"`
	EulaAccepted        bool       `json:"eulaAccepted" yaml:"eulaAccepted"`
}

func (u Update) String() string {
	return u.Title
}

// HasCategory reports whether any of the update's categories is in set.
func (u Update) HasCategory(set map[string]bool) bool {
	for _, name := range u.Categories {
		if set[name] {
			return true
		}
	}
	return false
}

// ResultCode is the WUA OperationResultCode.
type ResultCode int

const (
	ResultNotStarted ResultCode = iota
	ResultInProgress
	ResultSucceeded
	ResultSucceededWithErrors
	ResultFailed
	ResultAborted
)

func (c ResultCode) String() string {
	switch c {
	case ResultNotStarted:
		return "NotStarted"
	case ResultInProgress:
		return "InProgress"
	case ResultSucceeded:
		return "Succeeded"
	case ResultSucceededWithErrors:
		return "SucceededWithErrors"
	case ResultFailed:
		return "Failed"
	case ResultAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Succeeded is true for orcSucceeded and orcSucceededWithErrors.
func (c ResultCode) Succeeded() bool {
	return c == ResultSucceeded || c == ResultSucceededWithErrors
}

// UpdateResult is the per-update outcome of a download or install.
type UpdateResult struct {
	ResultCode     ResultCode
	HResult        int
	RebootRequired bool
}

// OperationResult is the outcome of a whole download or install call.
// Updates is index-aligned with the collection that was submitted.
type OperationResult struct {
	ResultCode     ResultCode
	HResult        int
	RebootRequired bool
	Updates        []UpdateResult
}

// Session is the update service the Updater drives. Implementations are
// not safe for concurrent use.
type Session interface {
	Search(ctx context.Context, criteria string) ([]Update, error)
	Download(ctx context.Context, updates []Update) (*OperationResult, error)
	Install(ctx context.Context, updates []Update) (*OperationResult, error)
	Close() error
}

// SessionOptions configures a new Session.
type SessionOptions struct {
	ClientApplicationID string
	AcceptEula          bool
}

// Opener creates a Session. OpenSession is the platform implementation.
type Opener func(SessionOptions) (Session, error)
