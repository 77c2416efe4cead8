package winupdate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/winupdate/internal/audit"
	"github.com/breeze-rmm/winupdate/internal/config"
	"github.com/breeze-rmm/winupdate/internal/logging"
)

// DefaultClientApplicationID identifies this tool to the update agent.
const DefaultClientApplicationID = "breeze-winupdate"

// Operation names one of the three update operations.
type Operation string

const (
	OperationList     Operation = "list"
	OperationDownload Operation = "download"
	OperationInstall  Operation = "install"
)

// Config holds the settings shared by every operation of a Service.
type Config struct {
	Retries             int
	Backoff             BackoffConfig
	Preflight           PreflightOptions
	AcceptEula          bool
	ClientApplicationID string
}

// ConfigFromConfig maps the loaded configuration onto a service Config.
func ConfigFromConfig(cfg *config.Config) Config {
	return Config{
		Retries: cfg.Retries,
		Backoff: BackoffConfig{
			InitialInterval: seconds(cfg.RetryInitialIntervalSeconds),
			MaxInterval:     seconds(cfg.RetryMaxIntervalSeconds),
			Multiplier:      cfg.RetryMultiplier,
		},
		Preflight:  PreflightOptionsFromConfig(cfg),
		AcceptEula: cfg.AcceptEula,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Options are the per-call arguments of an operation. Skips override the
// operation's defaults by name; Retries <= 0 uses the service setting.
type Options struct {
	Categories []string
	Skips      map[string]bool
	Retries    int
	Verbose    bool
}

// Report is the outcome of one operation.
type Report struct {
	RunID                string           `json:"runId" yaml:"runId"`
	Operation            Operation        `json:"operation" yaml:"operation"`
	Success              bool             `json:"success" yaml:"success"`
	Comment              string           `json:"comment" yaml:"comment"`
	Output               string           `json:"output,omitempty" yaml:"output,omitempty"`
	Error                string           `json:"error,omitempty" yaml:"error,omitempty"`
	Criteria             string           `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Skips                Skips            `json:"skips" yaml:"skips"`
	Categories           []string         `json:"categories,omitempty" yaml:"categories,omitempty"`
	FoundCategories      []string         `json:"foundCategories,omitempty" yaml:"foundCategories,omitempty"`
	Updates              []Update         `json:"updates,omitempty" yaml:"updates,omitempty"`
	Results              []ResultEntry    `json:"results,omitempty" yaml:"results,omitempty"`
	RetriesLeft          int              `json:"retriesLeft" yaml:"retriesLeft"`
	RebootRequired       bool             `json:"rebootRequired" yaml:"rebootRequired"`
	PendingReboot        bool             `json:"pendingReboot" yaml:"pendingReboot"`
	PendingRebootReasons []string         `json:"pendingRebootReasons,omitempty" yaml:"pendingRebootReasons,omitempty"`
	Preflight            []PreflightCheck `json:"preflight,omitempty" yaml:"preflight,omitempty"`
	StartedAt            time.Time        `json:"startedAt" yaml:"startedAt"`
	FinishedAt           time.Time        `json:"finishedAt" yaml:"finishedAt"`
}

// Service runs update operations against sessions created by its Opener.
// Operations run one at a time; a Service is not safe for concurrent use.
type Service struct {
	open          Opener
	cfg           Config
	audit         *audit.Logger
	now           func() time.Time
	preflight     func(PreflightOptions) PreflightResult
	pendingReboot func() (bool, []string)
}

// NewService creates a Service. auditLog may be nil.
func NewService(open Opener, cfg Config, auditLog *audit.Logger) *Service {
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.ClientApplicationID == "" {
		cfg.ClientApplicationID = DefaultClientApplicationID
	}
	return &Service{
		open:          open,
		cfg:           cfg,
		audit:         auditLog,
		now:           time.Now,
		preflight:     RunPreflight,
		pendingReboot: DetectPendingReboot,
	}
}

// ListUpdates searches for updates and summarises them by category, or
// lists their titles when opts.Verbose is set.
func (s *Service) ListUpdates(ctx context.Context, opts Options) (*Report, error) {
	return s.run(ctx, OperationList, DefaultSkips(), opts, func(ctx context.Context, rd *round) {
		if !rd.search(ctx) {
			return
		}
		if opts.Verbose {
			rd.report.Output = rd.updater.SearchResultsPretty()
		} else {
			rd.report.Output = rd.updater.Summary()
		}
		rd.report.Success = true
	})
}

// DownloadUpdates searches for updates that are not cached yet and
// downloads them.
func (s *Service) DownloadUpdates(ctx context.Context, opts Options) (*Report, error) {
	return s.run(ctx, OperationDownload, DownloadSkips(), opts, func(ctx context.Context, rd *round) {
		if !rd.search(ctx) || !rd.download(ctx) {
			return
		}

		entries, err := rd.updater.DownloadResults()
		if err != nil {
			rd.report.Output = fmt.Sprintf("could not get results, but updates were downloaded. %v", err)
		} else {
			rd.report.Results = entries
			rd.report.Output = "Windows is up to date. \n" + prettyEntries("", entries)
		}
		rd.report.Success = true
	})
}

// InstallUpdates searches, downloads and installs updates.
func (s *Service) InstallUpdates(ctx context.Context, opts Options) (*Report, error) {
	return s.run(ctx, OperationInstall, DefaultSkips(), opts, func(ctx context.Context, rd *round) {
		if !rd.search(ctx) || !rd.download(ctx) || !rd.install(ctx) {
			return
		}

		entries, err := rd.updater.InstallationResults()
		if err != nil {
			rd.report.Output = fmt.Sprintf("Could not get results, but updates were installed. %v", err)
		} else {
			rd.report.Results = entries
			rd.report.Output = "Windows is up to date. \n" + prettyEntries("The following are the updates and their return codes.\n", entries)
		}
		rd.report.RebootRequired = rd.updater.RebootRequired()
		rd.report.PendingReboot, rd.report.PendingRebootReasons = s.pendingReboot()
		rd.report.Success = true
	})
}

// round is the state of one operation while it runs.
type round struct {
	svc     *Service
	op      Operation
	logger  *slog.Logger
	updater *Updater
	retry   *retrier
	report  *Report
	err     error
}

func (s *Service) run(ctx context.Context, op Operation, skips Skips, opts Options, body func(context.Context, *round)) (*Report, error) {
	if err := skips.Apply(opts.Skips); err != nil {
		return nil, err
	}
	// Checked before any service call; retrying cannot fix it.
	criteria, err := skips.Criteria()
	if err != nil {
		return nil, err
	}

	retries := opts.Retries
	if retries <= 0 {
		retries = s.cfg.Retries
	}

	report := &Report{
		RunID:      uuid.NewString(),
		Operation:  op,
		Criteria:   criteria,
		Skips:      skips,
		Categories: append([]string(nil), opts.Categories...),
		StartedAt:  s.now().UTC(),
	}
	logger := logging.WithRun(log, report.RunID, string(op))
	ctx = logging.NewContext(ctx, logger)

	logger.Info("update operation started", "criteria", criteria, "categories", opts.Categories, "retries", retries)
	s.audit.Log(audit.EventRunStarted, report.RunID, map[string]any{
		"operation":  string(op),
		"criteria":   criteria,
		"categories": report.Categories,
		"retries":    retries,
	})

	rd := &round{
		svc:    s,
		op:     op,
		logger: logger,
		retry:  newRetrier(retries, s.cfg.Backoff),
		report: report,
	}
	rd.execute(ctx, skips, opts, body)

	report.Comment = rd.retry.Comment()
	report.RetriesLeft = rd.retry.Remaining()
	if rd.err != nil {
		report.Success = false
		report.Error = rd.err.Error()
	}
	report.FinishedAt = s.now().UTC()

	duration := report.FinishedAt.Sub(report.StartedAt)
	if report.Success {
		logger.Info("update operation finished", logging.KeyDurationMs, duration.Milliseconds(), "retriesLeft", report.RetriesLeft)
	} else {
		logger.Warn("update operation failed", logging.KeyDurationMs, duration.Milliseconds(), logging.KeyError, report.Error)
	}
	s.audit.Log(audit.EventRunFinished, report.RunID, map[string]any{
		"operation":      string(op),
		"success":        report.Success,
		"retriesLeft":    report.RetriesLeft,
		"rebootRequired": report.RebootRequired,
		"error":          report.Error,
	})
	return report, nil
}

func (rd *round) execute(ctx context.Context, skips Skips, opts Options, body func(context.Context, *round)) {
	pf := rd.svc.preflight(rd.svc.cfg.Preflight.forOperation(rd.op))
	rd.report.Preflight = pf.Checks
	if len(pf.Checks) > 0 {
		rd.svc.audit.Log(audit.EventPreflight, rd.report.RunID, map[string]any{"ok": pf.OK, "checks": pf.Checks})
	}
	if err := pf.FirstError(); err != nil {
		rd.fail(err, fmt.Sprintf("Preflight failed: %v\n", err))
		return
	}

	session, err := rd.svc.open(SessionOptions{
		ClientApplicationID: rd.svc.cfg.ClientApplicationID,
		AcceptEula:          rd.svc.cfg.AcceptEula,
	})
	if err != nil {
		rd.fail(err, fmt.Sprintf("Failed to open the update session: %v\n", err))
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			rd.logger.Warn("failed to close update session", logging.KeyError, err)
		}
	}()

	rd.updater = NewUpdater(session, skips, opts.Categories)
	body(ctx, rd)
}

func (rd *round) fail(err error, comment string) {
	rd.err = err
	rd.retry.comment.WriteString(comment)
	rd.logger.Warn("update operation aborted", logging.KeyError, err)
}

func (rd *round) search(ctx context.Context) bool {
	err := rd.retry.run(ctx, phaseSearch, rd.updater.AutoSearch)
	rd.report.FoundCategories = rd.updater.AvailableCategories()
	rd.report.Updates = rd.updater.DownloadCollection()

	details := map[string]any{
		"criteria":  rd.updater.Criteria(),
		"found":     rd.updater.SearchCount(),
		"selected":  len(rd.report.Updates),
		"succeeded": err == nil,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	rd.svc.audit.Log(audit.EventUpdateSearch, rd.report.RunID, details)

	if err != nil {
		rd.err = err
		return false
	}
	rd.logger.Info("search completed", "found", rd.updater.SearchCount(), "selected", len(rd.report.Updates))
	return true
}

func (rd *round) download(ctx context.Context) bool {
	err := rd.retry.run(ctx, phaseDownload, rd.updater.Download)
	rd.svc.audit.Log(audit.EventUpdateDownload, rd.report.RunID, phaseDetails(rd.updater.DownloadCollection(), rd.updater.downloadResults, err))
	if err != nil {
		rd.err = err
		return false
	}
	return true
}

func (rd *round) install(ctx context.Context) bool {
	err := rd.retry.run(ctx, phaseInstall, rd.updater.Install)
	rd.svc.audit.Log(audit.EventUpdateInstall, rd.report.RunID, phaseDetails(rd.updater.InstallCollection(), rd.updater.installResults, err))
	if err != nil {
		rd.err = err
		return false
	}
	return true
}

func phaseDetails(updates []Update, result *OperationResult, err error) map[string]any {
	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		ids = append(ids, u.ID)
	}
	details := map[string]any{
		"updateIds": ids,
		"succeeded": err == nil,
	}
	if result != nil {
		details["resultCode"] = result.ResultCode.String()
		if result.HResult != 0 {
			details["hresult"] = FormatHResult(result.HResult)
		}
	}
	if err != nil {
		var pe *PhaseError
		if errors.As(err, &pe) {
			details["attempts"] = pe.Attempts
		}
		details["error"] = err.Error()
	}
	return details
}
