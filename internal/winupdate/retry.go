package winupdate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/breeze-rmm/winupdate/internal/logging"
)

// DefaultRetries is the retry budget for a whole operation, shared by all
// of its phases.
const DefaultRetries = 5

type phase struct {
	name    string
	title   string
	failure string
}

var (
	phaseSearch   = phase{name: "search", title: "Search", failure: "Failed in the seeking/parsing process"}
	phaseDownload = phase{name: "download", title: "Download", failure: "Failed while trying to download updates"}
	phaseInstall  = phase{name: "install", title: "Install", failure: "Failed while trying to install the updates"}
)

// BackoffConfig sets the wait between failed attempts. A zero
// InitialInterval retries immediately.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// retrier runs phases against one retry budget and accumulates the
// human-readable log that ends up in the report comment.
type retrier struct {
	remaining int
	delays    backoff.BackOff
	sleep     func(context.Context, time.Duration) error
	comment   strings.Builder
}

func newRetrier(retries int, cfg BackoffConfig) *retrier {
	if retries <= 0 {
		retries = DefaultRetries
	}
	r := &retrier{remaining: retries, sleep: sleepContext}

	if cfg.InitialInterval > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialInterval
		if cfg.MaxInterval > 0 {
			b.MaxInterval = cfg.MaxInterval
		}
		if cfg.Multiplier >= 1 {
			b.Multiplier = cfg.Multiplier
		}
		b.MaxElapsedTime = 0
		b.Reset()
		r.delays = b
	}
	return r
}

// Remaining returns the unused part of the budget.
func (r *retrier) Remaining() int {
	return r.remaining
}

// Comment returns the log accumulated so far.
func (r *retrier) Comment() string {
	return r.comment.String()
}

// run calls fn until it succeeds or the shared budget is spent. Permanent
// errors and context cancellation end the phase at once.
func (r *retrier) run(ctx context.Context, p phase, fn func(context.Context) error) error {
	logger := logging.FromContextOr(ctx, log).With(logging.KeyPhase, p.name)
	if r.delays != nil {
		r.delays.Reset()
	}

	attempts := 0
	clean := true
	for {
		if err := ctx.Err(); err != nil {
			fmt.Fprintf(&r.comment, "%s was cancelled: %v\n", p.title, err)
			return &PhaseError{Phase: p.name, Attempts: attempts, Err: err}
		}

		logger.Debug("phase attempt", "triesLeft", r.remaining)
		attempts++
		err := fn(ctx)
		if err == nil {
			break
		}

		clean = false
		fmt.Fprintf(&r.comment, "%s:\n\t\t%v\n", p.failure, err)

		if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintf(&r.comment, "%s was cancelled. this update round failed.\n", p.title)
			return &PhaseError{Phase: p.name, Attempts: attempts, Err: err}
		}

		if IsPermanent(err) {
			r.comment.WriteString("the failure cannot be fixed by retrying. this update round failed.\n")
			logger.Warn("phase failed permanently", logging.KeyError, err)
			return &PhaseError{Phase: p.name, Attempts: attempts, Err: err}
		}

		r.remaining--
		if r.remaining <= 0 {
			r.remaining = 0
			r.comment.WriteString("out of retries. this update round failed.\n")
			logger.Warn("phase out of retries", logging.KeyError, err, "attempts", attempts)
			return &PhaseError{Phase: p.name, Attempts: attempts, Err: err}
		}

		fmt.Fprintf(&r.comment, "%d tries to go. retrying\n", r.remaining)
		logger.Warn("phase failed, retrying", logging.KeyError, err, "triesLeft", r.remaining)

		if err := r.wait(ctx); err != nil {
			fmt.Fprintf(&r.comment, "%s was cancelled: %v\n", p.title, err)
			return &PhaseError{Phase: p.name, Attempts: attempts, Err: err}
		}
	}

	if clean {
		fmt.Fprintf(&r.comment, "%s was done without error.\n", p.title)
	}
	return nil
}

func (r *retrier) wait(ctx context.Context) error {
	if r.delays == nil {
		return nil
	}
	d := r.delays.NextBackOff()
	if d <= 0 {
		return nil
	}
	return r.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
