package winupdate

import "fmt"

// ErrPreflightFailed indicates a pre-flight check failed before the round
// could start.
type ErrPreflightFailed struct {
	Check   string // "service_health", "elevation", "disk_space", "battery", "maintenance_window"
	Message string
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}

// PhaseError reports a phase that ran out of retries or hit a permanent
// failure.
type PhaseError struct {
	Phase    string
	Attempts int
	Err      error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Phase, e.Attempts, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
