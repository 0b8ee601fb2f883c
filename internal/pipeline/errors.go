package pipeline

import (
	"errors"
	"fmt"
)

// Stable reason codes surfaced in SyncRun.last_error. These are what users
// and dashboards see; raw collaborator errors stay in the logs.
const (
	ReasonSourceUnavailable = "source_unavailable"
	ReasonMalformedPayload  = "malformed_payload"
	ReasonRetriesExhausted  = "retries_exhausted"
	ReasonOrphanedRun       = "orphaned_run"
	ReasonStepFatal         = "step_fatal"
)

// ConflictError is returned synchronously when a start request collides with
// an active non-terminal run for the same tenant.
type ConflictError struct {
	TenantID    string
	ActiveRunID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tenant %s already has active sync run %s", e.TenantID, e.ActiveRunID)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// TransientStepError marks a step failure worth retrying with backoff. It
// never propagates past the queue boundary; callers only observe it as a
// growing retry count.
type TransientStepError struct {
	Step   string
	Reason string
	Err    error
}

func (e *TransientStepError) Error() string {
	return fmt.Sprintf("transient failure in step %s (%s): %v", e.Step, e.Reason, e.Err)
}

func (e *TransientStepError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(step, reason string, err error) error {
	return &TransientStepError{Step: step, Reason: reason, Err: err}
}

// FatalStepError marks a step failure that must not be retried, e.g. a
// malformed payload. The task is dead-lettered immediately.
type FatalStepError struct {
	Step   string
	Reason string
	Err    error
}

func (e *FatalStepError) Error() string {
	return fmt.Sprintf("fatal failure in step %s (%s): %v", e.Step, e.Reason, e.Err)
}

func (e *FatalStepError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(step, reason string, err error) error {
	return &FatalStepError{Step: step, Reason: reason, Err: err}
}

// IsFatal reports whether err carries a FatalStepError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalStepError
	return errors.As(err, &fe)
}

// FailureReason extracts the stable reason code from a step error, falling
// back to the generic codes when the error was not classified.
func FailureReason(err error) string {
	var fe *FatalStepError
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	var te *TransientStepError
	if errors.As(err, &te) && te.Reason != "" {
		return te.Reason
	}
	return ReasonStepFatal
}

// OrphanedRunError records a run the reconciler resolved to failed. It is
// never surfaced to callers; the reconciler logs it and moves on.
type OrphanedRunError struct {
	RunID    string
	TenantID string
}

func (e OrphanedRunError) Error() string {
	return fmt.Sprintf("run %s (tenant %s) orphaned: non-terminal with no live execution context", e.RunID, e.TenantID)
}

// ErrDuplicateEvent is absorbed silently by the orchestrator; a redelivered
// workflow event is expected under at-least-once delivery, not an error.
var ErrDuplicateEvent = errors.New("duplicate workflow event")

// ErrRunNotFound is returned by stores when a run id matches nothing.
var ErrRunNotFound = errors.New("sync run not found")
