package models

import (
	"errors"
	"fmt"
)

// Error taxonomy (spec section 7). Sentinels are compared with errors.Is;
// InvariantError and CancellationError carry identity-bearing payloads the
// sentinels can't.
var (
	// ErrUserInput marks an invalid promise id, unknown route, or invalid
	// configuration. Reported to the caller; never logged as an error.
	ErrUserInput = errors.New("user input error")

	// ErrOversizePromise marks a payload that exceeded MaxBlobSize.
	// Non-fatal: the promise stays memory-only.
	ErrOversizePromise = errors.New("promise payload exceeds size limit")

	// ErrPersistenceFailure marks a KV write/read error. Logged; the
	// promise is treated as memory-only (writes) or absent (reads).
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrNotSupported marks an unsupported operation. No code in this
	// module returns it: a second call to a MacroJobMessage's enumerator
	// is reported as an *InvariantError instead.
	ErrNotSupported = errors.New("not supported")
)

// InvariantError represents a SchedulingInvariantViolation: a stale
// scheduling epoch, a double-enumeration attempt, or a double-return of a
// rented cancellation source. Per section 7 this must never happen in
// correct code; callers that observe one should treat it as a bug, not a
// retryable condition.
type InvariantError struct {
	What string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("scheduling invariant violation: %s", e.What)
}

// NewInvariantError constructs an InvariantError with a formatted message.
func NewInvariantError(format string, args ...any) *InvariantError {
	return &InvariantError{What: fmt.Sprintf(format, args...)}
}

// CancellationError is the JobCancellation error kind: expected control
// flow carrying a number derived from the cancellation token that
// triggered it. Enumeration does not compare these numbers, so it does
// not tell the caller's own token apart from another participant's.
type CancellationError struct {
	// TokenID is the rental generation of the triggering cancel.Source,
	// or 0 when the token is not a *cancel.Source. Generations are counted
	// per source, so two different sources can yield the same TokenID.
	TokenID uint64
	// Background is true when the cancellation was requested out-of-band
	// (e.g. a sibling participant's ClientToken firing) rather than by
	// the caller's own context being cancelled.
	Background bool
}

func (e *CancellationError) Error() string {
	if e.Background {
		return fmt.Sprintf("job cancelled (background, token=%d)", e.TokenID)
	}
	return fmt.Sprintf("job cancelled (token=%d)", e.TokenID)
}

// Is reports whether target is also a *CancellationError, so that
// errors.Is(err, &CancellationError{}) works as a kind check without
// requiring identical token identity.
func (e *CancellationError) Is(target error) bool {
	_, ok := target.(*CancellationError)
	return ok
}

// JobExecutionError wraps an error surfaced by a worker. The worker pool
// passes it to its result callback only; it is not recorded on the child
// promise, which stays incomplete, and it does not reach the macro
// producer or its result list (section 7).
type JobExecutionError struct {
	PromiseID PromiseId
	Err       error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job execution failed for promise %s: %v", e.PromiseID, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }
