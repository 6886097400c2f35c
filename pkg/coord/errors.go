// Package coord holds the substrate shared by the four coordination
// engines: the failure taxonomy surfaced at the engine boundary and the
// time source they are built against.
package coord

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the stable discriminant of an engine-boundary failure.
// Transport adapters map kinds to protocol codes; the kind set is the
// contract, the message is not.
type Kind string

const (
	KindLockConflict          Kind = "lock_conflict"
	KindLockNotFound          Kind = "lock_not_found"
	KindWaitTimeout           Kind = "wait_timeout"
	KindSagaNotFound          Kind = "saga_not_found"
	KindSagaInvalidTransition Kind = "saga_invalid_transition"
	KindStepExecutionFailed   Kind = "step_execution_failed"
	KindVersionConflict       Kind = "version_conflict"
	KindStreamNotFound        Kind = "stream_not_found"
	KindCacheMiss             Kind = "cache_miss"
	KindStoreTimeout          Kind = "store_timeout"
	KindStoreUnavailable      Kind = "store_unavailable"
	KindInvalidArgument       Kind = "invalid_argument"
	KindInternal              Kind = "internal"
)

// retryable lists the kinds a client may retry without altering inputs.
var retryable = map[Kind]bool{
	KindWaitTimeout:      true,
	KindVersionConflict:  true,
	KindStoreTimeout:     true,
	KindStoreUnavailable: true,
}

// Error is the structured failure value every engine operation returns on
// its error path. Engines never panic.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is match on kind, so callers can compare against
// coord.E(kind, "") style sentinels.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// E builds a taxonomy error with the retryability implied by its kind.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable[kind],
	}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := E(kind, format, args...)
	e.Cause = cause
	return e
}

// KindOf extracts the kind from an error chain, or KindInternal when the
// error did not originate at an engine boundary.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a client may retry the failed operation
// without altering its inputs.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// FromStore translates a storage-layer failure into the taxonomy.
// Context expiry becomes StoreTimeout; everything else StoreUnavailable.
func FromStore(err error, op string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindStoreTimeout, err, "%s timed out", op)
	}
	return Wrap(KindStoreUnavailable, err, "%s failed", op)
}
