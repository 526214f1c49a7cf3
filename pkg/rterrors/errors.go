// Package rterrors defines the closed set of error kinds surfaced at the
// boundary of the Runtime Orchestration Core, modeled after the
// BaseError/Severity pattern used throughout the ag-ui SDK's pkg/errors.
package rterrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one of the stable, machine-readable error kinds named in the
// component design. Callers should compare with IsKind (or errors.Is
// against a CoreError of the same Kind), not by inspecting Message.
type Kind string

const (
	KindRuntimeLimit     Kind = "runtime_limit"
	KindQueueTimeout     Kind = "queue_timeout"
	KindRateLimited      Kind = "rate_limited"
	KindCircuitOpen      Kind = "circuit_open"
	KindSchemaViolation  Kind = "schema_violation"
	KindLLMError         Kind = "llm_error"
	KindCancelled        Kind = "cancelled"
	KindTimeout          Kind = "timeout"
	KindLockTimeout      Kind = "lock_timeout"
	KindNotFound         Kind = "not_found"
	KindSSRFBlocked      Kind = "ssrf_blocked"
	KindCorruptState     Kind = "corrupt_state"
	KindIOError          Kind = "io_error"
	KindExpired          Kind = "expired"
	KindDenied           Kind = "denied"
)

// CoreError is the single concrete error type returned across every
// component boundary. It carries enough structure for callers to decide
// whether to retry, without leaking implementation-specific types.
type CoreError struct {
	Kind       Kind
	Message    string
	Retryable  bool
	RetryAfter *time.Duration
	Details    map[string]interface{}
	Cause      error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, rterrors.New(kind, "")) match by Kind alone.
func (e *CoreError) Is(target error) bool {
	var ce *CoreError
	if errors.As(target, &ce) {
		return ce.Kind == e.Kind
	}
	return false
}

// New creates a CoreError with the given kind and message.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message, Details: map[string]interface{}{}}
}

// Newf creates a CoreError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *CoreError {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithDetail attaches a contextual detail and returns the receiver for chaining.
func (e *CoreError) WithDetail(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause records the wrapped error.
func (e *CoreError) WithCause(cause error) *CoreError {
	e.Cause = cause
	return e
}

// WithRetry marks the error retryable after the given delay.
func (e *CoreError) WithRetry(after time.Duration) *CoreError {
	e.Retryable = true
	e.RetryAfter = after2(after)
	return e
}

func after2(d time.Duration) *time.Duration { return &d }

// IsKind reports whether err is a CoreError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// RetryAfterOf extracts a suggested retry delay, if any was attached.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ce *CoreError
	if errors.As(err, &ce) && ce.RetryAfter != nil {
		return *ce.RetryAfter, true
	}
	return 0, false
}
