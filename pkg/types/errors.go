// Package types - the error taxonomy the gateway discriminates on.
//
// Five kinds cover everything the core surfaces. Transports map them to
// producer-facing responses (400/200/503/429/500); the router maps them to
// DLQ categories.
package types

import (
	"errors"
	"fmt"
)

// ErrKind discriminates gateway errors.
type ErrKind string

const (
	// KindInvalidInput - guards or validation rejected the message. Terminal.
	KindInvalidInput ErrKind = "invalid_input"
	// KindDuplicate - dedup hit. Silent success.
	KindDuplicate ErrKind = "duplicate"
	// KindUnavailable - a downstream is down. Retryable.
	KindUnavailable ErrKind = "unavailable"
	// KindThrottled - backpressure. Propagates to the producer, never DLQ'd.
	KindThrottled ErrKind = "throttled"
	// KindInternal - a programming invariant was violated.
	KindInternal ErrKind = "internal"
)

// Error carries a kind, a machine-readable reason code, and an optional
// wrapped cause. Reason codes are stable API surface; Err is not.
type Error struct {
	Kind   ErrKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a gateway error.
func E(kind ErrKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the kind of err, defaulting to internal for errors the
// gateway did not classify.
func KindOf(err error) ErrKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// ReasonOf extracts the machine reason code, or "internal_error".
func ReasonOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) && ge.Reason != "" {
		return ge.Reason
	}
	return "internal_error"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error category may be retried. Only
// downstream unavailability qualifies; validation and classification
// failures must not be retried.
func Retryable(err error) bool {
	return IsKind(err, KindUnavailable)
}
