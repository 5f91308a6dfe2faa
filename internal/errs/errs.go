// Package errs defines the closed error-kind taxonomy shared by every
// component of the orchestrator (spec §7). Stdlib errors.Is/errors.As keep
// working through Unwrap; no component needs a third-party errors library
// for a flat, closed enum plus one wrapper type.
package errs

import "fmt"

// Kind is one of the flat taxonomy of error kinds used in logs, the
// Failure Ledger, and circuit-breaker bookkeeping.
type Kind string

const (
	Config       Kind = "Config"
	NotFound     Kind = "NotFound"
	Corrupt      Kind = "Corrupt"
	Validation   Kind = "Validation"
	MissingTable Kind = "MissingTable"
	NoCalibrator Kind = "NoCalibrator"
	LowVisibility Kind = "LowVisibility"
	Transient    Kind = "Transient"
	Resource     Kind = "Resource"
	Timeout      Kind = "Timeout"
	CircuitOpen  Kind = "CircuitOpen"
	Conflict     Kind = "Conflict"
	Permanent    Kind = "Permanent"
)

// Error pairs a Kind with an underlying cause and an operator-facing
// message. It is the only error type that crosses component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
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

// KindOf extracts the Kind carried by err, if any, defaulting to Permanent
// for errors that never declared a kind (conservative: unknown failures do
// not get retried indefinitely).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return Permanent
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRetryable reports whether the classified kind should be retried by the
// Stage Runner (spec §4.6 retry classifier: declared kind Transient or
// Resource is always retryable).
func IsRetryable(kind Kind) bool {
	return kind == Transient || kind == Resource
}
