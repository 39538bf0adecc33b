package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so that the HTTP and WebSocket surfaces can
// map it without string matching.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindForbidden     ErrorKind = "forbidden"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindPrecondition  ErrorKind = "precondition"
	KindTerminalState ErrorKind = "terminal_state"
	KindTransport     ErrorKind = "transport"
)

// Error is the subsystem's error type.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func ValidationError(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func ForbiddenError(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

func NotFoundError(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func ConflictError(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

func PreconditionError(format string, args ...any) *Error {
	return newError(KindPrecondition, format, args...)
}

func TerminalStateError(format string, args ...any) *Error {
	return newError(KindTerminalState, format, args...)
}

// TransportError wraps an infrastructure failure (store unavailable, request
// timeout) as a retryable error.
func TransportError(cause error, format string, args ...any) *Error {
	e := newError(KindTransport, format, args...)
	e.cause = cause
	return e
}

// KindOf extracts the error kind, defaulting unknown errors to transport so
// callers treat them as retryable rather than leaking internals.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransport
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
