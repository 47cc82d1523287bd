// Package errs provides the unified error taxonomy used across meshbus.
//
// Every operation that can fail synchronously or asynchronously fails with
// an *Error carrying one of the fixed Code values below, a human message,
// and an optional details bag for structured context (topic, correlation
// ID, limits, etc). A taxonomy error is never double-wrapped: Wrap on
// an existing *Error only attaches details, it does not change the code.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure. Kinds are intrinsic: retryability
// and other policy decisions key off Code, never off the message text.
type Code string

const (
	// BadRequest signals a validation failure: malformed topic, wrong
	// handler type, an option outside its allowed range, an invalid
	// invalidation pattern, or a circular dependency setup.
	BadRequest Code = "BAD_REQUEST"
	// NotFound signals a cache-only strategy miss or the absence of a
	// responder for a request topic.
	NotFound Code = "NOT_FOUND"
	// Forbidden signals that responder middleware cancelled its chain,
	// or refused the request outright.
	Forbidden Code = "FORBIDDEN"
	// Timeout signals that a request or requestMany exceeded its window.
	Timeout Code = "TIMEOUT"
	// Aborted signals that a caller-supplied cancellation fired before
	// or during dispatch. Not one of the originally enumerated kinds but
	// required by the cancellation semantics the spec describes
	// elsewhere.
	Aborted Code = "ABORTED"
	// Conflict signals a duplicate plugin/component name, or an
	// ambiguous responder situation reported informatively.
	Conflict Code = "CONFLICT"
	// PayloadTooLarge is available for interceptor/validator reuse.
	PayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
	// TooManyRequests is available for interceptor/validator reuse.
	TooManyRequests Code = "TOO_MANY_REQUESTS"
	// UnprocessableEntity is available for interceptor/validator reuse.
	UnprocessableEntity Code = "UNPROCESSABLE_ENTITY"
	// Gone signals an operation attempted on a destroyed component, or a
	// pending request still outstanding at teardown.
	Gone Code = "GONE"
	// ServiceUnavailable signals a temporary responder-side refusal,
	// e.g. an open circuit breaker in user code.
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	// Internal wraps an unexpected failure, including any non-taxonomy
	// error surfaced from user code.
	Internal Code = "INTERNAL"
)

// retryable holds the intrinsic retryability of each Code. Timeout,
// TooManyRequests, ServiceUnavailable, and Internal are retryable; every
// other kind is not.
var retryable = map[Code]bool{
	Timeout:            true,
	TooManyRequests:    true,
	ServiceUnavailable: true,
	Internal:           true,
}

// Error is the single error type meshbus returns from every fallible
// operation.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

// New creates an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a Code and message. If err is already
// an *Error, Wrap returns it unchanged except for the additional message
// context folded into Details under "context"; the original Code and Err
// are preserved so taxonomy errors are never double-wrapped.
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return New(code, message)
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing.WithDetails("context", message)
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair to the error's details bag and
// returns the same Error for chaining. Mutates in place since Error
// values are always handled through a pointer.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithTopic is a convenience for the detail callers attach most often.
func (e *Error) WithTopic(topic string) *Error {
	return e.WithDetails("topic", topic)
}

// Retryable reports whether this kind of failure is intrinsically
// retryable, independent of any particular retry policy.
func (e *Error) Retryable() bool {
	return retryable[e.Code]
}

// Is reports whether err carries the given Code, unwrapping as needed.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// FromError converts any error into an *Error. An existing *Error passes
// through unchanged (never double-wrapped); anything else is wrapped as
// Internal while preserving the original message and, via Unwrap, the
// original error for errors.Is/As.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Code: Internal, Message: err.Error(), Err: err}
}

// Convenience constructors, one per kind, mirroring the teacher's
// per-code helper functions (infrastructure/errors).

func BadRequestf(format string, args ...any) *Error {
	return Newf(BadRequest, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return Newf(NotFound, format, args...)
}

func Forbiddenf(format string, args ...any) *Error {
	return Newf(Forbidden, format, args...)
}

func TimeoutErr(topic string) *Error {
	return New(Timeout, "operation timed out").WithTopic(topic)
}

func AbortedErr(topic string) *Error {
	return New(Aborted, "operation was cancelled").WithTopic(topic)
}

func Conflictf(format string, args ...any) *Error {
	return Newf(Conflict, format, args...)
}

func Gonef(format string, args ...any) *Error {
	return Newf(Gone, format, args...)
}

func ServiceUnavailablef(format string, args ...any) *Error {
	return Newf(ServiceUnavailable, format, args...)
}

func Internalf(format string, args ...any) *Error {
	return Newf(Internal, format, args...)
}

func TooManyRequestsf(format string, args ...any) *Error {
	return Newf(TooManyRequests, format, args...)
}

func PayloadTooLargef(format string, args ...any) *Error {
	return Newf(PayloadTooLarge, format, args...)
}

func UnprocessableEntityf(format string, args ...any) *Error {
	return Newf(UnprocessableEntity, format, args...)
}
