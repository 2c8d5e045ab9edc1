// Package errs implements the error taxonomy from spec §7 as a closed set of
// kinds wrapping github.com/cockroachdb/errors for rich causal chains.
package errs

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Kind is one of the ten error kinds named in spec §7.
type Kind string

const (
	NotFound           Kind = "not_found"
	Forbidden          Kind = "forbidden"
	InvalidArgument    Kind = "invalid_argument"
	RateLimited        Kind = "rate_limited"
	PreconditionFailed Kind = "precondition_failed"
	TransientTransport Kind = "transient_transport"
	FatalTransport     Kind = "fatal_transport"
	DependencyFailed   Kind = "dependency_failed"
	Integrity          Kind = "integrity"
	Internal           Kind = "internal"
)

// Error is the gateway's error type. It always carries a Kind and wraps an
// underlying cause via cockroachdb/errors so %+v prints a full chain.
type Error struct {
	kind       Kind
	cause      error
	retryAfter time.Duration
}

func (e *Error) Error() string { return e.cause.Error() }

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

// RetryAfter returns the suggested retry delay, if any (rate_limited kind).
func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

func wrap(kind Kind, cause error) *Error {
	return &Error{kind: kind, cause: errors.WithStack(cause)}
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, cause: errors.Newf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) *Error {
	return newf(NotFound, format, args...)
}

func Forbiddenf(format string, args ...interface{}) *Error {
	return newf(Forbidden, format, args...)
}

func InvalidArgumentf(format string, args ...interface{}) *Error {
	return newf(InvalidArgument, format, args...)
}

// RateLimitedf builds a rate_limited error carrying a retry-after hint, as
// spec §7 requires ("Rate-limit errors map to 429 with a retry-after hint
// derived from the limiter's delayMs").
func RateLimitedf(retryAfter time.Duration, format string, args ...interface{}) *Error {
	e := newf(RateLimited, format, args...)
	e.retryAfter = retryAfter
	return e
}

func PreconditionFailedf(format string, args ...interface{}) *Error {
	return newf(PreconditionFailed, format, args...)
}

func TransientTransportf(cause error, format string, args ...interface{}) *Error {
	e := newf(TransientTransport, format, args...)
	if cause != nil {
		e.cause = errors.Wrapf(cause, format, args...)
	}
	return e
}

func FatalTransportf(cause error, format string, args ...interface{}) *Error {
	e := newf(FatalTransport, format, args...)
	if cause != nil {
		e.cause = errors.Wrapf(cause, format, args...)
	}
	return e
}

func DependencyFailedf(cause error, format string, args ...interface{}) *Error {
	e := newf(DependencyFailed, format, args...)
	if cause != nil {
		e.cause = errors.Wrapf(cause, format, args...)
	}
	return e
}

// Integrityf builds an integrity error. Per spec §7 a unique-constraint
// violation on an idempotent upsert is "treated as success" by the caller,
// not surfaced as a failure — this constructor exists for the rare case a
// caller needs to observe it directly (e.g. a non-idempotent insert).
func Integrityf(cause error, format string, args ...interface{}) *Error {
	e := newf(Integrity, format, args...)
	if cause != nil {
		e.cause = errors.Wrapf(cause, format, args...)
	}
	return e
}

func Internalf(cause error, format string, args ...interface{}) *Error {
	e := newf(Internal, format, args...)
	if cause != nil {
		e.cause = errors.Wrapf(cause, format, args...)
	}
	return e
}

// KindOf unwraps err looking for a *Error and returns its Kind, or Internal
// if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Internal
}

// Is reports whether err's kind equals k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// RetryAfterOf unwraps err looking for a *Error and returns its retry-after
// hint, or zero if err does not carry one.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.retryAfter
	}
	return 0
}
