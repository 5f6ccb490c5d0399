// Package generr defines the stable error taxonomy shared by the generation
// control plane, including the authoritative mapping from error kinds to HTTP
// status codes and retry hints.
//
// Components attach a [Kind] to errors either by constructing a [*Error] via
// [New], [Errorf], or [Wrap], or by implementing the single-method interface
//
//	interface{ ErrorKind() Kind }
//
// on their own error types. [KindOf] classifies any error, unwrap-aware, and
// falls back to [ServerError] for anything unrecognised.
package generr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a class of error with a stable wire code, an HTTP status,
// and a retry policy. The zero value is [ServerError].
type Kind uint8

const (
	// ServerError is the catch-all for internal or unclassified failures.
	ServerError Kind = iota
	// Validation indicates bad input or a policy reject. Never retried.
	Validation
	// Unauthorized indicates a missing or invalid caller identity.
	Unauthorized
	// InsufficientCredits indicates the pre-flight balance check failed.
	InsufficientCredits
	// AdminOnly indicates the caller lacks the admin role.
	AdminOnly
	// NotFound indicates a missing resource.
	NotFound
	// Timeout indicates a per-attempt deadline expired. Retriable.
	Timeout
	// RateLimit indicates the per-user sliding window was exhausted.
	RateLimit
	// Backpressure indicates the waiting room was full at admission.
	Backpressure
	// Cancelled indicates user, shutdown, duplicate-policy, or caller-signal
	// cancellation. Never retried, and never reported as a server error.
	Cancelled
	// Initialization indicates the control plane has not (yet) initialised.
	Initialization
	// Shutdown indicates admission was refused because the queue is shutting
	// down or no longer accepting tasks.
	Shutdown
	// ContentPolicy indicates a content-filter reject. Surfaced as a
	// validation failure. Never retried.
	ContentPolicy
	// Transient indicates a provider or network failure expected to clear,
	// e.g. a 5xx or connection reset. Retriable, counts against the breaker
	// for the service involved.
	Transient

	kindCount // number of kinds; must be last
)

// String returns the stable wire code for the kind, e.g. `rate_limit`.
func (x Kind) String() string {
	switch x {
	case Validation:
		return `validation`
	case Unauthorized:
		return `unauthorized`
	case InsufficientCredits:
		return `insufficient_credits`
	case AdminOnly:
		return `admin_only`
	case NotFound:
		return `not_found`
	case Timeout:
		return `timeout`
	case RateLimit:
		return `rate_limit`
	case Backpressure:
		return `backpressure`
	case Cancelled:
		return `cancelled`
	case Initialization:
		return `initialization`
	case Shutdown:
		return `shutdown`
	case ContentPolicy:
		return `content_policy`
	case Transient:
		return `transient`
	default:
		return `server_error`
	}
}

// HTTPStatus returns the status code an HTTP surface must use for the kind.
func (x Kind) HTTPStatus() int {
	switch x {
	case Validation, ContentPolicy:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case InsufficientCredits:
		return http.StatusPaymentRequired
	case AdminOnly:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Timeout:
		return http.StatusRequestTimeout
	case RateLimit, Backpressure:
		return http.StatusTooManyRequests
	case Cancelled:
		// Client closed request, the nginx convention for client-induced
		// cancellation. No stdlib constant exists.
		return 499
	case Initialization, Shutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfter returns the Retry-After hint for the kind, if one applies.
func (x Kind) RetryAfter() (time.Duration, bool) {
	switch x {
	case RateLimit, Backpressure:
		return time.Minute, true
	case Shutdown:
		return 30 * time.Second, true
	default:
		return 0, false
	}
}

// Retriable indicates whether the executor may re-attempt a task whose
// attempt failed with this kind. Admission-time kinds (rate limit,
// backpressure, shutdown, initialization) are never retried by the core;
// cancellation and validation failures are terminal; timeouts and transient
// or unclassified failures retry up to the task's max retries.
func (x Kind) Retriable() bool {
	switch x {
	case Timeout, Transient, ServerError, NotFound:
		return true
	default:
		return false
	}
}

type (
	// Error is the concrete taxonomy error. It carries a [Kind], a
	// human-readable message, an optional phase tag (e.g. `config`,
	// `admission`), and an optional cause.
	Error struct {
		cause error
		msg   string
		phase string
		kind  Kind
	}

	// kinder is implemented by any error that self-reports a [Kind].
	kinder interface {
		ErrorKind() Kind
	}
)

// New returns a new [*Error] with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Errorf returns a new [*Error] with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a new [*Error] with the given cause. The cause participates
// in [errors.Is] and [errors.As] matching via Unwrap.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{kind: kind, msg: msg, cause: cause}
}

// WithPhase tags the error with the phase it occurred in and returns it.
func (e *Error) WithPhase(phase string) *Error {
	e.phase = phase
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + `: ` + e.cause.Error()
	}
	return e.msg
}

// ErrorKind returns the error's kind.
func (e *Error) ErrorKind() Kind {
	return e.kind
}

// Phase returns the phase tag, or the empty string.
func (e *Error) Phase() string {
	return e.phase
}

// Unwrap returns the underlying cause for use with [errors.Is] and
// [errors.As].
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports context-error equivalence so that cancellation and timeout
// errors cooperate with stdlib idiom: a [Cancelled] error matches
// [context.Canceled], and a [Timeout] error matches
// [context.DeadlineExceeded].
func (e *Error) Is(target error) bool {
	switch e.kind {
	case Cancelled:
		return target == context.Canceled
	case Timeout:
		return target == context.DeadlineExceeded
	default:
		return false
	}
}

// KindOf classifies an error. Errors implementing ErrorKind win, then
// context cancellation and deadline errors, then [ServerError] as the
// fallback for anything unrecognised.
func KindOf(err error) Kind {
	var k kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return ServerError
}

// Phase returns the phase tag of the outermost [*Error] in the chain, or
// the empty string.
func Phase(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.phase
	}
	return ``
}
