// Package apierr classifies errors into the five kinds the delivery
// pipeline needs to react differently to: retry-in-place, reject the
// request, report not-found, defer to the next scheduler tick, or
// abort and let the supervisor restart the worker.
package apierr

import "errors"

// Kind is one of the five error categories from the error handling
// design: retryable, validation, not-found, external-unavailable, fatal.
type Kind int

const (
	// KindRetryable is a transient bus/database/registry error. Retried
	// with backoff inside the same worker; bounded attempts then DLT.
	KindRetryable Kind = iota
	// KindValidation is bad input on an admin/recipient RPC. Reported
	// as 400-class with a machine-readable reason, no side effects.
	KindValidation
	// KindNotFound is an addressed resource that does not exist.
	KindNotFound
	// KindExternalUnavailable means a collaborator (e.g. the recipient
	// directory) is down; the caller should retry on the next tick
	// rather than failing the broadcast outright.
	KindExternalUnavailable
	// KindFatal is a data-corruption or invariant violation; the
	// worker aborts and the supervisor restarts it.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindExternalUnavailable:
		return "external_unavailable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind and an optional machine-readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(k Kind, reason string, cause error) *Error {
	return &Error{Kind: k, Reason: reason, Cause: cause}
}

func Retryable(reason string, cause error) *Error           { return newErr(KindRetryable, reason, cause) }
func Validation(reason string, cause error) *Error          { return newErr(KindValidation, reason, cause) }
func NotFound(reason string, cause error) *Error            { return newErr(KindNotFound, reason, cause) }
func ExternalUnavailable(reason string, cause error) *Error { return newErr(KindExternalUnavailable, reason, cause) }
func Fatal(reason string, cause error) *Error               { return newErr(KindFatal, reason, cause) }

// KindOf extracts the Kind from err, defaulting to KindFatal for plain
// errors — an unclassified error is treated as the most conservative
// (worker-aborting) kind rather than silently retried forever.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Retry reports whether err should be retried with backoff inside the
// same worker (spec §7 propagation policy: "inside a bus consumer, the
// only errors surfaced upward are fatals; all others are retried or
// DLT'd").
func Retry(err error) bool {
	return KindOf(err) == KindRetryable
}
