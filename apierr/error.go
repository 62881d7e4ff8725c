// Package apierr defines the provider-facing error taxonomy shared by
// TokenProvider, APIClient, and the PlanValidator. It mirrors the builder
// shape of types.Error so the rest of the codebase can keep using the same
// fmt.Errorf("...: %w", err) / errors.Is idioms against it.
package apierr

import "fmt"

// Kind classifies an error for retry/backoff and user-facing messaging
// purposes. See SPEC_FULL.md §7.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNeedsReauth     Kind = "needs_reauth"
	KindRateLimited     Kind = "rate_limited"
	KindCircuitOpen     Kind = "circuit_open"
	KindTimeout         Kind = "timeout"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound        Kind = "not_found"
	KindInvalidRequest  Kind = "invalid_request"
	KindUnknown         Kind = "unknown"
)

// Error is a structured, typed error returned by provider-facing components.
type Error struct {
	Kind       Kind
	Message    string
	Provider   string
	Retryable  bool
	RetryAfter int // seconds, set for KindRateLimited/KindCircuitOpen
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a new Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: defaultRetryable(kind)}
}

func defaultRetryable(k Kind) bool {
	switch k {
	case KindRateLimited, KindCircuitOpen, KindTimeout:
		return true
	default:
		return false
	}
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithProvider sets the originating provider id.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRetryAfter sets a retry-after hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// WithRetryable overrides the default retryability for this Kind.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Is supports errors.Is comparisons against a bare *Error{Kind: k}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from an error, or KindUnknown if it is not an
// *Error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the error should be retried by the APIClient.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// Sentinel instances for errors.Is comparisons, e.g. errors.Is(err, NeedsReauth).
var (
	NeedsReauth     = &Error{Kind: KindNeedsReauth}
	RateLimited     = &Error{Kind: KindRateLimited}
	CircuitOpen     = &Error{Kind: KindCircuitOpen}
	Timeout         = &Error{Kind: KindTimeout}
	Validation      = &Error{Kind: KindValidation}
	PermissionDenied = &Error{Kind: KindPermissionDenied}
	NotFound        = &Error{Kind: KindNotFound}
	InvalidRequest  = &Error{Kind: KindInvalidRequest}
)
