// Package apperr carries the error kinds the HTTP boundary maps to status
// codes. Components wrap causes with a kind; handlers switch on KindOf.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and status mapping.
type Kind int

const (
	// Internal is the zero value: an unclassified defect.
	Internal Kind = iota
	// Validation is bad client input: size, type, missing field.
	Validation
	// NotFound is a read of an id that does not exist.
	NotFound
	// Auth is a credential failure against an upstream provider.
	Auth
	// UpstreamTransient is a network error, 5xx or 429 that exhausted its
	// retry budget.
	UpstreamTransient
	// UpstreamPermanent is a non-retryable provider response (4xx except 429).
	UpstreamPermanent
	// RateLimited is a provider 429 that survived retries.
	RateLimited
	// Resource is a local limit: over-budget cache, exhausted pool, timeout.
	Resource
	// DimensionMismatch is a cross-provider vector operation, a programming
	// defect rather than an input error.
	DimensionMismatch
	// Cancelled is a client disconnect or shutdown; not an error to report.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Auth:
		return "auth"
	case UpstreamTransient:
		return "upstream_transient"
	case UpstreamPermanent:
		return "upstream_permanent"
	case RateLimited:
		return "rate_limited"
	case Resource:
		return "resource"
	case DimensionMismatch:
		return "dimension_mismatch"
	case Cancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Error is a kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kind-tagged error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err. Context cancellation maps to Cancelled
// even when wrapped by third-party code; anything else unclassified is
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Resource
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
