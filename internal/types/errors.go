package types

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline failure with its wire code.
type Kind int

const (
	KindInternal Kind = iota
	KindPlanFailed
	KindRateLimitExhausted
	KindSourceTimeout
	KindStaleData
	KindEntitlementDenied
	KindSourceError
)

// Code returns the wire code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindPlanFailed:
		return "PLAN_FAILED"
	case KindRateLimitExhausted:
		return "RATE_LIMIT_EXHAUSTED"
	case KindSourceTimeout:
		return "SOURCE_TIMEOUT"
	case KindStaleData:
		return "STALE_DATA"
	case KindEntitlementDenied:
		return "ENTITLEMENT_DENIED"
	case KindSourceError:
		return "SOURCE_ERROR"
	default:
		return "INTERNAL"
	}
}

func (k Kind) String() string { return k.Code() }

// Error is the typed error every pipeline stage returns. The orchestrator
// inspects Kind to decide between fail-fast, cache fallback, and response
// shaping; Source and RetryAfter feed the structured hints in the error
// response.
type Error struct {
	Kind       Kind
	Source     string        // source name, when the failure is source-scoped
	RetryAfter time.Duration // set for RATE_LIMIT_EXHAUSTED
	Message    string
	Err        error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Source != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind.Code(), e.Source, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Planf builds a PLAN_FAILED error.
func Planf(format string, args ...any) *Error {
	return &Error{Kind: KindPlanFailed, Message: fmt.Sprintf(format, args...)}
}

// RateLimited builds a RATE_LIMIT_EXHAUSTED error carrying the governor's
// retry hint.
func RateLimited(source string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimitExhausted,
		Source:     source,
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("token bucket empty, retry after %s", retryAfter),
	}
}

// Timeout builds a SOURCE_TIMEOUT error.
func Timeout(source string, err error) *Error {
	return &Error{Kind: KindSourceTimeout, Source: source, Message: "deadline exceeded", Err: err}
}

// SourceErr builds a SOURCE_ERROR for a structured connector failure.
func SourceErr(source string, err error) *Error {
	return &Error{Kind: KindSourceError, Source: source, Err: err}
}

// Denied builds an ENTITLEMENT_DENIED error.
func Denied(source, msg string) *Error {
	return &Error{Kind: KindEntitlementDenied, Source: source, Message: msg}
}

// Internal wraps a bug or runtime failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err}
}

// KindOf extracts the Kind from an error chain; unclassified errors are
// INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError extracts the typed error from a chain, or wraps the error as
// INTERNAL so callers always have structured fields to read.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Transient reports whether the failure kind permits serving a
// sufficiently fresh stale cache entry instead of failing the query.
func Transient(k Kind) bool {
	return k == KindRateLimitExhausted || k == KindSourceTimeout
}
