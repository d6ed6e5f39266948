// Package apierr defines the caller-facing error taxonomy of the gateway.
//
// DESIGN: Every failure that can reach a caller is an *Error with a Kind.
// The kind decides the HTTP status, whether the orchestrator may retry, and
// whether the credential that produced it is penalised:
//   - request errors:   UnknownModel, InvalidModelSuffix, InvalidRequest
//   - identity errors:  Unauthorized, Forbidden
//   - admission errors: QuotaExceeded, RateLimited (carry RetryAfter)
//   - pool errors:      NoEligibleCredential
//   - upstream errors:  AuthFailure, TransientFailure, UpstreamRejected
//   - stream errors:    StreamInterrupted, Canceled
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error.
type Kind string

const (
	KindUnknownModel         Kind = "unknown_model"
	KindInvalidModelSuffix   Kind = "invalid_model_suffix"
	KindInvalidRequest       Kind = "invalid_request"
	KindUnauthorized         Kind = "unauthorized"
	KindForbidden            Kind = "forbidden"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindRateLimited          Kind = "rate_limited"
	KindNoEligibleCredential Kind = "no_eligible_credential"
	KindAuthFailure          Kind = "auth_failure"
	KindTransientFailure     Kind = "transient_failure"
	KindUpstreamRejected     Kind = "upstream_rejected"
	KindStreamInterrupted    Kind = "stream_interrupted"
	KindCanceled             Kind = "canceled"
	KindInternal             Kind = "internal"
)

// StatusClientClosedRequest is the non-standard status logged when the caller
// disconnects before the response completes.
const StatusClientClosedRequest = 499

// Error is a classified gateway error.
type Error struct {
	Kind       Kind
	Message    string
	Status     int           // HTTP status surfaced to the caller (0 = default for Kind)
	RetryAfter time.Duration // Only for QuotaExceeded / RateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status surfaced to the caller.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return defaultStatus(e.Kind)
}

// Retryable reports whether the orchestrator may retry with another credential.
func (e *Error) Retryable() bool {
	return e.Kind == KindAuthFailure || e.Kind == KindTransientFailure
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithStatus returns a copy of e with an explicit HTTP status.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.Status = status
	return &cp
}

// WithRetryAfter returns a copy of e carrying a retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// As extracts the *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func defaultStatus(kind Kind) int {
	switch kind {
	case KindUnknownModel, KindInvalidModelSuffix, KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindQuotaExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoEligibleCredential:
		return http.StatusServiceUnavailable
	case KindAuthFailure, KindTransientFailure, KindStreamInterrupted:
		return http.StatusBadGateway
	case KindUpstreamRejected:
		return http.StatusBadRequest
	case KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
