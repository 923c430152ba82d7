// Package apperr defines the error taxonomy shared by the pipeline and its
// HTTP surfaces.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindInput               Kind = "input"
	KindQuota               Kind = "quota"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindConflict            Kind = "conflict"
	KindNotReady            Kind = "not_ready"
	KindTransient           Kind = "transient"
	KindDeterministic       Kind = "deterministic"
	KindFatal               Kind = "fatal"
	KindInternal            Kind = "internal"
)

// Error is a classified error. Code is a stable machine-readable identifier
// (e.g. RATE_LIMITED) returned to API clients as error_code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error

	// RetryAfterSeconds is set on quota errors.
	RetryAfterSeconds int
	// Details carries structured context, e.g. a credit shortfall.
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind and Code so sentinel values work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies err.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Input returns an input-validation error.
func Input(message string) *Error {
	return New(KindInput, "INVALID_INPUT", message)
}

// Quota returns a rate-limit or concurrency rejection.
func Quota(message string, retryAfter int) *Error {
	e := New(KindQuota, "RATE_LIMITED", message)
	e.RetryAfterSeconds = retryAfter
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInput:
		return http.StatusBadRequest
	case KindQuota:
		return http.StatusTooManyRequests
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotReady:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable code for err.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "INTERNAL_ERROR"
}
