// Package failure defines the transport-neutral error taxonomy shared by the
// cache engine, the seckill pipeline and the HTTP adapter.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a Failure.
type Code string

const (
	// CodeValidation means the request was malformed or outside the sale window.
	CodeValidation Code = "validation_error"
	// CodeCapacityExhausted means the provisional stock counter is at zero.
	CodeCapacityExhausted Code = "capacity_exhausted"
	// CodeDuplicate means the buyer already holds a ticket for the voucher.
	CodeDuplicate Code = "duplicate_request"
	// CodeCoordinationUnavailable means the coordination store could not serve
	// the request (unreachable, timed out, or a rebuild stayed contended).
	CodeCoordinationUnavailable Code = "coordination_unavailable"
	// CodeMaterializationAnomaly marks a ticket that was admitted by the gate
	// but rejected by the authoritative store.
	CodeMaterializationAnomaly Code = "materialization_anomaly"
	// CodeNotFound is returned by read paths when the record does not exist.
	CodeNotFound Code = "not_found"
)

// Failure carries a code, a human readable detail and an optional cause.
type Failure struct {
	Code       Code
	Detail     string
	Retryable  bool
	HTTPStatus int // optional hint for HTTP adapters
	Err        error
}

func (f *Failure) Error() string {
	switch {
	case f.Detail != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Detail, f.Err)
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	default:
		return string(f.Code)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Status returns the HTTP status an adapter should use for f.
func (f *Failure) Status() int {
	if f.HTTPStatus != 0 {
		return f.HTTPStatus
	}
	switch f.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeCapacityExhausted, CodeDuplicate:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeCoordinationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Validation reports a malformed request.
func Validation(format string, args ...any) error {
	return &Failure{Code: CodeValidation, Detail: fmt.Sprintf(format, args...)}
}

// CapacityExhausted reports a sold out voucher.
func CapacityExhausted(detail string) error {
	return &Failure{Code: CodeCapacityExhausted, Detail: detail}
}

// Duplicate reports a repeated purchase attempt.
func Duplicate(detail string) error {
	return &Failure{Code: CodeDuplicate, Detail: detail}
}

// CoordinationUnavailable wraps a coordination store error. Callers may retry.
func CoordinationUnavailable(detail string, err error) error {
	return &Failure{Code: CodeCoordinationUnavailable, Detail: detail, Retryable: true, Err: err}
}

// MaterializationAnomaly reports an admitted ticket that could not become an
// order.
func MaterializationAnomaly(detail string) error {
	return &Failure{Code: CodeMaterializationAnomaly, Detail: detail}
}

// NotFound reports a missing record.
func NotFound(detail string) error {
	return &Failure{Code: CodeNotFound, Detail: detail}
}

// CodeOf extracts the Code of the first Failure in err's chain.
func CodeOf(err error) (Code, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code, true
	}
	return "", false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Retryable
}
