package errutil

import "net/http"

// CoreStatus is the failure category surfaced to callers.
type CoreStatus string

const (
	StatusValidation          CoreStatus = "VALIDATION_ERROR"
	StatusInsufficientBalance CoreStatus = "INSUFFICIENT_BALANCE"
	StatusNoEligibleStaff     CoreStatus = "NO_ELIGIBLE_STAFF"
	StatusNotFound            CoreStatus = "NOT_FOUND"
	StatusInvariantViolation  CoreStatus = "INVARIANT_VIOLATION"
	StatusUnauthorized        CoreStatus = "UNAUTHORIZED"
	StatusForbidden           CoreStatus = "FORBIDDEN"
	StatusInternal            CoreStatus = "INTERNAL"
)

// HTTPStatus maps the status to the closest HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusValidation:
		return http.StatusBadRequest
	case StatusInsufficientBalance:
		return http.StatusPaymentRequired
	case StatusNoEligibleStaff:
		return http.StatusServiceUnavailable
	case StatusNotFound:
		return http.StatusNotFound
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Recoverable reports whether the caller can retry or correct the request.
func (s CoreStatus) Recoverable() bool {
	return s != StatusInvariantViolation && s != StatusInternal
}
