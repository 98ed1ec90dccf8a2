package errutil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.Message,
			"details": e.Details,
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Detail returns the message of the first detail for field, or "".
func (e BaseError) Detail(field string) string {
	for _, d := range e.Details {
		if d.Field == field {
			return d.Message
		}
	}
	return ""
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = append(be.Details, details...) }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func WithField(field, message string) Option {
	return WithDetails(Detail{Field: field, Message: message})
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func Validation(msg string, options ...Option) error {
	return New(StatusValidation, msg, options...)
}

func NotFound(resource, id string, options ...Option) error {
	options = append([]Option{WithField(strings.ToLower(resource)+"_id", id)}, options...)
	return New(StatusNotFound, resource+" not found", options...)
}

// InsufficientBalance reports the required and available spendable balance.
func InsufficientBalance(required, available int64, options ...Option) error {
	options = append([]Option{
		WithField("required", strconv.FormatInt(required, 10)),
		WithField("available", strconv.FormatInt(available, 10)),
	}, options...)
	return New(StatusInsufficientBalance, "insufficient token balance", options...)
}

func NoEligibleStaff(itemType string, options ...Option) error {
	options = append([]Option{WithField("item_type", itemType)}, options...)
	return New(StatusNoEligibleStaff, "no staff available", options...)
}

func InvariantViolation(msg string, options ...Option) error {
	return New(StatusInvariantViolation, msg, options...)
}

func Unauthorized(msg string, options ...Option) error {
	return New(StatusUnauthorized, msg, options...)
}

func Forbidden(msg string, options ...Option) error {
	return New(StatusForbidden, msg, options...)
}

func Internal(msg string, err error) error {
	return New(StatusInternal, msg, WithErr(err))
}

// StatusOf returns the status carried by err, or StatusInternal when err is not
// a BaseError.
func StatusOf(err error) CoreStatus {
	var be BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	return StatusInternal
}

// Is reports whether err carries the given status.
func Is(err error, code CoreStatus) bool {
	if err == nil {
		return false
	}
	return StatusOf(err) == code
}

// From normalises any error into a BaseError.
func From(err error) BaseError {
	var be BaseError
	if errors.As(err, &be) {
		return be
	}
	return BaseError{Code: StatusInternal, Message: "internal error", Err: err}
}
