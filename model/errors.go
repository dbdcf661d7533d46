package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrIllegalTransition = "ILLEGAL_TRANSITION"
	ErrDependency        = "DEPENDENCY_ERROR"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Approval token error codes.
const (
	ErrTokenExpired     = "TOKEN_EXPIRED"
	ErrTokenAlreadyUsed = "TOKEN_ALREADY_USED"
)

// ErrorEnvelope is the standard error value returned by every acadflow
// component. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error. Callers should re-fetch and
// retry against fresh state.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewFieldValidationError is shorthand for a single-field validation error.
func NewFieldValidationError(field, code, msg string) *ErrorEnvelope {
	return NewValidationError([]FieldError{{Field: field, Code: code, Message: msg}})
}

// NewIllegalTransitionError returns an ILLEGAL_TRANSITION error.
func NewIllegalTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalTransition, Message: msg}
}

// NewTokenExpiredError returns a TOKEN_EXPIRED error.
func NewTokenExpiredError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTokenExpired, Message: "The approval link has expired"}
}

// NewTokenAlreadyUsedError returns a TOKEN_ALREADY_USED error.
func NewTokenAlreadyUsedError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTokenAlreadyUsed, Message: "The approval link has already been used"}
}

// NewDependencyError wraps a storage or infrastructure failure so callers can
// tell it apart from an invalid request.
func NewDependencyError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDependency, Message: msg, cause: cause}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// CodeOf returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
