package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
	ErrNetworkError      = "NETWORK_ERROR"
)

// Workflow-specific error codes.
const (
	ErrConsentRequired  = "CONSENT_REQUIRED"
	ErrFrozenSession    = "FROZEN_SESSION"
	ErrConcurrentSubmit = "CONCURRENT_SUBMIT"
	ErrStaleResponse    = "STALE_RESPONSE"
)

// ErrorEnvelope is the standard error value returned by the portal core and
// serialized by the HTTP transport. It implements the error interface.
type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []FieldError      `json:"details,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// Retryable reports whether the operation that produced the error may be
// re-triggered by the user without restarting the flow.
func (e *ErrorEnvelope) Retryable() bool {
	return e.Code == ErrNetworkError
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err, or any error it wraps, is an ErrorEnvelope
// with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// CodeOf returns the envelope code of err, or ErrInternalError when err is
// not an ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
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

// NewInvalidTransitionError returns an INVALID_TRANSITION error. A missing
// edge and a failed guard both produce this exact error.
func NewInvalidTransitionError(kind EntityKind, from State, trigger Trigger) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: "This action cannot be performed now",
		Meta: map[string]string{
			"entity_kind": string(kind),
			"from_state":  string(from),
			"event":       string(trigger),
		},
	}
}

// NewConsentRequiredError returns a CONSENT_REQUIRED error listing the
// consent keys that are not yet granted.
func NewConsentRequiredError(keys []string) *ErrorEnvelope {
	missing := append([]string(nil), keys...)
	sort.Strings(missing)
	details := make([]FieldError, 0, len(missing))
	for _, k := range missing {
		details = append(details, FieldError{Field: k, Code: "CONSENT_REQUIRED", Message: "Consent is required"})
	}
	return &ErrorEnvelope{
		Code:    ErrConsentRequired,
		Message: fmt.Sprintf("Consent required: %s", strings.Join(missing, ", ")),
		Details: details,
	}
}

// NewFrozenSessionError returns a FROZEN_SESSION error.
func NewFrozenSessionError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrFrozenSession,
		Message: "This form was already submitted. Please start again.",
	}
}

// NewConcurrentSubmitError returns a CONCURRENT_SUBMIT error.
func NewConcurrentSubmitError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConcurrentSubmit, Message: msg}
}

// NewNetworkError returns a retryable NETWORK_ERROR wrapping cause.
func NewNetworkError(op string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNetworkError,
		Message: fmt.Sprintf("%s failed, please try again", op),
		cause:   cause,
	}
}

// NewStaleResponseError returns a STALE_RESPONSE error for results that
// arrived after their operation was superseded or abandoned.
func NewStaleResponseError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStaleResponse,
		Message: "The operation was superseded or abandoned",
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
