package errors

import (
	"errors"
	"fmt"
)

// Error types for the guardian core taxonomy
type ErrorType string

const (
	ErrorTypeInput         ErrorType = "input"
	ErrorTypeAccessDenied  ErrorType = "access_denied"
	ErrorTypeAuthFailure   ErrorType = "auth_failure"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on type and code so predefined errors work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithDetails returns a copy carrying the given details
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	c := *e
	c.Details = details
	return &c
}

// WithCause returns a copy wrapping cause
func (e *AppError) WithCause(cause error) *AppError {
	c := *e
	c.Cause = cause
	return &c
}

// Error constructors
func NewInputError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeInput,
		Code:    code,
		Message: message,
	}
}

// NewAccessDeniedError builds a policy refusal. reason is a generic category
// safe to show to the caller; it never carries scoring internals.
func NewAccessDeniedError(reason string) *AppError {
	msg := "access denied"
	if reason != "" {
		msg = fmt.Sprintf("access denied: %s", reason)
	}
	return &AppError{
		Type:    ErrorTypeAccessDenied,
		Code:    "ACCESS_DENIED",
		Message: msg,
	}
}

func NewAuthFailureError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeAuthFailure,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

func NewTimeoutError(operation string) *AppError {
	return &AppError{
		Type:      ErrorTypeTimeout,
		Code:      "TIMEOUT",
		Message:   fmt.Sprintf("%s timed out", operation),
		Retryable: true,
		Details:   map[string]interface{}{"operation": operation},
	}
}

func NewStorageError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeStorage,
		Code:      "STORAGE_ERROR",
		Message:   message,
		Retryable: true,
	}
}

func NewConfigurationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConfiguration,
		Code:    "INVALID_CONFIGURATION",
		Message: message,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeInternal,
		Code:      "INTERNAL_ERROR",
		Message:   message,
		Retryable: true,
	}
}

// Predefined common errors
var (
	ErrUnrecognizedInput = NewInputError("UNRECOGNIZED_INPUT", "no command matched the input")
	ErrEmptyInput        = NewInputError("EMPTY_INPUT", "input text is empty")
	ErrAccessDenied      = NewAccessDeniedError("")
	ErrInvalidCredential = NewAuthFailureError("INVALID_CREDENTIAL", "credential could not be verified")
	ErrRateLimited       = NewAuthFailureError("RATE_LIMITED", "too many verification attempts")
	ErrNotInRecovery     = NewAuthFailureError("NOT_IN_RECOVERY", "no recovery confirmation is pending")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// TypeOf returns the error type, or internal for foreign errors
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}
