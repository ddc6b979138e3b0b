package acceptor

import (
	"errors"
	"fmt"
)

// RuntimeError represents an operational error that should lead to exit code 2
// Examples include configuration errors, file not found, etc.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// ValidationFailureError represents a run with failing jobs (exit code 1)
type ValidationFailureError struct {
	Message string
}

func (e *ValidationFailureError) Error() string {
	return fmt.Sprintf("validation failure: %s", e.Message)
}

// NewValidationFailureError creates a new ValidationFailureError
func NewValidationFailureError(message string) *ValidationFailureError {
	return &ValidationFailureError{Message: message}
}

// IsValidationFailureError checks if the error is or wraps a ValidationFailureError
func IsValidationFailureError(err error) bool {
	var valErr *ValidationFailureError
	return err != nil && errors.As(err, &valErr)
}
