package types

import (
	"errors"
	"fmt"
)

// EnvironmentUnavailableError indicates the emulated backend never became
// ready within the startup timeout. The owning job is recorded as Failed.
type EnvironmentUnavailableError struct {
	Err error
}

func (e *EnvironmentUnavailableError) Error() string {
	return fmt.Sprintf("environment unavailable: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *EnvironmentUnavailableError) Unwrap() error {
	return e.Err
}

// NewEnvironmentUnavailableError creates a new EnvironmentUnavailableError
func NewEnvironmentUnavailableError(err error) *EnvironmentUnavailableError {
	return &EnvironmentUnavailableError{Err: err}
}

// IsEnvironmentUnavailable checks if the error is or wraps an EnvironmentUnavailableError
func IsEnvironmentUnavailable(err error) bool {
	var envErr *EnvironmentUnavailableError
	return err != nil && errors.As(err, &envErr)
}

// TestHarnessError indicates the harness crashed before producing any
// result. The owning job is recorded as Failed with zero test counts.
type TestHarnessError struct {
	Err error
}

func (e *TestHarnessError) Error() string {
	return fmt.Sprintf("test harness error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *TestHarnessError) Unwrap() error {
	return e.Err
}

// NewTestHarnessError creates a new TestHarnessError
func NewTestHarnessError(err error) *TestHarnessError {
	return &TestHarnessError{Err: err}
}

// IsTestHarnessError checks if the error is or wraps a TestHarnessError
func IsTestHarnessError(err error) bool {
	var harnessErr *TestHarnessError
	return err != nil && errors.As(err, &harnessErr)
}

// TeardownError indicates a failure while destroying provisioned resources
// or releasing an environment. It is logged and counted but never changes a
// job's terminal status.
type TeardownError struct {
	Err error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *TeardownError) Unwrap() error {
	return e.Err
}

// NewTeardownError creates a new TeardownError
func NewTeardownError(err error) *TeardownError {
	return &TeardownError{Err: err}
}

// IsTeardownError checks if the error is or wraps a TeardownError
func IsTeardownError(err error) bool {
	var tdErr *TeardownError
	return err != nil && errors.As(err, &tdErr)
}
