package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates that the request conflicts with the current entity state.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition indicates an execution status change that the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrExternalService indicates a failure of a search, LLM or network collaborator.
	ErrExternalService = errors.New("external service error")

	// ErrConfiguration indicates a malformed schedule or retrieval configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrConcurrencyDeferred signals that a job was not started because the
	// concurrency cap was reached. It is retried on the next pass.
	ErrConcurrencyDeferred = errors.New("deferred: concurrency cap reached")

	// ErrRateLimited indicates that the request was rate limited.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen indicates that calls to a collaborator are short-circuited.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrCancelled indicates that an operation was cancelled.
	ErrCancelled = errors.New("cancelled")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ExternalServiceError describes a failed call to a search, LLM or notification
// collaborator. Timeouts are reported with StatusCode 0.
type ExternalServiceError struct {
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ExternalServiceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Source, e.Message)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

// Unwrap returns both the sentinel and the underlying cause.
func (e *ExternalServiceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrExternalService}
	}
	return []error{ErrExternalService, e.Cause}
}

// ConfigurationError describes a schedule or stream configuration that cannot be used.
type ConfigurationError struct {
	Component string
	Message   string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Component, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// TransitionError reports a rejected execution status change.
type TransitionError struct {
	From ExecutionStatus
	To   ExecutionStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewExternalServiceError creates a new ExternalServiceError.
func NewExternalServiceError(source string, statusCode int, message string, cause error) *ExternalServiceError {
	return &ExternalServiceError{
		Source:     source,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(component, message string) *ConfigurationError {
	return &ConfigurationError{
		Component: component,
		Message:   message,
	}
}
