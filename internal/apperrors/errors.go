// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrAdapter     = errors.New("container runtime error")
	ErrTimeout     = errors.New("timeout")
	ErrPersistence = errors.New("persistence failure")
	ErrUnavailable = errors.New("unavailable")
	ErrInternal    = errors.New("internal error")
)

// ErrAlreadyRunning is a conflict raised when a job already has a live run.
var ErrAlreadyRunning = fmt.Errorf("%w: job already running", ErrConflict)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "cron", "image")
	Resource string // For not found/conflict (e.g., "job", "run")
	Op       string // Operation that failed (e.g., "docker.start")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause, so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// AlreadyRunning reports that jobID has a run in RUNNING state.
func AlreadyRunning(jobID string) error {
	return &Error{
		Sentinel: ErrAlreadyRunning,
		Message:  fmt.Sprintf("job %s already has a running run", jobID),
		Resource: "job",
	}
}

// Adapter wraps a container runtime failure.
func Adapter(op string, cause error) error {
	return &Error{
		Sentinel: ErrAdapter,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Timeout reports an operation that exceeded its ceiling.
func Timeout(op string, cause error) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Persistence wraps a failed read or write against the store.
func Persistence(op string, cause error) error {
	return &Error{
		Sentinel: ErrPersistence,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Unavailable reports a component that cannot accept work right now.
func Unavailable(op, reason string) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: %s", op, reason),
		Op:       op,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// IsFatal reports whether err means execution history could not be recorded.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPersistence)
}
