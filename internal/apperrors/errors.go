// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
)

// Kind is a stable failure classification recorded on failed jobs and
// returned to clients.
type Kind string

const (
	KindResourceNotFound    Kind = "ResourceNotFound"
	KindMissingResource     Kind = "MissingResource"
	KindMissingParameter    Kind = "MissingParameter"
	KindMissingHints        Kind = "MissingHints"
	KindUnrecognizedJobType Kind = "UnrecognizedJobType"
	KindUnsafeIdentifier    Kind = "UnsafeIdentifier"
	KindDisallowedExtension Kind = "DisallowedExtension"
	KindExecutorFailure     Kind = "ExecutorFailure"
	KindInterrupted         Kind = "Interrupted"
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Kind     Kind   // Domain classification, empty for generic errors
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "primary_hints")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "manifest.recordJob")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel for errors.Is() classification, followed by
// the cause so callers can still match what went wrong underneath.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// KindOf returns the Kind carried by err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
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
		Message:  reason,
		Resource: resource,
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

// ResourceNotFound reports that a resource id has no manifest entry.
func ResourceNotFound(id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Kind:     KindResourceNotFound,
		Message:  fmt.Sprintf("resource %s not found", id),
		Resource: "resource",
	}
}

// MissingResource reports a job order referencing an unknown resource.
func MissingResource(field, id string) error {
	return &Error{
		Sentinel: ErrValidation,
		Kind:     KindMissingResource,
		Message:  fmt.Sprintf("%s references unknown resource %q", field, id),
		Field:    field,
		Resource: "resource",
	}
}

// MissingParameter reports a required order field that is absent.
func MissingParameter(field string) error {
	return &Error{
		Sentinel: ErrValidation,
		Kind:     KindMissingParameter,
		Message:  fmt.Sprintf("missing required parameter %q", field),
		Field:    field,
	}
}

// MissingHints reports an input supplied without its column hints.
func MissingHints(field string) error {
	return &Error{
		Sentinel: ErrValidation,
		Kind:     KindMissingHints,
		Message:  fmt.Sprintf("missing required hints %q", field),
		Field:    field,
	}
}

// UnrecognizedJobType reports a job or model type with no executor variant.
func UnrecognizedJobType(jobType string) error {
	return &Error{
		Sentinel: ErrValidation,
		Kind:     KindUnrecognizedJobType,
		Message:  fmt.Sprintf("unrecognized job type %q", jobType),
		Field:    "type",
	}
}

// UnsafeIdentifier reports an id that could escape the data directory.
func UnsafeIdentifier(field, id string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Kind:     KindUnsafeIdentifier,
		Message:  fmt.Sprintf("unsafe %s %q", field, id),
		Field:    field,
	}
}

// DisallowedExtension reports an upload whose extension is not allowed.
func DisallowedExtension(filename string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Kind:     KindDisallowedExtension,
		Message:  fmt.Sprintf("file extension of %q is not allowed", filename),
		Field:    "file",
	}
}

// ExecutorFailure wraps an error raised by the external computation. The
// cause message is kept verbatim.
func ExecutorFailure(jobType string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Kind:     KindExecutorFailure,
		Message:  cause.Error(),
		Op:       "executor." + jobType,
		Cause:    cause,
	}
}

// Interrupted marks a job that was running when the service stopped.
func Interrupted(id string) error {
	return &Error{
		Sentinel: ErrInternal,
		Kind:     KindInterrupted,
		Message:  fmt.Sprintf("job %s was interrupted by a service restart", id),
		Resource: "job",
	}
}
