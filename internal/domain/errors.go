package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error unwraps to exactly one of them.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("service unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error carries a stable machine-readable code next to the kind.
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func NewError(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError attaches a cause to a coded error.
func WrapError(kind error, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Codes used across the API.
const (
	CodeJobNotFound      = "job_not_found"
	CodeJobLocked        = "job_locked"
	CodeNoInputFiles     = "no_input_files"
	CodeNoFiles          = "no_files"
	CodeMissingFile      = "missing_file"
	CodeQueueUnavailable = "queue_unavailable"
	CodeEnqueueFailed    = "enqueue_failed"
	CodeInvalidPatch     = "invalid_patch"
	CodeInvalidStatus    = "invalid_status"
	CodeInvalidProgress  = "invalid_progress"
	CodeInvalidTransit   = "invalid_transition"
	CodeStaleJob         = "job_changed"
	CodeArchiveNotFound  = "archive_not_found"
	CodeFileNotFound     = "file_not_found"
	CodeInternal         = "internal"
)

// JobNotFound is the standard 404 for an unknown job id.
func JobNotFound(id string) *Error {
	return NewError(ErrNotFound, CodeJobNotFound, fmt.Sprintf("job %s not found", id))
}

// CodeOf returns the machine-readable code of err, or CodeInternal.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
