// Package apperror defines the failure taxonomy shared by the sandbox,
// the lifecycle controller and the HTTP layer.
//
// Every failure a caller can observe is an *AppError wrapping one of the
// sentinel errors below. Callers branch with errors.Is:
//
//	if errors.Is(err, apperror.ErrCancelled) {
//	    return // superseded by a newer run, nothing to show
//	}
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")

	// Sandbox execution failures.
	ErrEmptyInput  = errors.New("empty input")
	ErrWorkerSpawn = errors.New("worker spawn failure")
	ErrValidation  = errors.New("validation rejected")
	ErrRuntime     = errors.New("runtime error")
	ErrTimeout     = errors.New("timeout")
	ErrCancelled   = errors.New("cancelled")
)

type AppError struct {
	Err     error  // sentinel
	Message string // Human-readable error message
	Field   string // Optional: field or construct causing the error
	Cause   error  // Optional: underlying error, kept for logs only
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause so errors.Is
// matches either one.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

// InvalidInput reports a malformed request: a bad slot name, an oversized
// body, a missing id. It is never used for code the sandbox refuses; that
// is ValidationRejected.
func InvalidInput(field, message string) *AppError {
	return &AppError{
		Err:     ErrInvalidInput,
		Message: message,
		Field:   field,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{Err: ErrUnauthorized, Message: message}
}

func RateLimited(message string) *AppError {
	return &AppError{Err: ErrRateLimited, Message: message}
}

// EmptyInput reports blank source text. It is raised before any worker exists.
func EmptyInput(message string) *AppError {
	return &AppError{Err: ErrEmptyInput, Message: message, Field: "code"}
}

// WorkerSpawnFailure reports that the isolated execution context could not
// be created. It is an infrastructure failure, not a problem with the code.
func WorkerSpawnFailure(message string, cause error) *AppError {
	return &AppError{Err: ErrWorkerSpawn, Message: message, Cause: cause}
}

// ValidationRejected reports source text refused by the static validator.
// construct names the offending identifier or construct when known.
func ValidationRejected(construct, message string) *AppError {
	return &AppError{Err: ErrValidation, Message: message, Field: construct}
}

// RuntimeError reports an exception thrown by executed code or by the worker.
func RuntimeError(message string) *AppError {
	return &AppError{Err: ErrRuntime, Message: message}
}

func Timeout(message string) *AppError {
	return &AppError{Err: ErrTimeout, Message: message}
}

// Cancelled reports an execution that was superseded or torn down before
// it settled. UIs usually swallow it.
func Cancelled(message string, cause error) *AppError {
	return &AppError{Err: ErrCancelled, Message: message, Cause: cause}
}

// Kind returns a stable machine-readable name for err, used in JSON
// responses, websocket frames, metrics labels and the run journal.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrWorkerSpawn):
		return "worker_spawn_failure"
	case errors.Is(err, ErrValidation):
		return "validation_rejected"
	case errors.Is(err, ErrRuntime):
		return "runtime_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal_error"
	}
}
