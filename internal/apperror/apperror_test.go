// Table-driven tests for the failure taxonomy.
// Run with: go test ./internal/apperror/ -v
package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIs(t *testing.T) {
	cause := errors.New("exec: \"dojo-worker\": executable file not found in $PATH")

	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "NotFound wraps ErrNotFound",
			err:       NotFound("run", "abc123"),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "ValidationRejected wraps ErrValidation",
			err:       ValidationRejected("fetch", "use of fetch is not allowed"),
			target:    ErrValidation,
			wantMatch: true,
		},
		{
			name:      "EmptyInput wraps ErrEmptyInput",
			err:       EmptyInput("please enter code"),
			target:    ErrEmptyInput,
			wantMatch: true,
		},
		{
			name:      "WorkerSpawnFailure wraps sentinel",
			err:       WorkerSpawnFailure("failed to start", cause),
			target:    ErrWorkerSpawn,
			wantMatch: true,
		},
		{
			name:      "WorkerSpawnFailure also matches its cause",
			err:       WorkerSpawnFailure("failed to start", cause),
			target:    cause,
			wantMatch: true,
		},
		{
			name:      "Timeout wrapped with fmt.Errorf still matches",
			err:       fmt.Errorf("slot a: %w", Timeout("time limit exceeded")),
			target:    ErrTimeout,
			wantMatch: true,
		},
		{
			name:      "Cancelled does NOT match ErrTimeout",
			err:       Cancelled("superseded", nil),
			target:    ErrTimeout,
			wantMatch: false,
		},
		{
			name:      "InvalidInput wraps ErrInvalidInput",
			err:       InvalidInput("slot", "invalid slot name"),
			target:    ErrInvalidInput,
			wantMatch: true,
		},
		{
			// A malformed request is not a sandbox policy rejection.
			name:      "InvalidInput does NOT match ErrValidation",
			err:       InvalidInput("slot", "invalid slot name"),
			target:    ErrValidation,
			wantMatch: false,
		},
		{
			name:      "RuntimeError does NOT match ErrValidation",
			err:       RuntimeError("boom"),
			target:    ErrValidation,
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "NotFound message includes resource and id",
			err:         NotFound("run", "abc123"),
			wantMessage: "run not found with id abc123",
		},
		{
			name:        "InvalidInput uses custom message",
			err:         InvalidInput("code", "code is required"),
			wantMessage: "code is required",
		},
		{
			name:        "RuntimeError keeps the exception message",
			err:         RuntimeError("boom"),
			wantMessage: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{EmptyInput("x"), "empty_input"},
		{WorkerSpawnFailure("x", nil), "worker_spawn_failure"},
		{ValidationRejected("eval", "x"), "validation_rejected"},
		{RuntimeError("x"), "runtime_error"},
		{Timeout("x"), "timeout"},
		{Cancelled("x", nil), "cancelled"},
		{InvalidInput("slot", "x"), "invalid_input"},
		{NotFound("run", "x"), "not_found"},
		{Unauthorized("x"), "unauthorized"},
		{RateLimited("x"), "rate_limited"},
		{errors.New("plain"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestValidationRejectedField(t *testing.T) {
	// The offending construct travels in Field so the UI can highlight it.
	err := ValidationRejected("localStorage", "use of localStorage is not allowed")

	if err.Field != "localStorage" {
		t.Errorf("Field = %q, want %q", err.Field, "localStorage")
	}
}
