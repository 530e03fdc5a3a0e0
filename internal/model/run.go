// Package model defines the data structures shared between the service,
// repository and handler layers.
package model

import "time"

// Run is one settled execution as recorded in the run journal.
//
// Status carries apperror.Kind of the outcome ("ok", "runtime_error",
// "timeout", ...). Output is set for successful runs, Error otherwise.
// Cancelled runs are never journaled.
type Run struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Slot        string    `json:"slot"`
	ExecutionID int64     `json:"executionId"`
	Code        string    `json:"code"`
	Status      string    `json:"status"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"durationMs"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StatusOK is the journal status of a successful run.
const StatusOK = "ok"
