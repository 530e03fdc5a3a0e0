// Package repository declares the storage interfaces the service layer
// depends on. Implementations live in subpackages (see sqlite).
package repository

import (
	"context"
	"time"

	"github.com/sakif/js-dojo/internal/model"
)

// ListOptions filters and pages a run listing. Empty Subject or Slot
// matches every value.
type ListOptions struct {
	Subject string
	Slot    string
	Limit   int
	Offset  int
}

// RunRepository stores the run journal.
type RunRepository interface {
	Create(ctx context.Context, run *model.Run) error
	GetByID(ctx context.Context, id string) (*model.Run, error)
	List(ctx context.Context, opts ListOptions) ([]model.Run, error)
	// DeleteBefore removes runs created before t and returns how many.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}
