package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/js-dojo/internal/apperror"
	"github.com/sakif/js-dojo/internal/model"
	"github.com/sakif/js-dojo/internal/repository"
)

var _ repository.RunRepository = (*DB)(nil)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

const runColumns = `id, subject, slot, execution_id, code, status, output, error, duration_ms, created_at`

// Create inserts run, assigning its ID and, if unset, CreatedAt.
// created_at is stored as Unix milliseconds so range deletes compare
// integers rather than formatted strings.
func (db *DB) Create(ctx context.Context, run *model.Run) error {
	run.ID = xid.New().String()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Subject,
		run.Slot,
		run.ExecutionID,
		run.Code,
		run.Status,
		run.Output,
		run.Error,
		run.DurationMS,
		run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating run: %w", err)
	}
	return nil
}

// GetByID returns the run with id, or an apperror.ErrNotFound error.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Run, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("run", id)
		}
		return nil, fmt.Errorf("sqlite: getting run %s: %w", id, err)
	}
	return run, nil
}

// List returns runs newest first. The limit is clamped to [1, 100].
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := max(opts.Offset, 0)

	var (
		where []string
		args  []any
	)
	if opts.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, opts.Subject)
	}
	if opts.Slot != "" {
		where = append(where, "slot = ?")
		args = append(args, opts.Slot)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing runs: %w", err)
	}
	defer rows.Close()

	runs := make([]model.Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning run row: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteBefore removes runs created strictly before t.
func (db *DB) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM runs WHERE created_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite: pruning runs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*model.Run, error) {
	var (
		run       model.Run
		createdAt int64
	)
	if err := s.Scan(
		&run.ID,
		&run.Subject,
		&run.Slot,
		&run.ExecutionID,
		&run.Code,
		&run.Status,
		&run.Output,
		&run.Error,
		&run.DurationMS,
		&createdAt,
	); err != nil {
		return nil, err
	}
	run.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &run, nil
}
