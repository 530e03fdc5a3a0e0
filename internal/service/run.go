// Package service holds the business logic between the HTTP layer and the
// controller and storage packages.
//
// Handlers parse requests and write responses; services enforce the rules
// (slot names, code size, ownership of journal entries) and return
// *apperror.AppError values the handlers translate to status codes. Nothing
// here knows about HTTP, so the websocket handler reuses the same calls.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/sakif/js-dojo/internal/apperror"
	"github.com/sakif/js-dojo/internal/controller"
	"github.com/sakif/js-dojo/internal/model"
	"github.com/sakif/js-dojo/internal/repository"
)

const (
	// AnonymousSubject prefixes the subject of unauthenticated callers.
	AnonymousSubject = "anonymous"

	MaxCodeLength    = 100000
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Slot names are path segments, so '/' never appears in one and can
// separate the subject from the slot in controller keys.
var slotPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Runner is the part of the controller RunService drives.
type Runner interface {
	Run(ctx context.Context, slot, source string) (*controller.Result, error)
	Cancel(slot string) bool
}

// RunService executes code in per-subject slots and reads the run journal.
type RunService struct {
	runner  Runner
	journal repository.RunRepository // nil when the journal is disabled
	logger  *slog.Logger
}

// NewRunService creates a RunService. journal may be nil.
func NewRunService(runner Runner, journal repository.RunRepository, logger *slog.Logger) *RunService {
	return &RunService{
		runner:  runner,
		journal: journal,
		logger:  logger,
	}
}

// AnonymousSubjectFor is the subject of an unauthenticated caller known by
// a client or connection id. Each id gets its own slots and journal.
func AnonymousSubjectFor(id string) string {
	return AnonymousSubject + "-" + id
}

// SlotKey namespaces slot by subject so two users never share a slot.
func SlotKey(subject, slot string) string {
	return subject + "/" + slot
}

// SplitSlotKey reverses SlotKey.
func SplitSlotKey(key string) (subject, slot string) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

func validateSlot(slot string) error {
	if !slotPattern.MatchString(slot) {
		return apperror.InvalidInput("slot",
			"slot must be 1-64 characters of letters, digits, '.', '_' or '-'")
	}
	return nil
}

// Run executes code in the subject's slot, superseding whatever is pending
// there. Blank code is left to the controller, which reports EmptyInput.
func (s *RunService) Run(ctx context.Context, subject, slot, code string) (*controller.Result, error) {
	if err := validateSlot(slot); err != nil {
		return nil, err
	}
	if len(code) > MaxCodeLength {
		return nil, apperror.InvalidInput("code",
			fmt.Sprintf("code must be %d characters or less", MaxCodeLength))
	}

	res, err := s.runner.Run(ctx, SlotKey(subject, slot), code)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("run succeeded",
		slog.String("subject", subject),
		slog.String("slot", slot),
		slog.Int64("execution_id", res.ExecutionID),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// Cancel tears down the pending run in the subject's slot and reports
// whether there was one.
func (s *RunService) Cancel(subject, slot string) (bool, error) {
	if err := validateSlot(slot); err != nil {
		return false, err
	}
	return s.runner.Cancel(SlotKey(subject, slot)), nil
}

// ListRuns returns the subject's journaled runs, newest first. slot may be
// empty to list every slot.
func (s *RunService) ListRuns(ctx context.Context, subject, slot string, limit, offset int) ([]model.Run, error) {
	if s.journal == nil {
		return nil, errJournalDisabled()
	}
	if slot != "" {
		if err := validateSlot(slot); err != nil {
			return nil, err
		}
	}

	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset = max(offset, 0)

	runs, err := s.journal.List(ctx, repository.ListOptions{
		Subject: subject,
		Slot:    slot,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.logger.Error("failed to list runs", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one journaled run. Runs owned by another subject are
// reported as not found.
func (s *RunService) GetRun(ctx context.Context, subject, id string) (*model.Run, error) {
	if s.journal == nil {
		return nil, errJournalDisabled()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.InvalidInput("id", "run ID is required")
	}

	run, err := s.journal.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Subject != subject {
		return nil, apperror.NotFound("run", id)
	}
	return run, nil
}

func errJournalDisabled() error {
	return &apperror.AppError{Err: apperror.ErrNotFound, Message: "the run journal is disabled"}
}
