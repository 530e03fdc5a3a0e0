package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sakif/js-dojo/internal/apperror"
	"github.com/sakif/js-dojo/internal/controller"
	"github.com/sakif/js-dojo/internal/model"
	"github.com/sakif/js-dojo/internal/repository"
)

// DefaultJournalQueueSize bounds the records waiting to be written.
const DefaultJournalQueueSize = 256

// Counter is satisfied by prometheus.Counter.
type Counter interface {
	Add(float64)
}

type nopCounter struct{}

func (nopCounter) Add(float64) {}

// Journal records settled runs in the background. Controller observers must
// not block, so RunSettled only enqueues; Run drains the queue into the
// repository. Records that do not fit in the queue are dropped and counted.
type Journal struct {
	repo    repository.RunRepository
	queue   chan model.Run
	logger  *slog.Logger
	dropped Counter
	pruned  Counter
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithDropCounter counts records dropped on a full queue.
func WithDropCounter(c Counter) JournalOption {
	return func(j *Journal) { j.dropped = c }
}

// WithPruneCounter counts records removed by Prune.
func WithPruneCounter(c Counter) JournalOption {
	return func(j *Journal) { j.pruned = c }
}

// NewJournal creates a Journal writing to repo.
func NewJournal(repo repository.RunRepository, queueSize int, logger *slog.Logger, opts ...JournalOption) *Journal {
	if queueSize <= 0 {
		queueSize = DefaultJournalQueueSize
	}
	j := &Journal{
		repo:    repo,
		queue:   make(chan model.Run, queueSize),
		logger:  logger,
		dropped: nopCounter{},
		pruned:  nopCounter{},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Observer returns the controller.Observer that feeds the journal.
func (j *Journal) Observer() controller.Observer { return journalObserver{j} }

// Run writes queued records until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case run := <-j.queue:
			j.write(ctx, run)
		case <-ctx.Done():
			j.flush()
			return nil
		}
	}
}

func (j *Journal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case run := <-j.queue:
			j.write(ctx, run)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, run model.Run) {
	if err := j.repo.Create(ctx, &run); err != nil {
		j.logger.Error("failed to journal run",
			slog.String("slot", run.Slot),
			slog.Int64("execution_id", run.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

// Prune removes records created before cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := j.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	j.pruned.Add(float64(n))
	return n, nil
}

func (j *Journal) enqueue(run model.Run) {
	select {
	case j.queue <- run:
	default:
		j.dropped.Add(1)
		j.logger.Warn("journal queue full, dropping run",
			slog.String("slot", run.Slot),
			slog.Int64("execution_id", run.ExecutionID),
		)
	}
}

// Record converts a settled run into its journal entry. Cancelled runs
// have nothing to record.
func Record(out controller.Outcome) (model.Run, bool) {
	kind := apperror.Kind(out.Err)
	if kind == "cancelled" {
		return model.Run{}, false
	}

	subject, slot := SplitSlotKey(out.Slot)
	run := model.Run{
		Subject:     subject,
		Slot:        slot,
		ExecutionID: out.ExecutionID,
		Code:        out.Source,
		Status:      kind,
		Output:      out.Output,
		DurationMS:  out.Duration.Milliseconds(),
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if out.Err != nil {
		run.Error = out.Err.Error()
	}
	return run, true
}

type journalObserver struct{ j *Journal }

func (journalObserver) RunStarted(string, int64)     {}
func (journalObserver) StaleDiscarded(string, int64) {}

func (o journalObserver) RunSettled(out controller.Outcome) {
	if run, ok := Record(out); ok {
		o.j.enqueue(run)
	}
}
