package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Retention prunes the run journal on a cron schedule.
type Retention struct {
	cron      *cron.Cron
	journal   *Journal
	retention time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRetention schedules journal pruning. schedule uses the standard
// five-field cron syntax or a descriptor such as "@hourly"; records older
// than retention are removed on every tick.
func NewRetention(journal *Journal, schedule string, retention time.Duration, logger *slog.Logger) (*Retention, error) {
	r := &Retention{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		journal:   journal,
		retention: retention,
		timeout:   time.Minute,
		logger:    logger,
		now:       time.Now,
	}

	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		_, _ = r.PruneOnce(ctx)
	}); err != nil {
		return nil, fmt.Errorf("retention: scheduling %q: %w", schedule, err)
	}
	return r, nil
}

// PruneOnce removes records older than the retention window.
func (r *Retention) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.retention)
	n, err := r.journal.Prune(ctx, cutoff)
	if err != nil {
		r.logger.Error("journal prune failed", slog.String("error", err.Error()))
		return 0, err
	}
	if n > 0 {
		r.logger.Info("journal pruned",
			slog.Int64("removed", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for a
// running prune to finish.
func (r *Retention) Run(ctx context.Context) error {
	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
	return nil
}
