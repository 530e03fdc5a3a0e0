// Package controller owns the lifecycle of sandboxed runs: one pending
// execution per slot, monotonically increasing execution ids, a wall-clock
// timeout, supersession and cancellation.
//
// A slot's registry entry is the only mutable state. Every path that ends a
// run (response, worker error, timeout, supersession, cancellation) first
// removes the entry under the lock, comparing execution ids in the same
// critical section, and only the path that removed it settles the caller.
// Late events for an entry that is gone fail the comparison and are dropped.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakif/js-dojo/internal/apperror"
	"github.com/sakif/js-dojo/internal/executor"
	"github.com/sakif/js-dojo/internal/locale"
)

// DefaultTimeout is the wall-clock budget of one execution.
const DefaultTimeout = 10 * time.Second

// Causes attached to Cancelled errors.
var (
	ErrSuperseded = errors.New("superseded by a newer run")
	ErrSlotCancel = errors.New("slot cancelled")
	ErrClosed     = errors.New("controller closed")
)

// Config configures a Controller.
type Config struct {
	// Timeout overrides DefaultTimeout for every run. It cannot be changed
	// per call.
	Timeout  time.Duration
	Messages locale.Messages
}

// Result is a successful run.
type Result struct {
	ExecutionID int64
	Output      string
	Duration    time.Duration
}

type outcome struct {
	output string
	err    error
}

type pending struct {
	id      int64
	slot    string
	source  string
	started time.Time

	// Set under the lock while the entry is registered; read only by the
	// path that removed it.
	worker executor.Worker
	timer  *time.Timer

	// cancel aborts a spawn still in flight when the run settles.
	cancel context.CancelFunc
	done   chan outcome
}

// Controller runs source text on isolated workers. It is safe for
// concurrent use.
type Controller struct {
	spawner  executor.Spawner
	timeout  time.Duration
	msgs     locale.Messages
	logger   *slog.Logger
	observer Observer

	nextID atomic.Int64

	mu     sync.Mutex
	slots  map[string]*pending
	closed bool
}

// Option configures optional Controller behaviour.
type Option func(*Controller)

// WithObserver adds o to the observers notified of run events.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = joinObservers(c.observer, o)
	}
}

// New creates a Controller backed by spawner.
func New(spawner executor.Spawner, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	msgs := cfg.Messages
	if msgs == (locale.Messages{}) {
		msgs = locale.MustLookup(locale.Default)
	}

	c := &Controller{
		spawner:  spawner,
		timeout:  timeout,
		msgs:     msgs,
		logger:   logger,
		observer: nopObserver{},
		slots:    make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the per-run budget.
func (c *Controller) Timeout() time.Duration { return c.timeout }

// Run executes source in slot and waits for it to settle. A pending run in
// the same slot is superseded and settles as Cancelled. Failures are
// *apperror.AppError values: EmptyInput, WorkerSpawnFailure,
// ValidationRejected, RuntimeError, Timeout or Cancelled.
func (c *Controller) Run(ctx context.Context, slot, source string) (*Result, error) {
	if strings.TrimSpace(source) == "" {
		return nil, apperror.EmptyInput(c.msgs.EmptyInput)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &pending{
		slot:    slot,
		source:  source,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan outcome, 1),
	}

	// Ids are allocated in registration order so a newer run always holds
	// the higher id in its slot.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, apperror.Cancelled(c.msgs.Cancelled, ErrClosed)
	}
	p.id = c.nextID.Add(1)
	old := c.slots[slot]
	c.slots[slot] = p
	c.mu.Unlock()

	if old != nil {
		c.logger.Debug("superseding run", "slot", slot, "old", old.id, "new", p.id)
		c.settle(old, outcome{err: apperror.Cancelled(c.msgs.Cancelled, ErrSuperseded)})
	}
	c.observer.RunStarted(slot, p.id)

	// The caller waits on p.done rather than on the spawn, so supersession,
	// Cancel and Close reach it even while Spawn is still blocked.
	go c.start(runCtx, p)
	return c.await(ctx, p)
}

// start spawns the worker, arms the timer and posts the request. The spawn
// happens outside the lock on a context that settle cancels; if the slot
// moved on meanwhile, the fresh worker is discarded and p has already been
// settled by whoever removed it.
func (c *Controller) start(ctx context.Context, p *pending) {
	w, spawnErr := c.spawner.Spawn(ctx)

	c.mu.Lock()
	if c.slots[p.slot] != p {
		c.mu.Unlock()
		if w != nil {
			w.Terminate()
		}
		return
	}
	if spawnErr != nil {
		delete(c.slots, p.slot)
		c.mu.Unlock()
		c.settle(p, outcome{err: c.spawnFailure(ctx, spawnErr)})
		return
	}
	p.worker = w
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(p.slot, p.id) })
	c.mu.Unlock()

	go c.watch(p.slot, p.id, w)

	if err := w.Post(executor.Request{Code: p.source, ID: p.id}); err != nil {
		if taken := c.take(p.slot, p.id); taken != nil {
			c.settle(taken, outcome{err: c.spawnFailure(ctx, err)})
		}
	}
}

func (c *Controller) spawnFailure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperror.Cancelled(c.msgs.Cancelled, ctxErr)
	}
	c.logger.Error("worker spawn failed", "error", err)
	return apperror.WorkerSpawnFailure(c.msgs.SpawnFailure, err)
}

// watch forwards the worker's single event, or exits once it is terminated.
func (c *Controller) watch(slot string, id int64, w executor.Worker) {
	select {
	case ev := <-w.Events():
		c.deliver(slot, id, ev)
	case <-w.Done():
	}
}

// deliver applies one worker event. Every event is matched against the id
// of the run the worker was spawned for; a response that names another id
// is dropped, so a worker can only ever settle its own run.
func (c *Controller) deliver(slot string, workerID int64, ev executor.Event) {
	if ev.Response == nil {
		p := c.take(slot, workerID)
		if p == nil {
			c.discard(slot, workerID)
			return
		}
		msg := c.msgs.UnknownError
		if ev.Err != nil {
			var werr *executor.WorkerError
			if errors.As(ev.Err, &werr) && werr.Err != nil {
				msg = werr.Err.Error()
			} else {
				msg = ev.Err.Error()
			}
		}
		c.settle(p, outcome{err: apperror.RuntimeError(fmt.Sprintf(c.msgs.WorkerError, msg))})
		return
	}

	resp := ev.Response
	if resp.ID != workerID {
		c.logger.Warn("worker answered for another run", "slot", slot, "worker", workerID, "id", resp.ID)
		c.discard(slot, resp.ID)
		return
	}
	p := c.take(slot, workerID)
	if p == nil {
		c.discard(slot, workerID)
		return
	}
	c.settle(p, responseOutcome(resp))
}

func responseOutcome(resp *executor.Response) outcome {
	if resp.Success {
		return outcome{output: resp.Output}
	}
	if resp.Kind == executor.KindValidation {
		return outcome{err: apperror.ValidationRejected(resp.Construct, resp.Error)}
	}
	return outcome{err: apperror.RuntimeError(resp.Error)}
}

func (c *Controller) discard(slot string, id int64) {
	c.logger.Debug("discarding stale worker event", "slot", slot, "id", id)
	c.observer.StaleDiscarded(slot, id)
}

// expire is the timer callback.
func (c *Controller) expire(slot string, id int64) {
	p := c.take(slot, id)
	if p == nil {
		return
	}
	c.logger.Warn("run timed out", "slot", slot, "id", id, "timeout", c.timeout)
	c.settle(p, outcome{err: apperror.Timeout(fmt.Sprintf(c.msgs.Timeout, timeoutSeconds(c.timeout)))})
}

func timeoutSeconds(d time.Duration) int {
	return int(math.Max(1, math.Ceil(d.Seconds())))
}

// await blocks until p settles. If ctx ends first and p is still current,
// the caller's own cancellation settles it.
func (c *Controller) await(ctx context.Context, p *pending) (*Result, error) {
	var out outcome
	select {
	case out = <-p.done:
	case <-ctx.Done():
		if taken := c.take(p.slot, p.id); taken != nil {
			c.settle(taken, outcome{err: apperror.Cancelled(c.msgs.Cancelled, ctx.Err())})
		}
		// Whoever removed p settles it without blocking.
		out = <-p.done
	}

	if out.err != nil {
		return nil, out.err
	}
	return &Result{
		ExecutionID: p.id,
		Output:      out.output,
		Duration:    time.Since(p.started),
	}, nil
}

// take removes and returns the slot's pending entry if its id matches.
func (c *Controller) take(slot string, id int64) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.slots[slot]
	if !ok || p.id != id {
		return nil
	}
	delete(c.slots, slot)
	return p
}

// settle tears p down and delivers out to its caller. Only the path that
// removed p from the registry may call it, so it runs once per run.
func (c *Controller) settle(p *pending, out outcome) {
	p.cancel()
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.worker != nil {
		p.worker.Terminate()
	}
	c.observer.RunSettled(Outcome{
		Slot:        p.slot,
		ExecutionID: p.id,
		Source:      p.source,
		Output:      out.output,
		Err:         out.err,
		Duration:    time.Since(p.started),
	})
	p.done <- out
}

// Cancel tears down the slot's pending run, if any; its caller receives
// Cancelled. It reports whether a run was cancelled.
func (c *Controller) Cancel(slot string) bool {
	c.mu.Lock()
	p, ok := c.slots[slot]
	if ok {
		delete(c.slots, slot)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.settle(p, outcome{err: apperror.Cancelled(c.msgs.Cancelled, ErrSlotCancel)})
	return true
}

// Pending returns the execution id currently pending in slot.
func (c *Controller) Pending(slot string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.slots[slot]
	if !ok {
		return 0, false
	}
	return p.id, true
}

// Close cancels every pending run and rejects new ones. It does not close
// the spawner.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	all := make([]*pending, 0, len(c.slots))
	for slot, p := range c.slots {
		all = append(all, p)
		delete(c.slots, slot)
	}
	c.mu.Unlock()

	for _, p := range all {
		c.settle(p, outcome{err: apperror.Cancelled(c.msgs.Cancelled, ErrClosed)})
	}
	return nil
}
