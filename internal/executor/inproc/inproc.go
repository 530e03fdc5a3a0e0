// Package inproc runs workers as goroutines in the server process. Each
// worker owns a fresh goja runtime per request and talks to the controller
// through channels only.
package inproc

import (
	"context"
	"sync"

	"github.com/sakif/js-dojo/internal/executor"
)

// Spawner starts goroutine workers that run requests through handler.
type Spawner struct {
	handler executor.RequestHandler
}

// NewSpawner creates a Spawner.
func NewSpawner(handler executor.RequestHandler) *Spawner {
	return &Spawner{handler: handler}
}

// Spawn starts a worker. The worker's lifetime is independent of ctx; it
// ends with Terminate.
func (s *Spawner) Spawn(ctx context.Context) (executor.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w := &worker{
		requests: make(chan executor.Request, 1),
		events:   make(chan executor.Event, 1),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go w.loop(runCtx, s.handler)
	return w, nil
}

// Close is a no-op; goroutine workers hold no shared resources.
func (s *Spawner) Close() error { return nil }

type worker struct {
	requests chan executor.Request
	events   chan executor.Event
	done     chan struct{}
	cancel   context.CancelFunc

	mu     sync.Mutex
	posted bool
	once   sync.Once
}

func (w *worker) loop(ctx context.Context, handler executor.RequestHandler) {
	select {
	case req := <-w.requests:
		resp := handler.Handle(ctx, req)
		// A terminated worker's response is abandoned.
		if ctx.Err() != nil {
			return
		}
		select {
		case w.events <- executor.Event{Response: &resp}:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}

func (w *worker) Post(req executor.Request) error {
	select {
	case <-w.done:
		return executor.ErrTerminated
	default:
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.posted {
		return executor.ErrBusy
	}
	w.posted = true
	w.requests <- req
	return nil
}

func (w *worker) Events() <-chan executor.Event { return w.events }

func (w *worker) Done() <-chan struct{} { return w.done }

// Terminate cancels the request context, which interrupts the runtime.
func (w *worker) Terminate() {
	w.once.Do(func() {
		w.cancel()
		close(w.done)
	})
}
