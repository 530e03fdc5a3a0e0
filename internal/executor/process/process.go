// Package process runs each worker as a child process speaking
// newline-delimited JSON on stdin/stdout. The child is the cmd/worker
// binary, or anything else that calls Serve.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/sakif/js-dojo/internal/executor"
)

// Config describes the worker command.
type Config struct {
	Binary string
	Args   []string
	// Env replaces the child's environment when non-nil.
	Env []string
}

// Spawner starts one child process per worker.
type Spawner struct {
	cfg    Config
	logger *slog.Logger
}

// NewSpawner creates a Spawner. The binary is resolved on every Spawn so a
// missing binary surfaces as a spawn failure for that run.
func NewSpawner(cfg Config, logger *slog.Logger) *Spawner {
	return &Spawner{cfg: cfg, logger: logger}
}

// Spawn starts the worker process.
func (s *Spawner) Spawn(ctx context.Context) (executor.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(s.cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("locate worker binary: %w", err)
	}

	cmd := exec.Command(path, s.cfg.Args...)
	if s.cfg.Env != nil {
		cmd.Env = s.cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &limitedBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	w := &worker{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		stderr: stderr,
		events: make(chan executor.Event, 1),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go w.read(stdout)
	return w, nil
}

// Close is a no-op; each worker owns its process.
func (s *Spawner) Close() error { return nil }

type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	stderr *limitedBuffer
	events chan executor.Event
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	posted bool
	once   sync.Once
}

// read waits for the single response, then lets the child exit by closing
// its stdin and reaps it.
func (w *worker) read(stdout io.Reader) {
	var resp executor.Response
	decodeErr := json.NewDecoder(stdout).Decode(&resp)

	_ = w.stdin.Close()
	waitErr := w.cmd.Wait()

	if decodeErr == nil {
		w.emit(executor.Event{Response: &resp})
		return
	}

	select {
	case <-w.done:
		return
	default:
	}

	cause := fmt.Errorf("read response: %w", decodeErr)
	if waitErr != nil {
		cause = fmt.Errorf("process exited: %w", waitErr)
	}
	if msg := strings.TrimSpace(w.stderr.String()); msg != "" {
		cause = fmt.Errorf("%w: %s", cause, msg)
	}
	w.logger.Debug("worker process failed", "pid", w.cmd.Process.Pid, "error", cause)
	w.emit(executor.Event{Err: &executor.WorkerError{Err: cause}})
}

func (w *worker) emit(ev executor.Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *worker) Post(req executor.Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return executor.ErrTerminated
	default:
	}
	if w.posted {
		return executor.ErrBusy
	}
	w.posted = true

	if err := w.enc.Encode(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (w *worker) Events() <-chan executor.Event { return w.events }

func (w *worker) Done() <-chan struct{} { return w.done }

// Terminate kills the child without waiting for it to cooperate.
func (w *worker) Terminate() {
	w.once.Do(func() {
		close(w.done)
		_ = w.stdin.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	})
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	limit int
	b     strings.Builder
}

func (t *limitedBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room := t.limit - t.b.Len(); room > 0 {
		if len(p) > room {
			t.b.Write(p[:room])
		} else {
			t.b.Write(p)
		}
	}
	return len(p), nil
}

func (t *limitedBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.String()
}
