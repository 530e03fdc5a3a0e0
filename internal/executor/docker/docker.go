// Package docker runs each worker inside a single-use container taken from a
// pre-warmed pool. The run itself is a docker exec of the worker binary with
// stdin attached, so the wire protocol is the same as the process backend.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/js-dojo/internal/executor"
)

// Spawner implements executor.Spawner on top of the Docker API.
type Spawner struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
	pool   *Pool
}

// New connects to the daemon from the environment, optionally pulls the
// worker image and starts warming the pool.
func New(cfg Config, logger *slog.Logger) (*Spawner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.Pull {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		logger.Info("pulling worker image", slog.String("image", cfg.Image))
		reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("failed to pull image: %w", err)
		}
		// The pull completes only once the progress stream is drained.
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	}

	s := &Spawner{
		cli:    cli,
		config: cfg,
		logger: logger,
		pool:   NewPool(cli, cfg, logger),
	}
	s.pool.Start()
	return s, nil
}

// Close stops the pool and the docker client.
func (s *Spawner) Close() error {
	s.pool.Stop()
	return s.cli.Close()
}

// Spawn takes a warm container and starts the worker command in it.
func (s *Spawner) Spawn(ctx context.Context) (executor.Worker, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.config.AcquireTimeout)
	defer cancel()

	containerID, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("acquire container: %w", err)
	}

	execResp, err := s.cli.ContainerExecCreate(acquireCtx, containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          s.config.Command,
	})
	if err != nil {
		go s.pool.Discard(containerID)
		return nil, fmt.Errorf("create exec: %w", err)
	}

	// The hijacked stream outlives Spawn; only the worker closes it.
	attach, err := s.cli.ContainerExecAttach(context.WithoutCancel(acquireCtx), execResp.ID, container.ExecStartOptions{})
	if err != nil {
		go s.pool.Discard(containerID)
		return nil, fmt.Errorf("attach exec: %w", err)
	}

	w := &worker{
		containerID: containerID,
		attach:      attach,
		pool:        s.pool,
		logger:      s.logger,
		events:      make(chan executor.Event, 1),
		done:        make(chan struct{}),
	}
	go w.read()
	return w, nil
}

type worker struct {
	containerID string
	attach      types.HijackedResponse
	pool        *Pool
	logger      *slog.Logger
	events      chan executor.Event
	done        chan struct{}

	mu     sync.Mutex
	posted bool
	once   sync.Once
}

// read demultiplexes the exec stream and decodes the single response.
func (w *worker) read() {
	pr, pw := io.Pipe()
	var stderr strings.Builder
	go func() {
		_, err := stdcopy.StdCopy(pw, &stderr, w.attach.Reader)
		_ = pw.CloseWithError(err)
	}()

	var resp executor.Response
	err := json.NewDecoder(pr).Decode(&resp)
	if err == nil {
		w.emit(executor.Event{Response: &resp})
		return
	}

	select {
	case <-w.done:
		return
	default:
	}

	// Let the copier finish so stderr is complete.
	_, _ = io.Copy(io.Discard, pr)
	cause := fmt.Errorf("read response: %w", err)
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		cause = fmt.Errorf("%w: %s", cause, msg)
	}
	w.logger.Debug("worker container failed", slog.String("id", shortID(w.containerID)), slog.String("error", cause.Error()))
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

	if err := json.NewEncoder(w.attach.Conn).Encode(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	// EOF on stdin lets the worker exit once it has answered.
	if err := w.attach.CloseWrite(); err != nil {
		return fmt.Errorf("close stdin: %w", err)
	}
	return nil
}

func (w *worker) Events() <-chan executor.Event { return w.events }

func (w *worker) Done() <-chan struct{} { return w.done }

// Terminate drops the connection and force-removes the container in the
// background; nothing waits for the worker process.
func (w *worker) Terminate() {
	w.once.Do(func() {
		close(w.done)
		w.attach.Close()
		go w.pool.Discard(w.containerID)
	})
}
