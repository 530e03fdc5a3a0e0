package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Pool keeps PoolSize idle worker containers ready. A container is handed
// out once and removed after its run; the manager refills the pool.
type Pool struct {
	cli       *client.Client
	config    Config
	logger    *slog.Logger
	ready     chan string
	refill    chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool initializes a pool; call Start to begin warming containers.
func NewPool(cli *client.Client, cfg Config, logger *slog.Logger) *Pool {
	return &Pool{
		cli:    cli,
		config: cfg,
		logger: logger,
		ready:  make(chan string, cfg.PoolSize),
		refill: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the background manager.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting worker container pool", slog.Int("poolSize", p.config.PoolSize))
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the manager and removes every idle container.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("shutting down worker container pool")
		close(p.done)
		p.wg.Wait()

		for {
			select {
			case id := <-p.ready:
				p.Discard(id)
			default:
				return
			}
		}
	})
}

// Acquire takes a warm container ID, waiting until one is ready or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	select {
	case id := <-p.ready:
		p.nudge()
		return id, nil
	case <-p.done:
		return "", fmt.Errorf("container pool stopped")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Discard force-removes a container that was handed out or is shutting down.
func (p *Pool) Discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove worker container", slog.String("id", shortID(id)), slog.String("error", err.Error()))
	}
}

func (p *Pool) nudge() {
	select {
	case p.refill <- struct{}{}:
	default:
	}
}

// manager tops the pool up whenever a container is taken, and retries with
// backoff while the daemon refuses to create containers.
func (p *Pool) manager() {
	defer p.wg.Done()

	backoff := time.Second
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		for len(p.ready) < cap(p.ready) {
			id, err := p.createContainer()
			if err != nil {
				p.logger.Error("failed to create worker container", slog.String("error", err.Error()), slog.Duration("retryIn", backoff))
				select {
				case <-time.After(backoff):
				case <-p.done:
					return
				}
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second

			select {
			case p.ready <- id:
			case <-p.done:
				p.Discard(id)
				return
			}
		}

		select {
		case <-p.done:
			return
		case <-p.refill:
		case <-ticker.C:
		}
	}
}

// createContainer starts an idle, locked-down container.
func (p *Pool) createContainer() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   p.config.MemoryLimit,
			NanoCPUs: int64(p.config.CPULimit * 1e9),
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:      p.config.Image,
		Cmd:        p.config.IdleCommand,
		User:       "nobody",
		Labels:     map[string]string{"app": "js-dojo-worker"},
		StopSignal: "SIGKILL",
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.Discard(resp.ID)
		return "", fmt.Errorf("start container: %w", err)
	}

	p.logger.Debug("worker container ready", slog.String("id", shortID(resp.ID)))
	return resp.ID, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
