// Command server runs the JS dojo HTTP service.
//
// Configuration comes from built-in defaults, an optional YAML file given
// with -config, and DOJO_* environment variables, in that order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sakif/js-dojo/internal/config"
	"github.com/sakif/js-dojo/internal/executor"
	"github.com/sakif/js-dojo/internal/executor/docker"
	"github.com/sakif/js-dojo/internal/executor/inproc"
	"github.com/sakif/js-dojo/internal/executor/process"
	"github.com/sakif/js-dojo/internal/sandbox"
	"github.com/sakif/js-dojo/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// SIGINT or SIGTERM cancels ctx and starts the graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Journal directory ===
	if cfg.Journal.Enabled && cfg.Journal.Path != ":memory:" {
		dir := filepath.Dir(cfg.Journal.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating journal directory %s: %w", dir, err)
		}
	}

	// === Executor backend ===
	spawner, err := newSpawner(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("executor ready", slog.String("backend", cfg.Executor.Backend))

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret not set, the API is open to anonymous callers")
	}

	srv, err := server.New(cfg, spawner, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start blocks until ctx is cancelled.
	return srv.Start(ctx)
}

func newSpawner(cfg *config.Config, logger *slog.Logger) (executor.Spawner, error) {
	sb := cfg.Sandbox
	switch cfg.Executor.Backend {
	case config.BackendInproc:
		h, err := sandbox.New(sandbox.Config{
			Locale:           sb.Locale,
			MaxCallStackSize: sb.MaxCallStackSize,
			DenyList:         sb.DenyList,
			CacheSize:        sb.ValidationCacheSize,
			CacheTTL:         sb.ValidationCacheTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("creating sandbox: %w", err)
		}
		return inproc.NewSpawner(h.WithLogger(logger)), nil

	case config.BackendProcess:
		return process.NewSpawner(process.Config{
			Binary: cfg.Executor.Process.Binary,
			Args:   cfg.Executor.Process.Args,
			Env:    workerEnv(sb),
		}, logger), nil

	case config.BackendDocker:
		d := cfg.Executor.Docker
		dc := docker.DefaultConfig()
		dc.Image = d.Image
		if len(d.Command) > 0 {
			dc.Command = d.Command
		}
		dc.Command = append(dc.Command, workerArgs(sb)...)
		dc.MemoryLimit = d.MemoryLimit
		dc.CPULimit = d.CPULimit
		dc.PoolSize = d.PoolSize
		dc.AcquireTimeout = d.AcquireTimeout
		dc.Pull = d.Pull

		spawner, err := docker.New(dc, logger)
		if err != nil {
			return nil, fmt.Errorf("creating docker executor: %w", err)
		}
		return spawner, nil
	}
	return nil, errors.New("unknown executor backend " + cfg.Executor.Backend)
}

// workerEnv passes the sandbox policy to cmd/worker children.
func workerEnv(sb config.SandboxConfig) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"DOJO_WORKER_LOCALE=" + sb.Locale,
		fmt.Sprintf("DOJO_WORKER_MAX_CALL_STACK_SIZE=%d", sb.MaxCallStackSize),
	}
	if len(sb.DenyList) > 0 {
		env = append(env, "DOJO_WORKER_DENY_LIST="+strings.Join(sb.DenyList, ","))
	}
	return env
}

// workerArgs is workerEnv as flags, for exec'ing into containers.
func workerArgs(sb config.SandboxConfig) []string {
	args := []string{
		"-locale=" + sb.Locale,
		fmt.Sprintf("-max-call-stack-size=%d", sb.MaxCallStackSize),
	}
	if len(sb.DenyList) > 0 {
		args = append(args, "-deny-list="+strings.Join(sb.DenyList, ","))
	}
	return args
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	// Validated by config.Load.
	_ = level.UnmarshalText([]byte(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
