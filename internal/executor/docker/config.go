package docker

import (
	"errors"
	"time"
)

// Config holds the configuration for container workers.
type Config struct {
	// Image must contain the worker binary.
	Image string
	// Command is exec'd inside a pooled container for every run; it must
	// speak the stdio protocol (cmd/worker does).
	Command []string
	// IdleCommand keeps a pooled container alive until it is used.
	IdleCommand []string
	// MemoryLimit is the maximum amount of memory the container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// PoolSize is the number of pre-warmed containers to maintain.
	PoolSize int
	// AcquireTimeout bounds how long Spawn waits for a warm container.
	AcquireTimeout time.Duration
	// Pull fetches Image before the pool starts. Leave false for locally
	// built images.
	Pull bool
}

// DefaultConfig returns limits suited to short lesson snippets.
func DefaultConfig() Config {
	return Config{
		Image:       "js-dojo-worker:latest",
		Command:     []string{"/usr/local/bin/js-dojo-worker"},
		IdleCommand: []string{"sleep", "infinity"},
		// 64 MB
		MemoryLimit:    64 * 1024 * 1024,
		CPULimit:       0.5,
		PoolSize:       2,
		AcquireTimeout: 5 * time.Second,
	}
}

// Validate reports configuration the pool cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Image == "" {
		errs = append(errs, errors.New("docker: image is required"))
	}
	if len(c.Command) == 0 {
		errs = append(errs, errors.New("docker: worker command is required"))
	}
	if len(c.IdleCommand) == 0 {
		errs = append(errs, errors.New("docker: idle command is required"))
	}
	if c.PoolSize < 1 {
		errs = append(errs, errors.New("docker: pool size must be at least 1"))
	}
	if c.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("docker: acquire timeout must be positive"))
	}
	return errors.Join(errs...)
}
