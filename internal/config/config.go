// Package config loads the service configuration.
//
// Precedence, lowest first: built-in defaults, an optional YAML file, then
// environment variables. DOJO_SANDBOX__TIMEOUT=5s overrides sandbox.timeout.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"github.com/sakif/js-dojo/internal/locale"
)

const envPrefix = "DOJO_"

// Backends selectable with executor.backend.
const (
	BackendInproc  = "inproc"
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Journal   JournalConfig   `koanf:"journal"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text or json
}

// SandboxConfig configures the validator, the executor and the controller.
// The validation cache settings only matter to the inproc backend.
type SandboxConfig struct {
	Timeout             time.Duration `koanf:"timeout"`
	Locale              string        `koanf:"locale"`
	MaxCallStackSize    int           `koanf:"max_call_stack_size"`
	DenyList            []string      `koanf:"deny_list"`
	ValidationCacheSize int           `koanf:"validation_cache_size"`
	ValidationCacheTTL  time.Duration `koanf:"validation_cache_ttl"`
}

type ExecutorConfig struct {
	Backend string        `koanf:"backend"`
	Process ProcessConfig `koanf:"process"`
	Docker  DockerConfig  `koanf:"docker"`
}

type ProcessConfig struct {
	Binary string   `koanf:"binary"`
	Args   []string `koanf:"args"`
}

type DockerConfig struct {
	Image          string        `koanf:"image"`
	Command        []string      `koanf:"command"`
	MemoryLimit    int64         `koanf:"memory_limit"`
	CPULimit       float64       `koanf:"cpu_limit"`
	PoolSize       int           `koanf:"pool_size"`
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
	Pull           bool          `koanf:"pull"`
}

// AuthConfig enables bearer authentication when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

// RateLimitConfig limits run submissions per client. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

type JournalConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Path          string        `koanf:"path"`
	Retention     time.Duration `koanf:"retention"`
	PruneSchedule string        `koanf:"prune_schedule"`
	QueueSize     int           `koanf:"queue_size"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.port":             8080,
		"server.read_timeout":     "15s",
		"server.write_timeout":    "30s",
		"server.shutdown_timeout": "30s",
		"server.max_body_bytes":   1 << 20,

		"log.level":  "info",
		"log.format": "text",

		"sandbox.timeout":               "10s",
		"sandbox.locale":                locale.Default,
		"sandbox.max_call_stack_size":   1024,
		"sandbox.validation_cache_size": 256,
		"sandbox.validation_cache_ttl":  "10m",

		"executor.backend":                BackendProcess,
		"executor.process.binary":         "js-dojo-worker",
		"executor.docker.image":           "js-dojo-worker:latest",
		"executor.docker.command":         []string{"/usr/local/bin/js-dojo-worker"},
		"executor.docker.memory_limit":    64 * 1024 * 1024,
		"executor.docker.cpu_limit":       0.5,
		"executor.docker.pool_size":       2,
		"executor.docker.acquire_timeout": "5s",
		"executor.docker.pull":            false,

		"ratelimit.rps":   2.0,
		"ratelimit.burst": 5,

		"journal.enabled":        true,
		"journal.path":           "data/dojo.db",
		"journal.retention":      "168h",
		"journal.prune_schedule": "@hourly",
		"journal.queue_size":     256,
	}
}

// Load reads defaults, then path (if not empty), then DOJO_ environment
// variables, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("config: setting default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	// DOJO_EXECUTOR__DOCKER__POOL_SIZE=4 overrides executor.docker.pool_size
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	// Environment values are plain strings, so list settings such as
	// DOJO_SANDBOX__DENY_LIST=fetch,eval are split on commas.
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           &cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a level", c.Log.Level))
	}

	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, errors.New("sandbox.timeout must be positive"))
	}
	// POST /api/slots/{slot}/run holds its response until the run settles,
	// so the write deadline must outlast the longest run.
	if c.Server.WriteTimeout > 0 && c.Sandbox.Timeout >= c.Server.WriteTimeout {
		errs = append(errs, fmt.Errorf("sandbox.timeout %s must be shorter than server.write_timeout %s",
			c.Sandbox.Timeout, c.Server.WriteTimeout))
	}
	if _, err := locale.Lookup(c.Sandbox.Locale); err != nil {
		errs = append(errs, err)
	}
	if c.Sandbox.MaxCallStackSize <= 0 {
		errs = append(errs, errors.New("sandbox.max_call_stack_size must be positive"))
	}

	switch c.Executor.Backend {
	case BackendInproc:
	case BackendProcess:
		if c.Executor.Process.Binary == "" {
			errs = append(errs, errors.New("executor.process.binary is required"))
		}
	case BackendDocker:
		if c.Executor.Docker.Image == "" {
			errs = append(errs, errors.New("executor.docker.image is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor.backend %q is not one of inproc, process, docker", c.Executor.Backend))
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("ratelimit.burst must be positive when ratelimit.rps is set"))
	}

	if c.Journal.Enabled {
		if c.Journal.Path == "" {
			errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
		}
		if c.Journal.Retention <= 0 {
			errs = append(errs, errors.New("journal.retention must be positive"))
		}
		if _, err := cron.ParseStandard(c.Journal.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("journal.prune_schedule: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
