package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/js-dojo/internal/executor"
	"github.com/sakif/js-dojo/internal/locale"
)

// Config configures a Handler.
type Config struct {
	Locale           string
	MaxCallStackSize int
	// DenyList replaces the built-in table when non-nil.
	DenyList  []string
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig returns the built-in policy with English messages.
func DefaultConfig() Config {
	return Config{
		Locale:           locale.Default,
		MaxCallStackSize: 1024,
		CacheSize:        256,
		CacheTTL:         10 * time.Minute,
	}
}

// Handler is the worker-side request handler: validate, build, execute.
type Handler struct {
	validator *Validator
	executor  *Executor
	msgs      locale.Messages
	logger    *slog.Logger
}

// New creates a Handler from cfg.
func New(cfg Config) (*Handler, error) {
	msgs, err := locale.Lookup(cfg.Locale)
	if err != nil {
		return nil, err
	}
	deny := cfg.DenyList
	if deny == nil {
		deny = DefaultDenyList()
	}
	v, err := NewValidator(deny, msgs, WithVerdictCache(cfg.CacheSize, cfg.CacheTTL))
	if err != nil {
		return nil, err
	}
	return &Handler{
		validator: v,
		executor:  NewExecutor(msgs, cfg.MaxCallStackSize),
		msgs:      msgs,
		logger:    slog.Default(),
	}, nil
}

// WithLogger sets the logger used for internal failures.
func (h *Handler) WithLogger(logger *slog.Logger) *Handler {
	h.logger = logger
	return h
}

// Handle produces exactly one Response for req. Every failure, validation
// included, is a Failure response.
func (h *Handler) Handle(ctx context.Context, req executor.Request) (resp executor.Response) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("sandbox panic", "id", req.ID, "panic", r)
			resp = executor.Failed(req.ID, executor.KindRuntime, h.msgs.RuntimeFallback)
		}
	}()

	if err := h.validator.Validate(req.Code); err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			return executor.Rejected(req.ID, rej.Construct, rej.Reason)
		}
		return executor.Failed(req.ID, executor.KindValidation, err.Error())
	}

	output, err := h.executor.Execute(ctx, req.Code)
	if err != nil {
		var rt *RuntimeError
		if errors.As(err, &rt) {
			return executor.Failed(req.ID, executor.KindRuntime, rt.Message)
		}
		h.logger.Error("sandbox setup failed", "id", req.ID, "error", err)
		return executor.Failed(req.ID, executor.KindRuntime, fmt.Sprintf("%s: %v", h.msgs.RuntimeFallback, err))
	}
	return executor.Succeeded(req.ID, output)
}
