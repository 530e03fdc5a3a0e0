// Package server wires the controller, services, handlers and middleware
// together and owns the process lifecycle.
//
// WHY SEPARATE FROM main.go?
// New is the composition root: everything the service needs is built here
// from *config.Config, so main only chooses an executor backend and calls
// Start. Tests build the same Server around an in-process spawner and serve
// it on a loopback listener, without flags, signals or a real port.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/js-dojo/internal/auth"
	"github.com/sakif/js-dojo/internal/config"
	"github.com/sakif/js-dojo/internal/controller"
	"github.com/sakif/js-dojo/internal/executor"
	"github.com/sakif/js-dojo/internal/handler"
	"github.com/sakif/js-dojo/internal/locale"
	"github.com/sakif/js-dojo/internal/metrics"
	"github.com/sakif/js-dojo/internal/middleware"
	"github.com/sakif/js-dojo/internal/repository"
	sqliteRepo "github.com/sakif/js-dojo/internal/repository/sqlite"
	"github.com/sakif/js-dojo/internal/service"
)

// Server is the HTTP front of the dojo and everything behind it.
type Server struct {
	cfg     *config.Config
	router  *chi.Mux
	logger  *slog.Logger
	metrics *metrics.Metrics

	spawner executor.Spawner
	ctrl    *controller.Controller

	// Nil when the journal is disabled.
	db        *sqliteRepo.DB
	journal   *service.Journal
	retention *service.Retention
}

// New builds the server. It takes ownership of spawner: Start closes it on
// the way out, and New closes it if construction fails.
func New(cfg *config.Config, spawner executor.Spawner, logger *slog.Logger) (_ *Server, err error) {
	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		logger:  logger,
		metrics: metrics.New(nil),
		spawner: spawner,
	}
	defer func() {
		if err != nil {
			s.closeResources()
		}
	}()

	msgs, err := locale.Lookup(cfg.Sandbox.Locale)
	if err != nil {
		return nil, err
	}

	opts := []controller.Option{controller.WithObserver(s.metrics.RunObserver())}

	var runs repository.RunRepository
	if cfg.Journal.Enabled {
		s.db, err = sqliteRepo.New(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		runs = s.db

		s.journal = service.NewJournal(s.db, cfg.Journal.QueueSize, logger,
			service.WithDropCounter(s.metrics.JournalDropped),
			service.WithPruneCounter(s.metrics.JournalPruned),
		)
		s.retention, err = service.NewRetention(s.journal, cfg.Journal.PruneSchedule, cfg.Journal.Retention, logger)
		if err != nil {
			return nil, fmt.Errorf("scheduling retention: %w", err)
		}
		opts = append(opts, controller.WithObserver(s.journal.Observer()))
	}

	s.ctrl = controller.New(spawner, controller.Config{
		Timeout:  cfg.Sandbox.Timeout,
		Messages: msgs,
	}, logger, opts...)

	var tokens *auth.TokenService
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenService(cfg.Auth.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("creating token service: %w", err)
		}
	}

	s.routes(service.NewRunService(s.ctrl, runs, logger), tokens)
	return s, nil
}

// routes registers every endpoint:
//
//	GET    /healthz                liveness
//	GET    /metrics                Prometheus scrape
//	POST   /api/slots/{slot}/run   run code, rate limited
//	DELETE /api/slots/{slot}       cancel the slot's pending run
//	GET    /api/runs               list journal entries
//	GET    /api/runs/{id}          one journal entry
//	GET    /api/ws                 websocket, rate limited at upgrade
//
// /api requires a bearer token when auth.jwt_secret is set. Otherwise each
// visitor is told apart by the dojo_client cookie.
//
// Global middleware runs in this order:
//  1. RequestID: tags each request for the logs
//  2. RealIP: takes the client address from proxy headers, which the rate
//     limiter keys on
//  3. Logger and Metrics: one log line and one counter per request
//  4. Recoverer: a panicking handler answers 500 instead of killing the process
func (s *Server) routes(runs *service.RunService, tokens *auth.TokenService) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", handler.HandleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	execute := handler.NewExecuteHandler(runs, s.logger)
	history := handler.NewRunsHandler(runs, s.logger)
	ws := handler.NewWSHandler(runs, s.logger, handler.WithConnGauge(s.metrics.WSConnections))

	limit := middleware.DefaultRateLimitConfig()
	limit.RequestsPerSecond = s.cfg.RateLimit.RPS
	limit.Burst = s.cfg.RateLimit.Burst

	s.router.Route("/api", func(r chi.Router) {
		if tokens != nil {
			r.Use(auth.RequireAuth(tokens))
		}
		r.Use(auth.AnonymousClients)
		r.Use(chimiddleware.RequestSize(s.cfg.Server.MaxBodyBytes))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(limit))
			r.Post("/slots/{slot}/run", execute.HandleRun)
			r.Get("/ws", ws.HandleConnection)
		})
		r.Delete("/slots/{slot}", execute.HandleCancel)
		r.Get("/runs", history.HandleList)
		r.Get("/runs/{id}", history.HandleGet)
	})
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.Server.Port)))
	if err != nil {
		s.closeResources()
		return fmt.Errorf("listening: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down in order:
//  1. Cancel every pending run, so blocked POSTs answer 409 right away
//  2. Stop accepting connections and drain in-flight requests
//  3. Let the journal flush what those runs settled
//  4. Close the spawner (docker pool) and the database
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.closeResources()

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// The journal outlives ctx so it can drain what shutdown settles.
	journalCtx, stopJournal := context.WithCancel(context.WithoutCancel(ctx))
	defer stopJournal()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server starting",
			slog.String("addr", ln.Addr().String()),
			slog.String("backend", s.cfg.Executor.Backend),
			slog.Bool("journal", s.journal != nil),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")

		// Settle pending runs first so their handlers can answer before
		// Shutdown starts waiting on them.
		_ = s.ctrl.Close()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		stopJournal()
		if err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if s.journal != nil {
		g.Go(func() error { return s.journal.Run(journalCtx) })
		g.Go(func() error { return s.retention.Run(gctx) })
	}

	err := g.Wait()
	s.logger.Info("server stopped")
	return err
}

func (s *Server) closeResources() {
	if s.spawner != nil {
		if err := s.spawner.Close(); err != nil {
			s.logger.Warn("closing executor", slog.String("error", err.Error()))
		}
		s.spawner = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("closing journal", slog.String("error", err.Error()))
		}
		s.db = nil
	}
}
