// Command worker is the isolated side of the process and docker backends.
//
// It reads one JSON request per line on stdin, runs it in the sandbox and
// writes one JSON response per line on stdout. Logs go to stderr, which
// the host captures for crash reports. Every flag can also be set through
// the matching DOJO_WORKER_* environment variable.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sakif/js-dojo/internal/executor/process"
	"github.com/sakif/js-dojo/internal/locale"
	"github.com/sakif/js-dojo/internal/sandbox"
)

func main() {
	localeTag := flag.String("locale", envOr("DOJO_WORKER_LOCALE", locale.Default), "message locale")
	stackSize := flag.Int("max-call-stack-size", envInt("DOJO_WORKER_MAX_CALL_STACK_SIZE", sandbox.DefaultConfig().MaxCallStackSize), "maximum JS call stack depth")
	denyList := flag.String("deny-list", os.Getenv("DOJO_WORKER_DENY_LIST"), "comma separated deny list, replaces the built-in one")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	h, err := sandbox.New(sandboxConfig(*localeTag, *stackSize, *denyList))
	if err != nil {
		logger.Error("invalid sandbox configuration", slog.String("error", err.Error()))
		os.Exit(2)
	}

	// The host terminates workers with SIGKILL; SIGTERM only arrives when
	// someone stops the container by hand.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := process.Serve(ctx, os.Stdin, os.Stdout, h.WithLogger(logger)); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// sandboxConfig builds the handler configuration from the flags.
//
// The host gives each worker process exactly one request, so the validator's
// verdict cache could never be hit here and is left off. Only the inproc
// backend, which shares one Handler across runs, benefits from it.
func sandboxConfig(localeTag string, stackSize int, denyList string) sandbox.Config {
	cfg := sandbox.DefaultConfig()
	cfg.Locale = localeTag
	cfg.MaxCallStackSize = stackSize
	cfg.CacheSize = 0
	if denyList != "" {
		cfg.DenyList = strings.Split(denyList, ",")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}
