// Command echoserver writes back whatever its clients send.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"server-scaffold/cmd/echoserver/internal/config"
	"server-scaffold/server"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

func main() {
	cfg, err := config.FromOS()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := &echoHandler{
		idleTimeout: cfg.IdleTimeout,
		clock:       clock.New(),
		logger:      logger,
	}

	err = server.Run(ctx, cfg.Addr, handler, logger, server.Options{
		MaxHandlers: cfg.MaxHandlers,
		TransientBackoff: server.BackoffOptions{
			Initial: cfg.Backoff,
			Max:     time.Second,
		},
		WaitHandlers: true,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("bye")
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug,
	}))
}
