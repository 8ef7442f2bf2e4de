package main

import (
	"context"
	"log/slog"
	"time"

	"server-scaffold/server"
	"server-scaffold/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type echoHandler struct {
	idleTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

var _ server.Handler = (*echoHandler)(nil)

// Handle echoes until the peer leaves or stays idle for too long.
// Both are normal endings.
func (h *echoHandler) Handle(ctx context.Context, conn transport.Conn) error {
	id, _ := server.ConnID(ctx)
	logger := h.logger.With("conn", id)

	buf := make([]byte, 4096)
	var total int

	for {
		if h.idleTimeout > 0 {
			conn.SetReadDeadLine(h.clock.Now().Add(h.idleTimeout))
		}

		n, err := conn.Read(buf)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrConnClosed):
				logger.Debug("peer left", "echoed", total)
				return nil
			case errors.Is(err, transport.ErrDeadLineExceeded):
				logger.Info("idle timeout exceeded", "echoed", total)
				return nil
			}
			return errors.Wrap(err, "reading")
		}

		if _, err := conn.Write(buf[:n]); err != nil {
			if errors.Is(err, transport.ErrConnClosed) {
				return nil
			}
			return errors.Wrap(err, "writing")
		}
		total += n
	}
}
