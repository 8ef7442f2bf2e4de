package server

import (
	"context"
	"log/slog"

	"server-scaffold/transport/tcp"

	"github.com/benbjohnson/clock"
)

// Run binds address, then serves it with handler until ctx is done or the listener fails.
// The listener is closed before Run returns.
//
// A bind failure is returned as is, so it satisfies [transport.IsBindError].
// Otherwise the error is the one of [Server.Serve].
// Running handlers are waited for only if opts.WaitHandlers is set.
func Run(
	ctx context.Context,
	address string,
	handler Handler,
	logger *slog.Logger,
	opts Options,
) error {
	l, err := tcp.Listen(ctx, address, opts.Listen)
	if err != nil {
		return err
	}

	s := New(l, logger, clock.New(), handler, opts)
	err = s.Serve(ctx)

	if cerr := l.Close(); cerr != nil {
		logger.Error("error when closing listener", "error", cerr)
	}

	if opts.WaitHandlers {
		logger.Info("waiting for handlers", "active", s.Stats().Active)
		s.Wait()
	}

	return err
}
