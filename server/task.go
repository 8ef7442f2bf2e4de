package server

import (
	"context"
	"log/slog"
	"runtime/debug"

	"server-scaffold/transport"

	"github.com/pkg/errors"
)

var ErrHandlerPanicked = errors.New("handler panicked")

type task struct {
	conn    transport.Conn
	handler Handler
	logger  *slog.Logger
}

// run executes the handler and closes the connection.
// Errors and panics stop here.
func (t *task) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrHandlerPanicked, "%v", r)
			t.logger.Error("handler panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}

		t.logger.Debug("closing connection")
		if cerr := t.conn.Close(); cerr != nil && !errors.Is(cerr, transport.ErrConnClosed) {
			t.logger.Error("error when closing connection", "error", cerr)
		}
	}()

	t.logger.Debug("handling connection")

	if err := t.handler.Handle(ctx, t.conn); err != nil {
		t.logger.Error("handler failed", "error", err)
		return err
	}

	return nil
}
