package server

import (
	"context"

	"server-scaffold/transport"
)

// Handler processes one accepted connection.
// The connection belongs to the handler until it returns; it is closed afterwards.
// A returned error or a panic is logged and never reaches the accept loop.
type Handler interface {
	Handle(ctx context.Context, conn transport.Conn) error
}

type HandlerFunc func(ctx context.Context, conn transport.Conn) error

func (f HandlerFunc) Handle(ctx context.Context, conn transport.Conn) error { return f(ctx, conn) }

type connIDKey struct{}

// ConnID returns the id given to the connection being handled with ctx.
// Ids increase in accept order, starting from 1.
func ConnID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(connIDKey{}).(uint64)
	return id, ok
}
