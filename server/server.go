// Package server runs an accept loop over a [transport.ConnListener],
// handing every accepted connection to its own goroutine.
package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"server-scaffold/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var ErrServerStarted = errors.New("server already started")

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Server struct {
	l transport.ConnListener

	handler Handler
	logger  *slog.Logger
	clock   clock.Clock
	opts    Options

	state  atomic.Int32
	nextID uint64 // only touched by the loop.
	slots  chan struct{}
	wg     sync.WaitGroup
	stats  stats
}

func New(
	l transport.ConnListener,
	logger *slog.Logger,
	clock clock.Clock,
	handler Handler,
	opts Options,
) *Server {
	s := &Server{
		l:       l,
		handler: handler,
		logger:  logger,
		clock:   clock,
		opts:    opts,
	}

	if opts.MaxHandlers > 0 {
		s.slots = make(chan struct{}, opts.MaxHandlers)
	}

	return s
}

// Serve accepts connections until ctx is done or the listener fails.
// It never returns nil: the error wraps either ctx.Err() or the fatal [*transport.AcceptError].
// Transient accept errors are logged and skipped.
//
// Serve doesn't close the listener, and cancelling ctx doesn't cancel running handlers.
// Use [Server.Wait] to wait for them.
func (s *Server) Serve(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrServerStarted
	}
	defer s.state.Store(int32(StateStopped))

	s.logger.Info("accepting connections", "addr", s.l.Addr())

	var backoff time.Duration
	for {
		if err := s.acquire(ctx); err != nil {
			return s.cancelled(err)
		}

		con, err := s.l.Accept(ctx)
		if err != nil {
			s.release()

			switch {
			case ctx.Err() != nil:
				return s.cancelled(ctx.Err())
			case transport.IsTransient(err):
				s.stats.transient.Add(1)
				backoff = s.opts.TransientBackoff.next(backoff)
				s.logger.Warn("transient error when accepting connection",
					"error", err,
					"retry_in", backoff,
				)
				if err := s.sleep(ctx, backoff); err != nil {
					return s.cancelled(err)
				}
				continue
			default:
				s.logger.Error("unexpected error when accepting connection", "error", err)
				return errors.Wrap(err, "accepting connection")
			}
		}

		backoff = 0
		s.dispatch(ctx, con)
	}
}

func (s *Server) cancelled(err error) error {
	s.logger.Info("stopped accepting connections", "reason", err)
	return errors.Wrap(err, "accept loop cancelled")
}

// dispatch hands con over to a new goroutine. From here on, the loop doesn't touch con.
func (s *Server) dispatch(ctx context.Context, con transport.Conn) {
	s.nextID++
	id := s.nextID

	s.stats.accepted.Add(1)
	s.stats.active.Add(1)

	t := &task{
		conn:    con,
		handler: s.handler,
		logger:  s.logger.With("conn", id, "remote", con.RemoteAddr()),
	}

	// Handlers outlive the loop's cancellation.
	hctx := context.WithValue(context.WithoutCancel(ctx), connIDKey{}, id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		defer s.stats.active.Add(-1)

		if err := t.run(hctx); err != nil {
			s.stats.failed.Add(1)
		}
	}()
}

func (s *Server) acquire(ctx context.Context) error {
	if s.slots == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.slots <- struct{}{}:
		return nil
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := s.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until every dispatched handler has returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) State() State { return State(s.state.Load()) }

func (s *Server) Stats() Stats { return s.stats.snapshot() }
