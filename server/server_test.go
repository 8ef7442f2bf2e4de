package server

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"server-scaffold/transport"
	"server-scaffold/transport/pipe"
	"server-scaffold/transport/test"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type ServerTestSuite struct {
	suite.Suite

	transport *pipe.Transport
	addr      pipe.Addr
	l         *pipe.Listener

	logger *slog.Logger
	clock  *clock.Mock

	ctx    context.Context
	cancel context.CancelFunc
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.logger = slog.New(slog.DiscardHandler)

	s.transport = pipe.NewTransport(clock.New())
	s.addr = pipe.Addr{Name: "server"}

	var err error
	s.l, err = s.transport.Listen(s.addr)
	s.Require().NoError(err)

	s.ctx, s.cancel = context.WithCancel(context.Background())
}

func (s *ServerTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.cancel()
	s.NoError(s.l.Close())
}

// serve runs the server in background. The returned channel yields the result of Serve.
func (s *ServerTestSuite) serve(server *Server) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(s.ctx) }()
	return errCh
}

func (s *ServerTestSuite) waitServe(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		s.FailNow("serve didn't return")
		return nil
	}
}

func (s *ServerTestSuite) dial() transport.Conn {
	conn, err := s.transport.Dial(context.Background(), s.addr)
	s.Require().NoError(err)
	return conn
}

func (s *ServerTestSuite) TestDispatchesEveryConn() {
	const N = 50

	var (
		mu       sync.Mutex
		ids      = make(map[uint64]struct{})
		payloads = make(map[string]struct{})
		handled  sync.WaitGroup
	)
	handled.Add(N)

	server := New(s.l, s.logger, s.clock, HandlerFunc(func(ctx context.Context, conn transport.Conn) error {
		defer handled.Done()

		id, ok := ConnID(ctx)
		s.True(ok)

		b := make([]byte, 8)
		n, err := conn.Read(b)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		ids[id] = struct{}{}
		payloads[string(b[:n])] = struct{}{}
		return nil
	}), Options{})

	errCh := s.serve(server)

	var clients sync.WaitGroup
	for i := range N {
		clients.Add(1)
		go func() {
			defer clients.Done()
			conn := s.dial()
			defer conn.Close()

			_, err := conn.Write([]byte(strconv.Itoa(i)))
			s.NoError(err)
		}()
	}
	clients.Wait()
	handled.Wait()

	s.cancel()
	s.ErrorIs(s.waitServe(errCh), context.Canceled)
	server.Wait()

	s.Len(ids, N)
	s.Len(payloads, N)
	for id := range uint64(N) {
		s.Contains(ids, id+1)
	}

	stats := server.Stats()
	s.Equal(uint64(N), stats.Accepted)
	s.Zero(stats.Failed)
	s.Zero(stats.Active)
	s.Equal(StateStopped, server.State())
}

func (s *ServerTestSuite) TestHandlerFailureIsolated() {
	handled := make(chan uint64, 1)

	server := New(s.l, s.logger, s.clock, HandlerFunc(func(ctx context.Context, conn transport.Conn) error {
		id, _ := ConnID(ctx)
		switch id {
		case 1:
			return errors.New("handler failed")
		case 2:
			panic("handler panicked")
		}
		handled <- id
		return nil
	}), Options{})

	errCh := s.serve(server)

	for range 2 {
		conn := s.dial()
		// The server closes its end once the handler is over.
		_, err := conn.Read(make([]byte, 1))
		s.ErrorIs(err, transport.ErrConnClosed)
		conn.Close()
	}

	conn := s.dial()
	defer conn.Close()

	select {
	case id := <-handled:
		s.Equal(uint64(3), id)
	case <-time.After(2 * time.Second):
		s.Fail("connection after failures wasn't dispatched")
	}

	s.cancel()
	s.ErrorIs(s.waitServe(errCh), context.Canceled)
	server.Wait()

	stats := server.Stats()
	s.Equal(uint64(3), stats.Accepted)
	s.Equal(uint64(2), stats.Failed)
}

func (s *ServerTestSuite) TestHandlerOutlivesCancel() {
	release := make(chan struct{})
	started := make(chan struct{})

	server := New(s.l, s.logger, s.clock, HandlerFunc(func(ctx context.Context, conn transport.Conn) error {
		close(started)
		<-release
		return ctx.Err()
	}), Options{})

	errCh := s.serve(server)

	conn := s.dial()
	defer conn.Close()
	<-started

	s.cancel()
	s.ErrorIs(s.waitServe(errCh), context.Canceled)

	s.Equal(int64(1), server.Stats().Active)

	close(release)
	server.Wait()

	stats := server.Stats()
	s.Zero(stats.Active)
	s.Zero(stats.Failed)
}

func (s *ServerTestSuite) TestListenerClosed() {
	server := New(s.l, s.logger, s.clock, HandlerFunc(func(context.Context, transport.Conn) error {
		return nil
	}), Options{})

	errCh := s.serve(server)

	conn := s.dial()
	conn.Close()

	s.Require().NoError(s.l.Close())

	err := s.waitServe(errCh)
	s.ErrorIs(err, transport.ErrConnListenerClosed)
	s.False(transport.IsTransient(err))
	s.NotErrorIs(err, context.Canceled)

	server.Wait()
	s.Equal(uint64(1), server.Stats().Accepted)
}

func (s *ServerTestSuite) TestMaxHandlers() {
	release := make(chan struct{})

	server := New(s.l, s.logger, s.clock, HandlerFunc(func(context.Context, transport.Conn) error {
		<-release
		return nil
	}), Options{MaxHandlers: 2})

	errCh := s.serve(server)

	c1, c2 := s.dial(), s.dial()
	defer c1.Close()
	defer c2.Close()

	// Both slots are taken. Nobody accepts the third.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.transport.Dial(ctx, s.addr)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(int64(2), server.Stats().Active)

	close(release)

	c3 := s.dial()
	defer c3.Close()

	s.cancel()
	s.ErrorIs(s.waitServe(errCh), context.Canceled)
	server.Wait()

	s.Equal(uint64(3), server.Stats().Accepted)
}

func (s *ServerTestSuite) TestServeTwice() {
	server := New(s.l, s.logger, s.clock, nil, Options{})
	s.Equal(StateIdle, server.State())

	errCh := s.serve(server)
	s.Eventually(func() bool { return server.State() == StateRunning }, time.Second, time.Millisecond)

	s.ErrorIs(server.Serve(s.ctx), ErrServerStarted)

	s.cancel()
	s.ErrorIs(s.waitServe(errCh), context.Canceled)

	s.ErrorIs(server.Serve(context.Background()), ErrServerStarted)
	s.Equal(StateStopped, server.State())
}

// ScriptedServerTestSuite drives the loop with a fault double.
type ScriptedServerTestSuite struct {
	suite.Suite

	l      *test.ScriptedListener
	logger *slog.Logger
	clock  *clock.Mock

	dispatched chan dispatch
	server     *Server

	ctx    context.Context
	cancel context.CancelFunc
}

type dispatch struct {
	id   uint64
	name string
}

func TestScriptedServerTestSuite(t *testing.T) {
	suite.Run(t, new(ScriptedServerTestSuite))
}

func (s *ScriptedServerTestSuite) SetupTest() {
	s.l = test.NewScriptedListener()
	s.logger = slog.New(slog.DiscardHandler)
	s.clock = clock.NewMock()
	s.dispatched = make(chan dispatch, 16)

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.server = s.newServer(Options{})
}

func (s *ScriptedServerTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.cancel()
	s.NoError(s.l.Close())
	s.server.Wait()
}

func (s *ScriptedServerTestSuite) newServer(opts Options) *Server {
	return New(s.l, s.logger, s.clock, HandlerFunc(func(ctx context.Context, conn transport.Conn) error {
		id, _ := ConnID(ctx)
		s.dispatched <- dispatch{id: id, name: conn.LocalAddr().String()}
		return nil
	}), opts)
}

func (s *ScriptedServerTestSuite) serve() <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(s.ctx) }()
	return errCh
}

func (s *ScriptedServerTestSuite) waitServe(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		s.FailNow("serve didn't return")
		return nil
	}
}

func (s *ScriptedServerTestSuite) newConn(name string) transport.Conn {
	c1, c2 := pipe.NewPair("client-"+name, name, clock.New())
	c1.Close()
	return c2
}

func (s *ScriptedServerTestSuite) expectDispatch(id uint64) {
	select {
	case got := <-s.dispatched:
		s.Equal(id, got.id)
	case <-time.After(2 * time.Second):
		s.Fail(fmt.Sprintf("connection %d wasn't dispatched", id))
	}
}

func (s *ScriptedServerTestSuite) TestDispatchOrder() {
	errCh := s.serve()

	for i := range 5 {
		s.Require().True(s.l.Feed(test.Step{Conn: s.newConn(strconv.Itoa(i))}))
	}

	// Handlers may run in any order, but ids follow the accept order.
	got := make(map[uint64]string)
	for range 5 {
		select {
		case d := <-s.dispatched:
			got[d.id] = d.name
		case <-time.After(2 * time.Second):
			s.FailNow("not every connection was dispatched")
		}
	}
	s.Equal(map[uint64]string{1: "0", 2: "1", 3: "2", 4: "3", 5: "4"}, got)

	s.cancel()
	s.ErrorIs(s.waitServe(errCh), context.Canceled)
}

func (s *ScriptedServerTestSuite) TestTransientErrorContinues() {
	errCh := s.serve()

	s.Require().True(s.l.Feed(
		test.Step{Err: transport.NewTransientError(syscall.ECONNABORTED)},
		test.Step{Err: transport.NewTransientError(syscall.EMFILE)},
		test.Step{Conn: s.newConn("after")},
	))
	s.expectDispatch(1)

	s.Eventually(func() bool { return s.l.Calls() >= 4 }, time.Second, time.Millisecond)

	stats := s.server.Stats()
	s.Equal(uint64(2), stats.Transient)
	s.Equal(uint64(1), stats.Accepted)

	s.cancel()
	s.ErrorIs(s.waitServe(errCh), context.Canceled)
}

func (s *ScriptedServerTestSuite) TestTransientBackoff() {
	s.server = s.newServer(Options{
		TransientBackoff: BackoffOptions{Initial: 10 * time.Millisecond, Max: 15 * time.Millisecond},
	})
	errCh := s.serve()

	transient := test.Step{Err: transport.NewTransientError(syscall.ECONNABORTED)}

	s.Require().True(s.l.Feed(transient))
	s.Never(func() bool { return s.l.Calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	s.clock.Add(10 * time.Millisecond)
	s.Eventually(func() bool { return s.l.Calls() == 2 }, time.Second, time.Millisecond)

	// Second consecutive error doubles the pause, capped by Max.
	s.Require().True(s.l.Feed(transient))
	s.Never(func() bool { return s.l.Calls() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	s.clock.Add(10 * time.Millisecond)
	s.Never(func() bool { return s.l.Calls() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	s.clock.Add(5 * time.Millisecond)
	s.Eventually(func() bool { return s.l.Calls() == 3 }, time.Second, time.Millisecond)

	// Cancelling during the pause stops the loop.
	s.Require().True(s.l.Feed(transient))
	s.Never(func() bool { return s.l.Calls() > 3 }, 50*time.Millisecond, 5*time.Millisecond)

	s.cancel()
	s.ErrorIs(s.waitServe(errCh), context.Canceled)
	s.Equal(uint64(3), s.server.Stats().Transient)
}

func (s *ScriptedServerTestSuite) TestFatalErrorStops() {
	errCh := s.serve()

	boom := errors.New("boom")
	s.Require().True(s.l.Feed(test.Step{Err: transport.NewFatalError(boom)}))

	err := s.waitServe(errCh)
	s.ErrorIs(err, boom)
	s.False(transport.IsTransient(err))
	s.Equal(StateStopped, s.server.State())

	s.Equal(int64(1), s.l.Calls())
	s.Zero(s.server.Stats().Accepted)
	s.Empty(s.dispatched)
}

func (s *ScriptedServerTestSuite) TestCancelWhileAccepting() {
	errCh := s.serve()

	s.Eventually(func() bool { return s.l.Calls() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	s.cancel()

	s.ErrorIs(s.waitServe(errCh), context.Canceled)
	s.Less(time.Since(start), time.Second)

	s.Equal(int64(1), s.l.Calls())
	s.Zero(s.server.Stats().Accepted)
	s.Empty(s.dispatched)
}

func TestBackoffNext(t *testing.T) {
	testcases := []struct {
		desc     string
		opts     BackoffOptions
		prev     time.Duration
		expected time.Duration
	}{
		{"disabled", BackoffOptions{}, 0, 0},
		{"disabled ignores prev", BackoffOptions{Max: time.Second}, time.Second, 0},
		{"first", BackoffOptions{Initial: 5 * time.Millisecond}, 0, 5 * time.Millisecond},
		{"doubles", BackoffOptions{Initial: 5 * time.Millisecond}, 5 * time.Millisecond, 10 * time.Millisecond},
		{"capped", BackoffOptions{Initial: 5 * time.Millisecond, Max: 8 * time.Millisecond}, 5 * time.Millisecond, 8 * time.Millisecond},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := tc.opts.next(tc.prev); got != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, got)
			}
		})
	}
}
