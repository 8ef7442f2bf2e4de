package pipe

import (
	"context"
	"sync"

	"server-scaffold/transport"

	"github.com/benbjohnson/clock"
)

type dialRequest struct {
	conn     *conn
	accepted chan struct{}
}

// Transport connects dialers and listeners by name, inside one process.
type Transport struct {
	listeners map[Addr]*Listener
	clock     clock.Clock

	mu sync.Mutex
}

func NewTransport(clock clock.Clock) *Transport {
	return &Transport{
		listeners: make(map[Addr]*Listener),
		clock:     clock,
	}
}

var _ transport.ConnDialer = (*Transport)(nil)

func (t *Transport) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	pa, ok := addr.(Addr)
	if !ok {
		return nil, transport.ErrNetUnreachable
	}

	t.mu.Lock()
	l, ok := t.listeners[pa]
	t.mu.Unlock()

	if !ok {
		return nil, transport.ErrConnRefused
	}

	c1, c2 := NewPair("dialer", pa.Name, t.clock)

	req := dialRequest{
		conn:     c2,
		accepted: make(chan struct{}),
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, transport.ErrConnRefused
	case l.requests <- req:
	}

	select {
	case <-req.accepted:
		return c1, nil
	case <-ctx.Done():
		c1.Close()
		return nil, ctx.Err()
	case <-l.closed:
		// Accept may have taken it right before closure.
		if isClosed(req.accepted) {
			return c1, nil
		}
		c1.Close()
		return nil, transport.ErrConnRefused
	}
}

// Listen fails with a [*transport.BindError] if the name is taken.
func (t *Transport) Listen(addr Addr) (*Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.listeners[addr]; ok {
		return nil, &transport.BindError{
			Addr:   addr.Name,
			Reason: transport.ErrAddrAlreadyInUse,
		}
	}

	l := &Listener{
		addr:      addr,
		transport: t,
		requests:  make(chan dialRequest),
		closed:    make(chan struct{}),
	}
	t.listeners[addr] = l

	return l, nil
}

type Listener struct {
	addr      Addr
	transport *Transport

	requests chan dialRequest
	closed   chan struct{}
	once     sync.Once
}

var _ transport.ConnListener = (*Listener)(nil)

func (l *Listener) Addr() transport.Addr { return l.addr }

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-l.closed:
		return nil, transport.NewFatalError(transport.ErrConnListenerClosed)
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, transport.NewFatalError(transport.ErrConnListenerClosed)
	case req := <-l.requests:
		close(req.accepted)
		return req.conn, nil
	}
}

// Close is idempotent. Dialers waiting for this listener are refused.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closed)

		l.transport.mu.Lock()
		delete(l.transport.listeners, l.addr)
		l.transport.mu.Unlock()
	})
	return nil
}
