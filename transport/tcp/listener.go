package tcp

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"server-scaffold/transport"

	"github.com/pkg/errors"
)

type ListenOptions struct {
	// Resolver resolves host names. [net.DefaultResolver] is used if nil.
	Resolver Resolver
	// KeepAlive is applied to accepted connections. See [net.ListenConfig].
	KeepAlive time.Duration
}

// Listener is a [transport.ConnListener] backed by a TCP socket.
// The backlog is the operating system's default.
//
// Accept must not be called concurrently.
type Listener struct {
	l    *net.TCPListener
	addr Addr

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ transport.ConnListener = (*Listener)(nil)

// Listen resolves address and binds the first candidate that succeeds.
// If every candidate fails, the error of the first one is reported.
// The returned error is always a [*transport.BindError].
func Listen(ctx context.Context, address string, opts ListenOptions) (*Listener, error) {
	r := opts.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	candidates, err := Resolve(ctx, r, address)
	if err != nil {
		return nil, &transport.BindError{Addr: address, Err: err}
	}

	lc := net.ListenConfig{KeepAlive: opts.KeepAlive}

	var first error
	for _, candidate := range candidates {
		l, err := lc.Listen(ctx, "tcp", candidate.String())
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}

		tl := l.(*net.TCPListener)
		return &Listener{
			l:      tl,
			addr:   addrFromNet(tl.Addr()),
			closed: make(chan struct{}),
		}, nil
	}

	return nil, &transport.BindError{
		Addr:   address,
		Reason: bindReason(first),
		Err:    first,
	}
}

func bindReason(err error) error {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return transport.ErrAddrAlreadyInUse
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return transport.ErrPermissionDenied
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return transport.ErrAddrNotResolved
	}
	return nil
}

func (l *Listener) Addr() transport.Addr { return l.addr }

// A deadline in the past makes a blocked accept return immediately.
var aLongTimeAgo = time.Unix(1, 0)

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-l.closed:
		return nil, transport.NewFatalError(transport.ErrConnListenerClosed)
	default:
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		_ = l.l.SetDeadline(aLongTimeAgo)
	})

	c, err := l.l.AcceptTCP()

	if !stop() {
		// Cancellation won the race. Wait for the deadline to be set,
		// then lift it so that the listener stays usable.
		<-interrupted
		_ = l.l.SetDeadline(time.Time{})

		if c != nil {
			c.Close()
		}
		return nil, ctx.Err()
	}

	if err != nil {
		return nil, l.classify(err)
	}

	return newConn(c), nil
}

func (l *Listener) classify(err error) error {
	select {
	case <-l.closed:
		return transport.NewFatalError(transport.ErrConnListenerClosed)
	default:
	}

	if errors.Is(err, net.ErrClosed) {
		return transport.NewFatalError(transport.ErrConnListenerClosed)
	}

	if isTransient(err) {
		return transport.NewTransientError(err)
	}

	return transport.NewFatalError(err)
}

var transientErrnos = []syscall.Errno{
	syscall.ECONNABORTED,
	syscall.ECONNRESET,
	syscall.EMFILE,
	syscall.ENFILE,
	syscall.ENOBUFS,
	syscall.ENOMEM,
	syscall.EINTR,
	syscall.EAGAIN,
}

func isTransient(err error) bool {
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	// Only our own deadline is ever set on the listener.
	// If it fires without cancellation, trying again is fine.
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close is idempotent.
// A blocked Accept returns a fatal error wrapping [transport.ErrConnListenerClosed].
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.closeErr = l.l.Close()
	})
	return l.closeErr
}
