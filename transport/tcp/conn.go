package tcp

import (
	"context"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"server-scaffold/transport"

	"github.com/pkg/errors"
)

type conn struct {
	c *net.TCPConn

	local, remote Addr
}

var _ transport.Conn = (*conn)(nil)

func newConn(c *net.TCPConn) *conn {
	return &conn{
		c:      c,
		local:  addrFromNet(c.LocalAddr()),
		remote: addrFromNet(c.RemoteAddr()),
	}
}

func (c *conn) LocalAddr() transport.Addr  { return c.local }
func (c *conn) RemoteAddr() transport.Addr { return c.remote }

func (c *conn) Read(p []byte) (n int, err error) {
	n, err = c.c.Read(p)
	return n, convertErr(err)
}

func (c *conn) Write(p []byte) (n int, err error) {
	n, err = c.c.Write(p)
	return n, convertErr(err)
}

func (c *conn) Close() error { return convertErr(c.c.Close()) }

func (c *conn) SetReadDeadLine(t time.Time)  { _ = c.c.SetReadDeadline(t) }
func (c *conn) SetWriteDeadLine(t time.Time) { _ = c.c.SetWriteDeadline(t) }

// convertErr maps socket errors onto the transport errors,
// so that handlers behave the same on every transport.
func convertErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return transport.ErrConnClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return transport.ErrDeadLineExceeded
	}
	return err
}

// Dialer connects to TCP listeners. It exists mostly for tests and tools.
type Dialer struct{}

var _ transport.ConnDialer = Dialer{}

func (Dialer) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Wrap(err, "dialing")
	}
	return newConn(c.(*net.TCPConn)), nil
}
