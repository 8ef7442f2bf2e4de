// Package pipe is an in-memory transport.
// The unbuffered conn borrows its idea from [net.Pipe].
package pipe

import (
	"sync"
	"time"

	"server-scaffold/transport"

	"github.com/benbjohnson/clock"
)

type Addr struct {
	Name string
}

var _ transport.Addr = Addr{}

func (a Addr) Network() string { return string(transport.Pipe) }
func (a Addr) String() string  { return a.Name }

// conn is one end of a synchronous, unbuffered pipe.
type conn struct {
	stream chan []byte // stream that this end reads from.
	nc     chan int    // counterpart's read count will be sent here.

	writeMu sync.Mutex

	closed chan struct{}
	once   sync.Once

	rdeadLine *chanDeadLine
	wdeadLine *chanDeadLine

	counterpart *conn

	addr Addr
}

var _ transport.Conn = (*conn)(nil)

// NewPair creates the two ends of a connection.
func NewPair(name1, name2 string, clock clock.Clock) (c1, c2 *conn) {
	c1 = newConn(name1, clock)
	c2 = newConn(name2, clock)
	c1.counterpart, c2.counterpart = c2, c1
	return
}

func newConn(name string, clock clock.Clock) *conn {
	return &conn{
		stream:    make(chan []byte),
		nc:        make(chan int),
		closed:    make(chan struct{}),
		rdeadLine: newChanDeadLine(clock),
		wdeadLine: newChanDeadLine(clock),
		addr:      Addr{Name: name},
	}
}

func (c *conn) LocalAddr() transport.Addr  { return c.addr }
func (c *conn) RemoteAddr() transport.Addr { return c.counterpart.addr }

// Close is idempotent.
func (c *conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *conn) Read(b []byte) (n int, err error) {
	if err := c.checkOK(c.rdeadLine); err != nil {
		return 0, err
	}

	select {
	case received := <-c.stream:
		n := copy(b, received)
		c.counterpart.nc <- n
		return n, nil
	case <-c.closed:
		return 0, transport.ErrConnClosed
	case <-c.counterpart.closed:
		return 0, transport.ErrConnClosed
	case <-c.rdeadLine.wait():
		return 0, transport.ErrDeadLineExceeded
	}
}

func (c *conn) Write(b []byte) (n int, err error) {
	if err := c.checkOK(c.wdeadLine); err != nil {
		return 0, err
	}

	if len(b) == 0 {
		return 0, nil
	}

	// Serialize writes so that they don't interleave.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	nn := 0
	for len(b) > 0 {
		select {
		case c.counterpart.stream <- b:
			n := <-c.nc
			b = b[n:]
			nn += n
		case <-c.closed:
			return nn, transport.ErrConnClosed
		case <-c.counterpart.closed:
			return nn, transport.ErrConnClosed
		case <-c.wdeadLine.wait():
			return nn, transport.ErrDeadLineExceeded
		}
	}

	return nn, nil
}

func (c *conn) checkOK(d *chanDeadLine) error {
	switch {
	case isClosed(c.closed):
		return transport.ErrConnClosed
	case isClosed(c.counterpart.closed):
		return transport.ErrConnClosed
	case isClosed(d.wait()):
		return transport.ErrDeadLineExceeded
	}
	return nil
}

func (c *conn) SetReadDeadLine(t time.Time)  { c.rdeadLine.set(t) }
func (c *conn) SetWriteDeadLine(t time.Time) { c.wdeadLine.set(t) }

type chanDeadLine struct {
	clock clock.Clock

	t *clock.Timer
	m sync.Mutex

	exceeded chan struct{}
}

func newChanDeadLine(clock clock.Clock) *chanDeadLine {
	return &chanDeadLine{
		clock:    clock,
		exceeded: make(chan struct{}),
	}
}

func (d *chanDeadLine) set(t time.Time) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t != nil {
		d.t.Stop()
	}
	d.t = nil

	if isClosed(d.exceeded) {
		d.exceeded = make(chan struct{})
	}

	if t.IsZero() {
		// zero value means no limit.
		return
	}

	if d.clock.Until(t) <= 0 {
		close(d.exceeded)
		return
	}

	exceeded := d.exceeded
	d.t = d.clock.AfterFunc(d.clock.Until(t), func() {
		close(exceeded)
	})
}

func (d *chanDeadLine) wait() <-chan struct{} {
	d.m.Lock()
	defer d.m.Unlock()
	return d.exceeded
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
