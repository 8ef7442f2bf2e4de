package test

import (
	"context"
	"sync"
	"sync/atomic"

	"server-scaffold/transport"
)

// Step is one scripted result of [ScriptedListener.Accept].
type Step struct {
	Conn transport.Conn
	Err  error
}

type scriptAddr string

func (a scriptAddr) Network() string { return "script" }
func (a scriptAddr) String() string  { return string(a) }

// ScriptedListener is a fault double. Every Accept waits for the next step given to Feed.
type ScriptedListener struct {
	steps chan Step
	calls atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

var _ transport.ConnListener = (*ScriptedListener)(nil)

func NewScriptedListener() *ScriptedListener {
	return &ScriptedListener{
		steps:  make(chan Step),
		closed: make(chan struct{}),
	}
}

// Feed blocks until an Accept call consumes the steps, one by one.
// It reports false if the listener was closed first.
func (l *ScriptedListener) Feed(steps ...Step) bool {
	for _, step := range steps {
		select {
		case <-l.closed:
			return false
		case l.steps <- step:
		}
	}
	return true
}

// Calls is the number of Accept calls so far, including the pending one.
func (l *ScriptedListener) Calls() int64 { return l.calls.Load() }

func (l *ScriptedListener) Accept(ctx context.Context) (transport.Conn, error) {
	l.calls.Add(1)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, transport.NewFatalError(transport.ErrConnListenerClosed)
	case step := <-l.steps:
		return step.Conn, step.Err
	}
}

func (l *ScriptedListener) Addr() transport.Addr { return scriptAddr("scripted") }

func (l *ScriptedListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
