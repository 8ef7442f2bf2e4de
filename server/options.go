package server

import (
	"time"

	"server-scaffold/transport/tcp"
)

type Options struct {
	// MaxHandlers bounds the number of live handlers. Zero means unbounded.
	// When the bound is reached, the loop waits for a handler to finish before accepting.
	MaxHandlers uint

	TransientBackoff BackoffOptions

	// Listen is only used by [Run].
	Listen tcp.ListenOptions
	// WaitHandlers makes [Run] wait for running handlers before it returns.
	WaitHandlers bool
}

// BackoffOptions controls the pause after a transient accept error.
// The pause starts at Initial and doubles on each consecutive error, up to Max.
// A zero Initial retries immediately.
type BackoffOptions struct {
	Initial time.Duration
	Max     time.Duration
}

func (o BackoffOptions) next(prev time.Duration) time.Duration {
	if o.Initial <= 0 {
		return 0
	}

	d := o.Initial
	if prev > 0 {
		d = prev * 2
	}
	if o.Max > 0 && d > o.Max {
		d = o.Max
	}
	return d
}
