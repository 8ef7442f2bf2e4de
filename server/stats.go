package server

import "sync/atomic"

type Stats struct {
	Accepted  uint64 // connections dispatched to handlers.
	Transient uint64 // transient accept errors skipped.
	Failed    uint64 // handlers which returned an error or panicked.
	Active    int64  // handlers still running.
}

type stats struct {
	accepted  atomic.Uint64
	transient atomic.Uint64
	failed    atomic.Uint64
	active    atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Accepted:  s.accepted.Load(),
		Transient: s.transient.Load(),
		Failed:    s.failed.Load(),
		Active:    s.active.Load(),
	}
}
