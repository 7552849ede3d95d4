package rdx

import "sync/atomic"

type Clock interface {
	See(rev uint64)
	Tick() uint64
	Now() uint64
}

// LamportClock is a logical clock: every local tick exceeds any
// revision seen so far, local or remote.
type LamportClock struct {
	rev atomic.Uint64
}

func (lc *LamportClock) See(rev uint64) {
	for {
		cur := lc.rev.Load()
		if rev <= cur || lc.rev.CompareAndSwap(cur, rev) {
			return
		}
	}
}

func (lc *LamportClock) Tick() uint64 {
	return lc.rev.Add(1)
}

func (lc *LamportClock) Now() uint64 {
	return lc.rev.Load()
}

// Time is the LWW ordering key of an op: Lamport revision first,
// replica id breaks ties.
type Time struct {
	Rev uint64
	Src uint64
}

func (t Time) Compare(other Time) int {
	switch {
	case t.Rev < other.Rev:
		return -1
	case t.Rev > other.Rev:
		return 1
	case t.Src < other.Src:
		return -1
	case t.Src > other.Src:
		return 1
	}
	return 0
}

func (t Time) After(other Time) bool {
	return t.Compare(other) > 0
}
