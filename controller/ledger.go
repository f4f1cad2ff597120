package controller

import "sync/atomic"

// Ledger tracks how many requests are outstanding anywhere in the engine:
// submitted or retried, but not yet completed. Every controller sharing one
// request queue shares one Ledger, because an item sitting in that shared
// queue isn't owned by any single controller until a ticket claims it — so
// "is there any more work left" can only be answered centrally, not by one
// controller's own local pending count. A nil *Ledger disables tracking,
// which is what a standalone Controller driven by an external ticket feed
// and an explicit Stop wants (see controller_test.go).
type Ledger struct {
	started     atomic.Bool
	outstanding atomic.Int64
}

// NewLedger returns an empty Ledger with no outstanding work recorded.
func NewLedger() *Ledger { return &Ledger{} }

// Submit records one more unit of outstanding work: a fresh submission or a
// retry.
func (l *Ledger) Submit() {
	if l == nil {
		return
	}
	l.started.Store(true)
	l.outstanding.Add(1)
}

// Abandon reverses a Submit that never reached the queue, e.g. the caller's
// context was canceled mid-send, or a retry found the queue full.
func (l *Ledger) Abandon() {
	if l == nil {
		return
	}
	l.outstanding.Add(-1)
}

// Complete records that one submission's full lifecycle — dispatch,
// round trip, and callback invocation, including any retry the callback
// triggered — has finished. Callers must call this after invoking
// callbacks, not before, so a retry's Submit is counted before the
// original completion's Complete: otherwise outstanding could transiently
// read zero while a retry is about to land, and a sibling controller
// polling Quiescent could exit out from under it.
func (l *Ledger) Complete() {
	if l == nil {
		return
	}
	l.outstanding.Add(-1)
}

// Quiescent reports whether every submission recorded so far has completed
// and the shared queue (reported length queueLen) holds nothing else. It
// reads false until at least one Submit has happened, so a controller
// racing to check quiescence before the engine's first submission never
// exits early.
func (l *Ledger) Quiescent(queueLen int) bool {
	if l == nil {
		return false
	}
	return l.started.Load() && l.outstanding.Load() == 0 && queueLen == 0
}
