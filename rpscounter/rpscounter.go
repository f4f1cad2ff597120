// Package rpscounter aggregates completion events into the three sliding
// window gauges callbacks see on their Context: instantaneous average,
// last-1-second count, and last-10-second count.
//
// The sliding-window bookkeeping is adapted from the teacher's
// middleware/ratelimit.go slidingWindow, which scans a per-key token slice
// to expire entries older than a window. Here there is one process-wide
// window (not one per rate-limit key), and it counts completions flowing
// in rather than gating requests flowing out.
package rpscounter

import (
	"sync"
	"time"
)

// Counter maintains the RPS gauges from a stream of completion events.
type Counter struct {
	mu sync.Mutex

	start   time.Time
	total   int64
	window1 []time.Time // completions in the last second
	window9 []time.Time // completions aged 1s-10s

	totalErr int64

	now func() time.Time
}

// New creates a Counter. start is recorded immediately.
func New() *Counter {
	return &Counter{start: time.Now(), now: time.Now}
}

// newWithClock is used by tests that need deterministic timestamps.
func newWithClock(now func() time.Time) *Counter {
	return &Counter{start: now(), now: now}
}

// RecordCompletion registers one completion (Response or Error) at the
// current time and updates the gauges.
func (c *Counter) RecordCompletion(isError bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	if isError {
		c.totalErr++
	}
	c.window1 = append(c.window1, now)

	c.migrate(now)
}

// migrate moves entries older than 1s from window1 to window9, then drops
// entries older than 10s from window9. Caller must hold c.mu.
func (c *Counter) migrate(now time.Time) {
	cut1 := now.Add(-1 * time.Second)
	i := 0
	for i < len(c.window1) && c.window1[i].Before(cut1) {
		i++
	}
	if i > 0 {
		c.window9 = append(c.window9, c.window1[:i]...)
		c.window1 = append([]time.Time(nil), c.window1[i:]...)
	}

	cut10 := now.Add(-10 * time.Second)
	j := 0
	for j < len(c.window9) && c.window9[j].Before(cut10) {
		j++
	}
	if j > 0 {
		c.window9 = append([]time.Time(nil), c.window9[j:]...)
	}
}

// Gauges is a point-in-time snapshot of the three RPS gauges.
type Gauges struct {
	RPS   float64
	RPS1  int
	RPS10 int
}

// Snapshot reads the current gauges. Safe for concurrent use; readers may
// observe slightly stale values relative to an in-flight RecordCompletion.
func (c *Counter) Snapshot() Gauges {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.migrate(now)

	elapsed := now.Sub(c.start).Seconds()
	var rps float64
	if elapsed > 0 {
		rps = float64(c.total) / elapsed
	}

	return Gauges{
		RPS:   rps,
		RPS1:  len(c.window1),
		RPS10: len(c.window1) + len(c.window9),
	}
}

// Total returns the cumulative completion count.
func (c *Counter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// TotalErrors returns the cumulative error completion count.
func (c *Counter) TotalErrors() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalErr
}
