package rpscounter

import (
	"testing"
	"time"
)

// TestSlidingWindowMigration exercises the internal migrate step with a
// fake clock so the 1s/10s boundaries are deterministic.
func TestSlidingWindowMigration(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := base
	clock := func() time.Time { return cur }

	c := newWithClock(clock)

	for i := 0; i < 5; i++ {
		c.RecordCompletion(false)
	}

	cur = base.Add(1500 * time.Millisecond)
	c.RecordCompletion(false)

	g := c.Snapshot()
	if g.RPS1 != 1 {
		t.Fatalf("expected RPS1=1 after migration, got %d", g.RPS1)
	}
	if g.RPS10 != 6 {
		t.Fatalf("expected RPS10=6, got %d", g.RPS10)
	}

	// At 11s the five events at 0s are older than 10s and drop out; the
	// event at 1.5s is 9.5s old and still counts.
	cur = base.Add(11 * time.Second)
	g = c.Snapshot()
	if g.RPS10 != 1 {
		t.Fatalf("expected RPS10=1 after 11s, got %d", g.RPS10)
	}
}
