package fetchlib

import (
	"testing"
	"time"
)

// fakeClock steps a tracker's notion of time manually.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(onFlush FlushFunc) (*ProgressTracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	p := NewProgressTracker(time.Second, onFlush)
	p.setClock(clock.now)
	return p, clock
}

func TestProgressTrackerThrottle(t *testing.T) {
	var flushes []ProgressSnapshot
	p, clock := newTestTracker(func(s ProgressSnapshot) {
		flushes = append(flushes, s)
	})

	// Rapid updates within one second produce no flush.
	for i := int64(1); i <= 5; i++ {
		p.Update(i*100, 10000)
		clock.advance(100 * time.Millisecond)
	}
	if len(flushes) != 0 {
		t.Fatalf("got %d flushes within the interval, want 0", len(flushes))
	}

	clock.advance(time.Second)
	p.Update(2000, 10000)
	if len(flushes) != 1 {
		t.Fatalf("got %d flushes after the interval, want 1", len(flushes))
	}
	if flushes[0].Percent != 20 {
		t.Errorf("percent = %d, want 20", flushes[0].Percent)
	}
}

func TestProgressTrackerTerminalAlwaysFlushes(t *testing.T) {
	var flushes int
	p, _ := newTestTracker(func(ProgressSnapshot) { flushes++ })

	p.Update(500, 1000)
	p.Update(1000, 1000) // terminal, inside the throttle window
	if flushes != 1 {
		t.Fatalf("terminal update must flush, got %d flushes", flushes)
	}
	if snap := p.Snapshot(); snap.Percent != 100 {
		t.Errorf("percent = %d, want 100", snap.Percent)
	}
}

func TestProgressTrackerMonotonic(t *testing.T) {
	p, clock := newTestTracker(nil)
	p.Update(800, 1000)
	clock.advance(2 * time.Second)
	p.Update(300, 1000) // regression, ignored
	if snap := p.Snapshot(); snap.Current != 800 {
		t.Errorf("current = %d, regressions must be ignored", snap.Current)
	}
}

func TestProgressTrackerSpeedAndETA(t *testing.T) {
	var last ProgressSnapshot
	p, clock := newTestTracker(func(s ProgressSnapshot) { last = s })

	p.Update(0, 10000)
	clock.advance(2 * time.Second)
	p.Update(4000, 10000)

	if last.Speed != 2000 {
		t.Errorf("speed = %d B/s, want 2000", last.Speed)
	}
	if want := 3 * time.Second; last.ETA != want {
		t.Errorf("eta = %v, want %v", last.ETA, want)
	}
}

func TestProgressTrackerZeroSpeedNoETA(t *testing.T) {
	var last ProgressSnapshot
	p, clock := newTestTracker(func(s ProgressSnapshot) { last = s })

	p.Update(100, 1000)
	clock.advance(2 * time.Second)
	p.Update(100, 1000)
	clock.advance(2 * time.Second)
	p.Update(100, 1000) // stalled: no bytes since the previous flush
	if last.Speed != 0 {
		t.Errorf("speed = %d B/s for a stalled transfer, want 0", last.Speed)
	}
	if last.ETA != 0 {
		t.Errorf("eta = %v with zero speed, want 0", last.ETA)
	}
}

func TestProgressTrackerStampsStart(t *testing.T) {
	p, clock := newTestTracker(nil)
	start := clock.t
	p.Update(1, 100)
	if snap := p.Snapshot(); !snap.StartedAt.Equal(start) {
		t.Errorf("startedAt = %v, want %v", snap.StartedAt, start)
	}
}
