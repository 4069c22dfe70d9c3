package fetchlib

import (
	"sync"
	"time"
)

// DefaultFlushInterval is the minimum gap between persisted progress
// snapshots of one job.
const DefaultFlushInterval = time.Second

// ProgressSnapshot is one throttled observation of an in-flight transfer.
type ProgressSnapshot struct {
	Current int64
	Total   int64
	Percent int
	// Speed is in bytes per second, averaged since the previous flush.
	Speed int64
	// ETA is the remaining transfer estimate; zero when Speed is zero.
	ETA       time.Duration
	StartedAt time.Time
}

// FlushFunc receives throttled snapshots for persistence and notification.
type FlushFunc func(ProgressSnapshot)

// ProgressTracker computes throttled progress, speed and ETA for one job.
// All mutation goes through Update; callbacks never capture outer state.
type ProgressTracker struct {
	mu       sync.Mutex
	interval time.Duration
	onFlush  FlushFunc
	now      func() time.Time

	startedAt time.Time
	lastFlush time.Time
	lastBytes int64
	current   int64
	total     int64
	speed     int64
	eta       time.Duration
}

// NewProgressTracker creates a tracker flushing at most once per interval.
// A zero interval selects DefaultFlushInterval. onFlush may be nil.
func NewProgressTracker(interval time.Duration, onFlush FlushFunc) *ProgressTracker {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &ProgressTracker{
		interval: interval,
		onFlush:  onFlush,
		now:      time.Now,
	}
}

// Update records a progress observation. The first call stamps StartedAt.
// Flushes are throttled to one per interval, except the terminal call
// (current == total) which always flushes. Regressing byte counts are
// ignored so reported progress stays monotonic.
func (p *ProgressTracker) Update(current, total int64) {
	p.mu.Lock()
	now := p.now()
	if p.startedAt.IsZero() {
		p.startedAt = now
		p.lastFlush = now
	}
	if current < p.current {
		p.mu.Unlock()
		return
	}
	p.current = current
	p.total = total

	terminal := total > 0 && current >= total
	if !terminal && now.Sub(p.lastFlush) < p.interval {
		p.mu.Unlock()
		return
	}

	elapsed := now.Sub(p.lastFlush)
	if elapsed > 0 {
		p.speed = int64(float64(current-p.lastBytes) / elapsed.Seconds())
	}
	if p.speed > 0 {
		remaining := total - current
		if remaining < 0 {
			remaining = 0
		}
		p.eta = time.Duration(remaining/p.speed) * time.Second
	} else {
		p.eta = 0
	}
	p.lastFlush = now
	p.lastBytes = current
	snap := p.snapshotLocked()
	onFlush := p.onFlush
	p.mu.Unlock()

	if onFlush != nil {
		onFlush(snap)
	}
}

// Snapshot returns the most recent progress state.
func (p *ProgressTracker) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *ProgressTracker) snapshotLocked() ProgressSnapshot {
	var percent int
	if p.total > 0 {
		percent = int(p.current * 100 / p.total)
		if percent > 100 {
			percent = 100
		}
	}
	return ProgressSnapshot{
		Current:   p.current,
		Total:     p.total,
		Percent:   percent,
		Speed:     p.speed,
		ETA:       p.eta,
		StartedAt: p.startedAt,
	}
}

// setClock overrides the time source, used by tests.
func (p *ProgressTracker) setClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}
