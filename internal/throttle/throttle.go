// Package throttle implements time-based admission control for frames.
//
// Philosophy: "Drop frames, never queue."
//
// A frame is admitted only if at least Interval has elapsed since the last
// admitted frame. Denied frames are discarded with no side effect: a stale
// video frame has no value, and queueing behind a slow classifier would only
// grow latency without bound.
package throttle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// DefaultInterval caps admissions at ~5 per second.
const DefaultInterval = 200 * time.Millisecond

// Stats is a snapshot of throttler counters.
type Stats struct {
	Admitted       uint64
	Throttled      uint64
	Interval       time.Duration
	LastAdmittedAt time.Time
}

// Throttler gatekeeps frames by elapsed wall-clock time.
//
// Thread-safety: Admit is called from the capture delivery goroutine;
// SetInterval, Reset and Stats may be called from any goroutine.
// lastAdmittedAt and interval are protected by mu.
type Throttler struct {
	mu             sync.Mutex
	interval       time.Duration
	lastAdmittedAt time.Time
	hasAdmitted    bool // false until the first admission after New/Reset

	admitted  atomic.Uint64
	throttled atomic.Uint64
}

// New creates a throttler. A non-positive interval selects DefaultInterval.
func New(interval time.Duration) *Throttler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttler{interval: interval}
}

// Admit returns frame if now is at least Interval after the last admitted
// frame (or if nothing was admitted since Reset), recording now as the new
// admission time. Otherwise it returns nil and leaves state untouched.
//
// Selection is greedy: for timestamps t1 < t2 < ... it admits t1, then every
// ti with ti - lastAdmitted >= Interval.
func (t *Throttler) Admit(frame *types.Frame, now time.Time) *types.Frame {
	t.mu.Lock()
	if t.hasAdmitted && now.Sub(t.lastAdmittedAt) < t.interval {
		t.mu.Unlock()
		t.throttled.Add(1)
		return nil
	}
	t.lastAdmittedAt = now
	t.hasAdmitted = true
	t.mu.Unlock()

	t.admitted.Add(1)
	return frame
}

// Reset forgets the last admission so the next frame is admitted
// immediately. Counters are cleared as well.
func (t *Throttler) Reset() {
	t.mu.Lock()
	t.lastAdmittedAt = time.Time{}
	t.hasAdmitted = false
	t.mu.Unlock()

	t.admitted.Store(0)
	t.throttled.Store(0)
}

// SetInterval changes the minimum gap between admissions without a restart.
// The new interval applies to the next Admit call.
func (t *Throttler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("throttle: interval must be > 0, got %v", d)
	}
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()
	return nil
}

// Interval returns the current minimum gap between admissions.
func (t *Throttler) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// LastAdmittedAt returns the time of the last admission, zero if none.
func (t *Throttler) LastAdmittedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAdmittedAt
}

// Stats returns a snapshot of the counters.
func (t *Throttler) Stats() Stats {
	t.mu.Lock()
	interval, last := t.interval, t.lastAdmittedAt
	t.mu.Unlock()

	return Stats{
		Admitted:       t.admitted.Load(),
		Throttled:      t.throttled.Load(),
		Interval:       interval,
		LastAdmittedAt: last,
	}
}

// IntervalForRate converts a maximum inference rate in Hz into an interval.
func IntervalForRate(hz float64) (time.Duration, error) {
	if hz <= 0 || hz > 1000 {
		return 0, fmt.Errorf("throttle: invalid rate %.3f Hz (must be in (0, 1000])", hz)
	}
	return time.Duration(float64(time.Second) / hz), nil
}
