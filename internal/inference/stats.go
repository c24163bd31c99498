package inference

import "time"

// Stats is a snapshot of engine counters.
type Stats struct {
	// Submitted counts classifications started.
	Submitted uint64
	// Ignored counts frames dropped because a classification was in flight.
	Ignored uint64
	// Completed and Failed count finished classifications by outcome.
	Completed uint64
	Failed    uint64

	InFlight bool

	AvgLatency  time.Duration
	LastLatency time.Duration
	LastSeenAt  time.Time
}

// Stats returns a snapshot of the counters (non-blocking, may be slightly
// stale while a classification finishes).
func (e *Engine) Stats() Stats {
	completed := e.completed.Load()
	failed := e.failed.Load()

	var avg time.Duration
	if finished := completed + failed; finished > 0 {
		avg = time.Duration(e.totalLatencyNS.Load() / finished)
	}

	lastSeen, _ := e.lastSeenAt.Load().(time.Time)

	return Stats{
		Submitted:   e.submitted.Load(),
		Ignored:     e.ignored.Load(),
		Completed:   completed,
		Failed:      failed,
		InFlight:    e.inFlight.Load(),
		AvgLatency:  avg,
		LastLatency: time.Duration(e.lastLatencyNS.Load()),
		LastSeenAt:  lastSeen,
	}
}
