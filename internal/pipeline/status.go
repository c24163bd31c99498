package pipeline

import (
	"time"

	"github.com/Wind-Explorer/FontFinder/internal/capture"
	"github.com/Wind-Explorer/FontFinder/internal/inference"
	"github.com/Wind-Explorer/FontFinder/internal/throttle"
)

// State is the controller lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the whole pipeline.
type Status struct {
	State    State
	Paused   bool
	InFlight bool

	// Permission is "granted", "denied" or "unknown" before the first Start.
	Permission string

	StartedAt time.Time // zero until the first successful Start
	Uptime    time.Duration

	// FramesReceived counts frames delivered by the source, FramesPaused the
	// subset dropped because the pipeline was paused.
	FramesReceived uint64
	FramesPaused   uint64

	LastAdmittedAt time.Time
	ResultVersion  uint64

	Throttle throttle.Stats
	Engine   inference.Stats
	Source   capture.Stats
}

// Status collects a snapshot without blocking the pipeline.
func (c *Controller) Status() Status {
	state := c.State()
	ts := c.throttler.Stats()

	st := Status{
		State:          state,
		Paused:         c.paused.Load(),
		InFlight:       c.engine.InFlight(),
		Permission:     c.permissionString(),
		StartedAt:      c.startedAtTime(),
		FramesReceived: c.framesReceived.Load(),
		FramesPaused:   c.framesPaused.Load(),
		LastAdmittedAt: ts.LastAdmittedAt,
		ResultVersion:  c.results.Version(),
		Throttle:       ts,
		Engine:         c.engine.Stats(),
		Source:         c.source.Stats(),
	}
	if state == StateRunning || state == StatePaused {
		st.Uptime = time.Since(st.StartedAt)
	}
	return st
}

func (c *Controller) permissionString() string {
	if p, ok := c.permLabel.Load().(string); ok {
		return p
	}
	return "unknown"
}
