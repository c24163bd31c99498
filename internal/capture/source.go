// Package capture provides the frame sources feeding the pipeline.
//
// Philosophy: "Drop frames, never queue."
//
// Every source implements Source with the same delivery contract:
//   - Start() returns once the device is acquired (or acquisition failed)
//   - onFrame is called from ONE delivery goroutine, never concurrently
//   - Frames are pushed into a capacity-1 channel; when full the new frame is
//     dropped and counted
//   - Start() while started and Stop() while stopped are no-ops
//
// Implementations:
//   - GstCamera: GStreamer capture (v4l2src by default) with reconnection
//   - SyntheticSource: generated test pattern at a fixed FPS
//   - DirectorySource: replays PNG/JPEG/BMP/TIFF/WebP files at a fixed FPS
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// stopTimeout bounds how long Stop waits for source goroutines.
const stopTimeout = 3 * time.Second

// errNoCallback is returned by Start when onFrame is nil.
var errNoCallback = errors.New("capture: onFrame callback is required")

// Source is a camera-like frame producer.
type Source interface {
	// Start acquires the device and begins delivering frames to onFrame.
	// An acquisition failure is returned as types.CameraUnavailable and the
	// source stays stopped.
	Start(ctx context.Context, onFrame func(*types.Frame)) error

	// Stop releases the device. Idempotent.
	Stop() error

	// Stats is safe to call from any goroutine.
	Stats() Stats
}

// FailureNotifier is implemented by sources that can fail for good after a
// successful Start, e.g. a camera that exhausted its reconnection attempts.
type FailureNotifier interface {
	// NotifyFailure registers fn. It is called at most once per run, from a
	// source goroutine, after the source has stopped producing frames.
	NotifyFailure(fn func(err error))
}

// Stats contains current source statistics.
type Stats struct {
	// Source names the implementation ("gstreamer", "synthetic", "directory").
	Source string
	// Running is true between a successful Start and Stop, unless the source
	// failed or a non-looping replay finished in between.
	Running bool
	// FramesCaptured counts frames produced by the device.
	FramesCaptured uint64
	// FramesDelivered counts frames handed to onFrame.
	FramesDelivered uint64
	// FramesDropped counts frames dropped because the delivery slot was full.
	FramesDropped uint64
	// DropRate is the percentage of captured frames dropped (0-100).
	DropRate float64
	// Resolution is "WxH" of delivered frames.
	Resolution string
	// FPS is measured over the most recent frames.
	FPS FPSStats
	// LastFrameAt is the capture time of the newest frame.
	LastFrameAt time.Time
	// Reconnects counts device re-acquisition attempts (GstCamera only).
	Reconnects uint32
	// Errors counts device errors by category (GstCamera only).
	Errors map[string]uint64
}

// delivery owns the capacity-1 frame channel and the goroutine draining it
// into onFrame.
//
// Goroutine topology:
//   - 1 delivery goroutine (runs until ctx is cancelled)
//
// offer() is called by the producing side (GStreamer streaming thread or a
// ticker goroutine) and never blocks.
type delivery struct {
	frames  chan *types.Frame
	onFrame func(*types.Frame)
	logger  *slog.Logger

	captured  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	rate *rateWindow
	done chan struct{}
}

func startDelivery(ctx context.Context, onFrame func(*types.Frame), logger *slog.Logger) *delivery {
	d := &delivery{
		frames:  make(chan *types.Frame, 1),
		onFrame: onFrame,
		logger:  logger,
		rate:    newRateWindow(rateWindowSize),
		done:    make(chan struct{}),
	}
	go d.loop(ctx)
	return d
}

func (d *delivery) loop(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-d.frames:
			d.onFrame(frame)
			d.delivered.Add(1)
		}
	}
}

// offer hands a frame to the delivery goroutine without blocking.
// Returns false if the frame was dropped.
func (d *delivery) offer(frame *types.Frame) bool {
	d.captured.Add(1)
	d.rate.add(frame.Timestamp)

	select {
	case d.frames <- frame:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Debug("capture: dropping frame, delivery busy",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
		return false
	}
}

// wait blocks until the delivery goroutine has exited or the timeout passes.
func (d *delivery) wait(timeout time.Duration) bool {
	select {
	case <-d.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// fill copies the delivery counters into s.
func (d *delivery) fill(s *Stats) {
	s.FramesCaptured = d.captured.Load()
	s.FramesDelivered = d.delivered.Load()
	s.FramesDropped = d.dropped.Load()
	if s.FramesCaptured > 0 {
		s.DropRate = float64(s.FramesDropped) / float64(s.FramesCaptured) * 100.0
	}
	s.FPS, s.LastFrameAt = d.rate.stats()
}

// lifecycle is the start/stop bookkeeping shared by the simple sources.
type lifecycle struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	deliv   *delivery
	started time.Time

	// finished is set by the producer when it ran out of frames. The source
	// stays started until Stop.
	finished atomic.Bool
}

func (l *lifecycle) running() bool {
	return l.cancel != nil
}

// producing reports whether frames are still being generated.
func (l *lifecycle) producing() bool {
	return l.cancel != nil && !l.finished.Load()
}

// stopLocked cancels the source goroutines and waits for them.
// Caller holds l.mu.
func (l *lifecycle) stopLocked(logger *slog.Logger, name string) {
	if l.cancel == nil {
		return
	}
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		logger.Warn("capture: stop timeout exceeded, producer may still be running", "source", name)
	}
	if l.deliv != nil && !l.deliv.wait(stopTimeout) {
		logger.Warn("capture: stop timeout exceeded, delivery still running", "source", name)
	}

	logger.Info("capture: source stopped",
		"source", name,
		"uptime", time.Since(l.started),
	)
	l.cancel = nil
}
