// Package inference runs the font classifier under a single-flight policy.
//
// Philosophy: "A stale frame queued behind a running inference is worthless."
//
// Design:
//   - Non-blocking Submit(): starts work on its own goroutine or drops the frame
//   - At most one classification in flight (atomic compare-and-swap guard)
//   - Outcome published to a last-write-wins slot, never returned to the caller
//   - No cooperative cancellation: a started classification runs to completion
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// Config tunes an Engine.
type Config struct {
	// ClassifyTimeout bounds a single classification. Zero disables the bound.
	ClassifyTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine wraps a Classifier with the single-flight guard.
//
// Goroutine topology:
//   - 0 fixed goroutines
//   - 0-1 transient: one classification goroutine per accepted Submit
//
// Thread-safety: all methods safe for concurrent use.
type Engine struct {
	classifier Classifier
	results    Publisher
	timeout    time.Duration
	logger     *slog.Logger

	// inFlight is the single-flight guard.
	// Transition false→true only via CompareAndSwap in Submit,
	// true→false exactly once at the end of run().
	inFlight atomic.Bool

	jobMu sync.Mutex
	job   chan struct{} // closed when the current classification finishes

	loadMu sync.Mutex
	loaded bool

	// --- Operational Stats ---
	// statsMu orders finished-classification accounting against Reset.
	// A classification submitted before the last Reset is not counted.
	statsMu        sync.Mutex
	epoch          uint64
	submitted      atomic.Uint64
	ignored        atomic.Uint64
	completed      atomic.Uint64
	failed         atomic.Uint64
	totalLatencyNS atomic.Uint64
	lastLatencyNS  atomic.Int64
	lastSeenAt     atomic.Value // time.Time
}

// NewEngine creates an engine that publishes every outcome to results.
func NewEngine(classifier Classifier, results Publisher, cfg Config) (*Engine, error) {
	if classifier == nil {
		return nil, errors.New("inference: classifier is required")
	}
	if results == nil {
		return nil, errors.New("inference: result publisher is required")
	}
	if cfg.ClassifyTimeout < 0 {
		return nil, fmt.Errorf("inference: invalid classify timeout %v", cfg.ClassifyTimeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		classifier: classifier,
		results:    results,
		timeout:    cfg.ClassifyTimeout,
		logger:     logger,
	}
	e.lastSeenAt.Store(time.Time{})
	return e, nil
}

// Load prepares the classifier if it implements Loader. A failure is
// returned as types.ModelLoadFailed; a later Load may retry.
func (e *Engine) Load(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	if e.loaded {
		return nil
	}
	if loader, ok := e.classifier.(Loader); ok {
		start := time.Now()
		if err := loader.Load(ctx); err != nil {
			e.logger.Error("inference: model load failed", "error", err)
			return types.ModelLoadFailed(err)
		}
		e.logger.Info("inference: model loaded", "duration", time.Since(start))
	}
	e.loaded = true
	return nil
}

// Submit hands a frame to the classifier without blocking.
//
// Algorithm:
//  1. CompareAndSwap inFlight false→true (lose: count as ignored, return false)
//  2. Spawn the classification goroutine
//  3. Return true immediately
//
// Frames arriving while a classification runs are dropped, never queued.
func (e *Engine) Submit(frame *types.Frame) bool {
	if frame == nil {
		return false
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		e.ignored.Add(1)
		e.logger.Debug("inference: busy, frame ignored", "seq", frame.Seq, "trace_id", frame.TraceID)
		return false
	}
	e.statsMu.Lock()
	epoch := e.epoch
	e.submitted.Add(1)
	e.statsMu.Unlock()

	done := make(chan struct{})
	e.jobMu.Lock()
	e.job = done
	e.jobMu.Unlock()

	go e.run(frame, epoch, done)
	return true
}

// run classifies one frame, publishes the outcome and only then releases
// the guard. Publishing before the release means no later classification can
// complete first, so completion order equals submission order.
func (e *Engine) run(frame *types.Frame, epoch uint64, done chan struct{}) {
	defer close(done)
	defer e.inFlight.Store(false)

	start := time.Now()
	result, err := e.classify(frame)
	latency := time.Since(start)

	outcome := types.Outcome{
		FrameSeq:    frame.Seq,
		TraceID:     frame.TraceID,
		CompletedAt: time.Now(),
		Latency:     latency,
	}

	if err != nil {
		outcome.Err = types.InferenceFailed(err)
		e.logger.Warn("inference: classification failed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"latency", latency,
			"error", err,
		)
	} else {
		outcome.Result = result
		e.logger.Debug("inference: classification completed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"label", result.Label,
			"confidence", result.Confidence,
			"latency", latency,
		)
	}

	e.statsMu.Lock()
	if epoch == e.epoch {
		if err != nil {
			e.failed.Add(1)
		} else {
			e.completed.Add(1)
		}
		e.totalLatencyNS.Add(uint64(latency))
		e.lastLatencyNS.Store(int64(latency))
	}
	e.statsMu.Unlock()
	e.lastSeenAt.Store(outcome.CompletedAt)

	e.results.Publish(outcome)
}

// classify calls the classifier with the optional timeout, converting a
// panic into an error so the guard is still released.
func (e *Engine) classify(frame *types.Frame) (result types.ClassificationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inference: classifier panic: %v", r)
		}
	}()

	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.classifier.Classify(ctx, frame)
}

// InFlight reports whether a classification is running.
func (e *Engine) InFlight() bool {
	return e.inFlight.Load()
}

// Wait blocks until the classification running at call time finishes, or
// ctx is done. Returns immediately if nothing is in flight.
func (e *Engine) Wait(ctx context.Context) error {
	e.jobMu.Lock()
	done := e.job
	e.jobMu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the statistics. The in-flight guard is left alone: a running
// classification still completes, publishes and releases it, but is not
// counted in the new statistics.
func (e *Engine) Reset() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.epoch++
	e.submitted.Store(0)
	e.ignored.Store(0)
	e.completed.Store(0)
	e.failed.Store(0)
	e.totalLatencyNS.Store(0)
	e.lastLatencyNS.Store(0)
}
