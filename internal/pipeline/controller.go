// Package pipeline wires a frame source through the throttler into the
// single-flight inference engine and owns the pipeline lifecycle.
//
// Data flow:
//
//	Source (delivery goroutine) → paused? → Throttler.Admit → Engine.Submit
//	Engine (classification goroutine) → resultslot.Slot → readers
//
// The delivery goroutine never blocks: a paused pipeline, a throttled frame
// and a busy engine all drop the frame.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wind-Explorer/FontFinder/internal/capture"
	"github.com/Wind-Explorer/FontFinder/internal/inference"
	"github.com/Wind-Explorer/FontFinder/internal/resultslot"
	"github.com/Wind-Explorer/FontFinder/internal/throttle"
	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// Config wires a Controller. Source and Classifier are required.
type Config struct {
	Source     capture.Source
	Classifier inference.Classifier

	// Authorizer defaults to capture.AlwaysGranted.
	Authorizer capture.Authorizer
	// Results defaults to a new slot.
	Results *resultslot.Slot

	// MinInterval between admitted frames (default throttle.DefaultInterval).
	MinInterval time.Duration
	// ClassifyTimeout bounds one classification. Zero disables it.
	ClassifyTimeout time.Duration

	// Clock timestamps frames for throttling (default time.Now).
	Clock  func() time.Time
	Logger *slog.Logger
}

// Controller orchestrates source, throttler, engine and result slot.
//
// Goroutine topology:
//   - onFrame runs on the source's delivery goroutine
//   - 1 short-lived goroutine per terminal source failure (teardown)
//
// Thread-safety: Start, Stop and Shutdown serialize on mu. SetPaused, State
// and Status are lock-free and safe to call from the delivery goroutine or
// any presentation reader.
type Controller struct {
	source     capture.Source
	authorizer capture.Authorizer
	throttler  *throttle.Throttler
	engine     *inference.Engine
	results    *resultslot.Slot
	now        func() time.Time
	logger     *slog.Logger

	mu          sync.Mutex
	permChecked bool
	permission  capture.Permission
	permLabel   atomic.Value // string, set once permission is cached

	phase     atomic.Int32  // State, never StatePaused
	runGen    atomic.Uint64 // bumped on every successful Start
	paused    atomic.Bool
	startedAt atomic.Value // time.Time

	framesReceived atomic.Uint64
	framesPaused   atomic.Uint64
}

// New builds a Controller in the Stopped state.
func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: source is required")
	}
	if cfg.Classifier == nil {
		return nil, errors.New("pipeline: classifier is required")
	}
	if cfg.MinInterval < 0 {
		return nil, fmt.Errorf("pipeline: invalid min interval %v", cfg.MinInterval)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = capture.AlwaysGranted{}
	}
	results := cfg.Results
	if results == nil {
		results = resultslot.New()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	engine, err := inference.NewEngine(cfg.Classifier, results, inference.Config{
		ClassifyTimeout: cfg.ClassifyTimeout,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	c := &Controller{
		source:     cfg.Source,
		authorizer: authorizer,
		throttler:  throttle.New(cfg.MinInterval),
		engine:     engine,
		results:    results,
		now:        clock,
		logger:     logger,
	}
	c.phase.Store(int32(StateStopped))
	c.startedAt.Store(time.Time{})

	if n, ok := cfg.Source.(capture.FailureNotifier); ok {
		n.NotifyFailure(c.onSourceFailure)
	}
	return c, nil
}

// Start moves Stopped → Starting → Running.
//
// Startup sequence:
//  1. Camera permission (asked once, the answer is cached)
//  2. Model load
//  3. Throttler reset
//  4. Source start with onFrame
//
// Any failure is published to the result slot, returned, and leaves the
// controller Stopped. Calling Start while not Stopped is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.phase.Load()) != StateStopped {
		return nil
	}
	c.phase.Store(int32(StateStarting))

	if perr := c.startLocked(ctx); perr != nil {
		c.phase.Store(int32(StateStopped))
		c.results.Publish(types.ErrorOutcome(perr))
		c.logger.Error("pipeline: start failed", "kind", perr.Kind.String(), "error", perr)
		return perr
	}

	c.startedAt.Store(time.Now())
	c.runGen.Add(1)
	c.phase.Store(int32(StateRunning))
	c.logger.Info("pipeline: running",
		"min_interval", c.throttler.Interval(),
		"paused", c.paused.Load(),
	)
	return nil
}

func (c *Controller) startLocked(ctx context.Context) *types.PipelineError {
	if !c.permChecked {
		p, err := c.authorizer.RequestPermission(ctx)
		if err != nil {
			// Not cached: the device may appear later.
			return types.CameraUnavailable(err)
		}
		c.permission = p
		c.permChecked = true
		c.permLabel.Store(p.String())
		c.logger.Info("pipeline: camera permission", "permission", p.String())
	}
	if c.permission != capture.PermissionGranted {
		return types.PermissionDenied()
	}

	if err := c.engine.Load(ctx); err != nil {
		return asPipelineError(err, types.ModelLoadFailed)
	}

	c.throttler.Reset()

	if err := c.source.Start(ctx, c.onFrame); err != nil {
		return asPipelineError(err, types.CameraUnavailable)
	}
	return nil
}

// asPipelineError keeps a typed error from a collaborator or wraps err.
func asPipelineError(err error, wrap func(error) *types.PipelineError) *types.PipelineError {
	var perr *types.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	return wrap(err)
}

// onFrame runs on the source's delivery goroutine.
func (c *Controller) onFrame(frame *types.Frame) {
	c.framesReceived.Add(1)

	if c.paused.Load() {
		c.framesPaused.Add(1)
		return
	}
	if admitted := c.throttler.Admit(frame, c.now()); admitted != nil {
		c.engine.Submit(admitted)
	}
}

// onSourceFailure is called by the source when it gives up after a
// successful Start. Teardown runs on its own goroutine because the source's
// Stop waits for the goroutine reporting the failure.
func (c *Controller) onSourceFailure(err error) {
	gen := c.runGen.Load()
	go c.handleSourceFailure(gen, err)
}

// handleSourceFailure stops the run identified by gen and publishes
// CameraUnavailable. A failure from an earlier run is ignored.
func (c *Controller) handleSourceFailure(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runGen.Load() != gen || State(c.phase.Load()) != StateRunning {
		c.logger.Debug("pipeline: ignoring stale source failure", "error", err)
		return
	}
	c.phase.Store(int32(StateStopping))

	if serr := c.source.Stop(); serr != nil {
		c.logger.Warn("pipeline: source stop failed", "error", serr)
	}
	c.throttler.Reset()
	c.engine.Reset()
	c.phase.Store(int32(StateStopped))

	perr := asPipelineError(err, types.CameraUnavailable)
	c.results.Publish(types.ErrorOutcome(perr))
	c.logger.Error("pipeline: source failed, pipeline stopped",
		"kind", perr.Kind.String(),
		"error", err,
		"uptime", time.Since(c.startedAtTime()),
	)
}

// Stop tears down the source and resets throttler and engine statistics.
// A classification already in flight still completes and publishes.
// Calling Stop while Stopped is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.phase.Load()) == StateStopped {
		return nil
	}
	c.phase.Store(int32(StateStopping))

	err := c.source.Stop()

	c.throttler.Reset()
	c.engine.Reset()
	c.phase.Store(int32(StateStopped))

	if err != nil {
		c.logger.Warn("pipeline: source stop failed", "error", err)
		return fmt.Errorf("pipeline: failed to stop source: %w", err)
	}
	c.logger.Info("pipeline: stopped", "uptime", time.Since(c.startedAtTime()))
	return nil
}

// Shutdown stops the pipeline and waits for an in-flight classification
// to publish, or for ctx to be done.
func (c *Controller) Shutdown(ctx context.Context) error {
	stopErr := c.Stop()
	if err := c.engine.Wait(ctx); err != nil {
		return fmt.Errorf("pipeline: in-flight classification did not finish: %w", err)
	}
	return stopErr
}

// SetPaused gates the downstream pipeline. The source keeps running so
// resuming is immediate. Frames delivered while paused are dropped.
func (c *Controller) SetPaused(paused bool) {
	if c.paused.Swap(paused) != paused {
		c.logger.Info("pipeline: pause changed", "paused", paused)
	}
}

// Paused reports the pause flag.
func (c *Controller) Paused() bool {
	return c.paused.Load()
}

// SetMinInterval changes the throttling interval on the fly.
func (c *Controller) SetMinInterval(d time.Duration) error {
	if err := c.throttler.SetInterval(d); err != nil {
		return err
	}
	c.logger.Info("pipeline: min interval changed", "min_interval", d)
	return nil
}

// State returns the lifecycle state. Running with the pause flag set is
// reported as StatePaused.
func (c *Controller) State() State {
	s := State(c.phase.Load())
	if s == StateRunning && c.paused.Load() {
		return StatePaused
	}
	return s
}

// Results returns the slot every outcome is published to.
func (c *Controller) Results() *resultslot.Slot {
	return c.results
}

// Current returns the latest outcome, if any.
func (c *Controller) Current() (types.Outcome, bool) {
	return c.results.Current()
}

func (c *Controller) startedAtTime() time.Time {
	t, _ := c.startedAt.Load().(time.Time)
	return t
}
