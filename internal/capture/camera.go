package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// CameraPosition selects which physical camera to open.
type CameraPosition int

const (
	PositionBack CameraPosition = iota
	PositionFront
)

func (p CameraPosition) String() string {
	if p == PositionFront {
		return "front"
	}
	return "back"
}

// ParseCameraPosition parses "front" or "back".
func ParseCameraPosition(s string) (CameraPosition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "back", "":
		return PositionBack, nil
	case "front":
		return PositionFront, nil
	default:
		return PositionBack, fmt.Errorf("capture: unknown camera position %q", s)
	}
}

// ResolutionPreset selects the capture resolution.
type ResolutionPreset int

const (
	PresetLow ResolutionPreset = iota
	PresetMedium
	PresetHigh
)

// Dimensions returns the width and height for the preset.
func (r ResolutionPreset) Dimensions() (width, height int) {
	switch r {
	case PresetLow:
		return 640, 480
	case PresetMedium:
		return 1280, 720
	default:
		return 1920, 1080
	}
}

func (r ResolutionPreset) String() string {
	switch r {
	case PresetLow:
		return "low"
	case PresetMedium:
		return "medium"
	default:
		return "high"
	}
}

// ParseResolutionPreset parses "low", "medium" or "high".
func ParseResolutionPreset(s string) (ResolutionPreset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PresetLow, nil
	case "medium":
		return PresetMedium, nil
	case "high", "":
		return PresetHigh, nil
	default:
		return PresetHigh, fmt.Errorf("capture: unknown resolution preset %q", s)
	}
}

// DefaultDevices maps camera positions to V4L2 device nodes.
var DefaultDevices = map[CameraPosition]string{
	PositionBack:  "/dev/video0",
	PositionFront: "/dev/video1",
}

// CameraConfig contains configuration for GstCamera.
type CameraConfig struct {
	Position    CameraPosition
	Preset      ResolutionPreset
	Orientation types.Orientation
	// FPS caps the capture rate. Zero keeps the device rate.
	FPS float64
	// Devices overrides DefaultDevices.
	Devices map[CameraPosition]string
	// SourceElement replaces v4l2src (e.g. "videotestsrc is-live=true").
	SourceElement string
	// AcquireTimeout bounds the wait for the PLAYING state (default 5s).
	AcquireTimeout time.Duration
	Reconnect      ReconnectConfig
	Logger         *slog.Logger
}

// GstCamera captures BGRA frames with GStreamer.
//
// Goroutine topology while running:
//   - GStreamer streaming thread: OnNewSample → delivery.offer (non-blocking)
//   - 1 delivery goroutine: onFrame
//   - 1 monitor goroutine: bus messages, error classification, reconnection
type GstCamera struct {
	device        string
	sourceElement string
	width         int
	height        int
	fps           float64
	orientation   types.Orientation
	acquire       time.Duration
	reconnectCfg  ReconnectConfig
	logger        *slog.Logger

	mu       sync.Mutex
	elements *pipelineElements
	deliv    *delivery
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  time.Time

	seq       atomic.Uint64
	bytesRead atomic.Uint64
	reconnect reconnectState

	failed          atomic.Bool // reconnection exhausted, set until Stop
	onFailure       atomic.Pointer[func(err error)]
	acquireTimeouts atomic.Uint64

	errorsDevice     atomic.Uint64
	errorsFormat     atomic.Uint64
	errorsPermission atomic.Uint64
	errorsUnknown    atomic.Uint64
}

// NewGstCamera validates cfg (fail-fast) and returns a stopped camera.
// GStreamer itself is only touched at Start.
func NewGstCamera(cfg CameraConfig) (*GstCamera, error) {
	if cfg.FPS < 0 || cfg.FPS > 120 {
		return nil, fmt.Errorf("capture: invalid FPS %.2f (must be 0-120)", cfg.FPS)
	}

	devices := DefaultDevices
	if len(cfg.Devices) > 0 {
		devices = cfg.Devices
	}
	device, ok := devices[cfg.Position]
	if !ok && (cfg.SourceElement == "" || cfg.SourceElement == DefaultSourceElement) {
		return nil, fmt.Errorf("capture: no device configured for %s camera", cfg.Position)
	}

	acquire := cfg.AcquireTimeout
	if acquire <= 0 {
		acquire = 5 * time.Second
	}
	reconnectCfg := cfg.Reconnect
	if reconnectCfg.MaxRetries <= 0 {
		reconnectCfg = DefaultReconnectConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	width, height := cfg.Preset.Dimensions()
	c := &GstCamera{
		device:        device,
		sourceElement: cfg.SourceElement,
		width:         width,
		height:        height,
		fps:           cfg.FPS,
		orientation:   cfg.Orientation,
		acquire:       acquire,
		reconnectCfg:  reconnectCfg,
		logger:        logger,
	}

	logger.Info("capture: camera created",
		"position", cfg.Position.String(),
		"device", device,
		"resolution", fmt.Sprintf("%dx%d", width, height),
		"target_fps", cfg.FPS,
	)
	return c, nil
}

// Device returns the device node the camera opens.
func (c *GstCamera) Device() string {
	return c.device
}

// Start builds the pipeline, sets it PLAYING and waits (up to the acquire
// timeout) for the device to come up. Any failure here is returned as
// CameraUnavailable and the camera stays stopped.
func (c *GstCamera) Start(ctx context.Context, onFrame func(*types.Frame)) error {
	if onFrame == nil {
		return errNoCallback
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}

	elements, err := createPipeline(c.pipelineConfig())
	if err != nil {
		c.logger.Error("capture: pipeline creation failed", "error", err)
		return types.CameraUnavailable(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	deliv := startDelivery(runCtx, onFrame, c.logger)

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return c.onNewSample(sink, deliv)
		},
	})

	if err := c.play(elements); err != nil {
		cancel()
		deliv.wait(stopTimeout)
		destroyPipeline(elements)
		c.logger.Error("capture: camera acquisition failed",
			"device", c.device,
			"error", err,
		)
		return types.CameraUnavailable(err)
	}

	c.elements = elements
	c.deliv = deliv
	c.cancel = cancel
	c.started = time.Now()
	c.failed.Store(false)
	c.reconnect.reset()

	c.wg.Add(1)
	go c.runPipeline(runCtx, elements)

	c.logger.Info("capture: camera started",
		"device", c.device,
		"resolution", fmt.Sprintf("%dx%d", c.width, c.height),
	)
	return nil
}

func (c *GstCamera) pipelineConfig() pipelineConfig {
	return pipelineConfig{
		SourceElement: c.sourceElement,
		Device:        c.device,
		Width:         c.width,
		Height:        c.height,
		FPS:           c.fps,
	}
}

// play sets the pipeline PLAYING and waits for the state change or the
// first error on the bus. A device that posts neither within the acquire
// timeout counts as not acquired.
func (c *GstCamera) play(elements *pipelineElements) error {
	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	bus := elements.Pipeline.GetPipelineBus()
	deadline := time.Now().Add(c.acquire)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			category := c.countError(gerr.Error(), gerr.DebugString())
			return fmt.Errorf("%s error: %s", category, gerr.Error())
		case gst.MessageStateChanged:
			if msg.Source() != elements.Pipeline.GetName() {
				continue
			}
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
				c.logger.Debug("capture: pipeline reached PLAYING state")
				return nil
			}
		}
	}

	c.acquireTimeouts.Add(1)
	c.logger.Warn("capture: PLAYING state not confirmed within acquire timeout",
		"timeout", c.acquire,
		"device", c.device,
	)
	return fmt.Errorf("PLAYING state not confirmed within %s", c.acquire)
}

// onNewSample copies the buffer out of GStreamer and offers it for delivery.
// Runs on the GStreamer streaming thread; never blocks.
func (c *GstCamera) onNewSample(sink *app.Sink, d *delivery) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		c.logger.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		c.logger.Warn("capture: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		c.logger.Warn("capture: empty buffer received")
		return gst.FlowOK
	}

	// GStreamer reuses the buffer.
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	c.bytesRead.Add(uint64(len(frameData)))

	d.offer(&types.Frame{
		Seq:         c.seq.Add(1),
		Timestamp:   time.Now(),
		Width:       c.width,
		Height:      c.height,
		Format:      types.FormatBGRA,
		Data:        frameData,
		Orientation: c.orientation,
		Metadata:    map[string]any{"source": "gstreamer", "device": c.device},
		TraceID:     uuid.New().String(),
	})
	return gst.FlowOK
}

// runPipeline monitors the bus and re-acquires the camera with exponential
// backoff when the pipeline fails.
func (c *GstCamera) runPipeline(ctx context.Context, elements *pipelineElements) {
	defer c.wg.Done()

	// play consumes the PLAYING state change, so acquisition is signalled
	// here rather than by the bus monitor.
	connect := func(ctx context.Context, attempt int, acquired func()) error {
		if attempt > 0 {
			if err := c.restart(elements); err != nil {
				return err
			}
			c.logger.Info("capture: camera reacquired", "device", c.device, "attempt", attempt)
		}
		acquired()
		return c.monitorPipeline(ctx, elements)
	}

	err := runWithReconnect(ctx, connect, c.reconnectCfg, &c.reconnect, c.logger)
	if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return
	}

	c.failed.Store(true)
	c.logger.Error("capture: camera lost after reconnection failure",
		"error", err,
		"device", c.device,
		"uptime", time.Since(c.started),
		"frames_captured", c.seq.Load(),
		"reconnects", c.reconnect.reconnects.Load(),
	)
	if fn := c.onFailure.Load(); fn != nil {
		(*fn)(types.CameraUnavailable(err))
	}
}

// NotifyFailure registers fn to be called when the camera gives up after
// exhausting its reconnection attempts.
func (c *GstCamera) NotifyFailure(fn func(err error)) {
	c.onFailure.Store(&fn)
}

// restart cycles the pipeline through NULL to reopen the device.
func (c *GstCamera) restart(elements *pipelineElements) error {
	if err := destroyPipeline(elements); err != nil {
		return err
	}
	return c.play(elements)
}

// monitorPipeline returns an error when the pipeline fails (triggers
// reconnection) and nil when ctx is cancelled.
func (c *GstCamera) monitorPipeline(ctx context.Context, elements *pipelineElements) error {
	bus := elements.Pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("capture: context cancelled, stopping pipeline monitor")
			return nil
		default:
		}

		// Short timeout for responsive shutdown.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			c.logger.Info("capture: end of stream received",
				"device", c.device,
				"uptime", time.Since(c.started),
			)
			return errors.New("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := c.countError(gerr.Error(), gerr.DebugString())
			c.logger.Error("capture: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"device", c.device,
				"uptime", time.Since(c.started),
				"frames_captured", c.seq.Load(),
				"reconnects", c.reconnect.reconnects.Load(),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == elements.Pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				c.logger.Debug("capture: pipeline state changed", "from", old, "to", new)
			}
		}
	}
}

func (c *GstCamera) countError(message, debug string) ErrorCategory {
	category := classifyCaptureError(message, debug)
	switch category {
	case ErrCategoryDevice:
		c.errorsDevice.Add(1)
	case ErrCategoryFormat:
		c.errorsFormat.Add(1)
	case ErrCategoryPermission:
		c.errorsPermission.Add(1)
	default:
		c.errorsUnknown.Add(1)
	}
	return category
}

// Stop cancels the monitor and delivery goroutines and releases the device.
// Idempotent.
func (c *GstCamera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return nil
	}

	c.logger.Info("capture: stopping camera")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		c.logger.Warn("capture: stop timeout exceeded, monitor may still be running")
	}
	c.deliv.wait(stopTimeout)

	var err error
	if derr := destroyPipeline(c.elements); derr != nil {
		c.logger.Error("capture: failed to destroy pipeline", "error", derr)
		err = fmt.Errorf("capture: stop: %w", derr)
	}

	c.logger.Info("capture: camera stopped",
		"frames_captured", c.seq.Load(),
		"reconnects", c.reconnect.reconnects.Load(),
		"uptime", time.Since(c.started),
	)

	c.elements = nil
	c.cancel = nil
	return err
}

// Stats returns current statistics.
func (c *GstCamera) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Source:     "gstreamer",
		Running:    c.cancel != nil && !c.failed.Load(),
		Resolution: fmt.Sprintf("%dx%d", c.width, c.height),
		Reconnects: c.reconnect.reconnects.Load(),
		Errors: map[string]uint64{
			ErrCategoryDevice.String():     c.errorsDevice.Load(),
			ErrCategoryFormat.String():     c.errorsFormat.Load(),
			ErrCategoryPermission.String(): c.errorsPermission.Load(),
			ErrCategoryUnknown.String():    c.errorsUnknown.Load(),
			"acquire_timeout":              c.acquireTimeouts.Load(),
		},
	}
	if c.deliv != nil {
		c.deliv.fill(&st)
	}
	return st
}
