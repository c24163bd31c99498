// Package core assembles the FontFinder service from configuration and owns
// its run/shutdown sequence.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Wind-Explorer/FontFinder/internal/capture"
	"github.com/Wind-Explorer/FontFinder/internal/classifier"
	"github.com/Wind-Explorer/FontFinder/internal/config"
	"github.com/Wind-Explorer/FontFinder/internal/control"
	"github.com/Wind-Explorer/FontFinder/internal/emitter"
	"github.com/Wind-Explorer/FontFinder/internal/metrics"
	"github.com/Wind-Explorer/FontFinder/internal/pipeline"
	"github.com/Wind-Explorer/FontFinder/internal/status"
	"github.com/Wind-Explorer/FontFinder/internal/throttle"
)

const (
	defaultSyntheticFPS = 30
	statusInterval      = 10 * time.Second
)

// FontFinder is the main service orchestrator
type FontFinder struct {
	cfg    *config.Config
	logger *slog.Logger

	// Core components
	source     capture.Source
	worker     *classifier.Worker
	controller *pipeline.Controller
	registry   *prometheus.Registry

	// Presentation, created in Run
	httpServer     *status.Server
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler

	// Lifecycle management
	mu        sync.Mutex
	wg        sync.WaitGroup
	isRunning bool
	started   time.Time
}

// NewFontFinder loads the configuration file and builds the service
func NewFontFinder(configPath string, logger *slog.Logger) (*FontFinder, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return New(cfg, logger)
}

// New builds the service from an already validated configuration
func New(cfg *config.Config, logger *slog.Logger) (*FontFinder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"source", cfg.Camera.Source,
		"min_interval", cfg.Pipeline.MinInterval,
	)

	source, authorizer, err := newSource(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame source: %w", err)
	}

	worker, err := classifier.NewWorker(classifier.Config{
		Command:     cfg.Classifier.Command,
		Args:        cfg.Classifier.Args,
		ModelPath:   cfg.Classifier.ModelPath,
		InputSize:   cfg.Classifier.InputSize,
		LoadTimeout: cfg.Classifier.LoadTimeout,
		Labels:      cfg.Classifier.Labels,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	controller, err := pipeline.New(pipeline.Config{
		Source:          source,
		Classifier:      worker,
		Authorizer:      authorizer,
		MinInterval:     cfg.Pipeline.MinInterval,
		ClassifyTimeout: cfg.Pipeline.ClassifyTimeout,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(controller),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &FontFinder{
		cfg:        cfg,
		logger:     logger,
		source:     source,
		worker:     worker,
		controller: controller,
		registry:   registry,
	}, nil
}

// newSource picks the frame source named by camera.source. The camera
// device gets a permission probe; replayed and generated frames need none.
func newSource(cfg *config.Config, logger *slog.Logger) (capture.Source, capture.Authorizer, error) {
	cam := cfg.Camera

	switch cam.Source {
	case config.SourceGStreamer:
		camera, err := capture.NewGstCamera(capture.CameraConfig{
			Position:      cam.CameraPosition(),
			Preset:        cam.Preset(),
			Orientation:   cam.FrameOrientation(),
			FPS:           cam.FPS,
			Devices:       cam.DeviceMap(),
			SourceElement: cam.SourceElement,
			Reconnect:     cam.ReconnectSettings(),
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		var auth capture.Authorizer = capture.AlwaysGranted{}
		if camera.Device() != "" {
			auth = capture.DeviceAuthorizer{Path: camera.Device()}
		}
		return camera, auth, nil

	case config.SourceSynthetic:
		width, height := cam.Preset().Dimensions()
		src, err := capture.NewSyntheticSource(capture.SyntheticConfig{
			Width:       width,
			Height:      height,
			FPS:         fpsOrDefault(cam.FPS),
			Orientation: cam.FrameOrientation(),
			Logger:      logger,
		})
		return src, capture.AlwaysGranted{}, err

	case config.SourceDirectory:
		src, err := capture.NewDirectorySource(capture.DirectoryConfig{
			Dir:         cam.Directory,
			FPS:         fpsOrDefault(cam.FPS),
			Orientation: cam.FrameOrientation(),
			Loop:        cam.Loop,
			Logger:      logger,
		})
		return src, capture.AlwaysGranted{}, err

	default:
		return nil, nil, fmt.Errorf("unknown camera source %q", cam.Source)
	}
}

func fpsOrDefault(fps float64) float64 {
	if fps <= 0 {
		return defaultSyntheticFPS
	}
	return fps
}

// Run starts the service and blocks until ctx is cancelled.
//
// A pipeline start failure is not fatal: the error is published to the
// result slot and the pipeline can be started later over HTTP or MQTT.
func (f *FontFinder) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.isRunning {
		f.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	f.isRunning = true
	f.started = time.Now()
	f.mu.Unlock()

	f.logger.Info("fontfinder service starting", "instance_id", f.cfg.InstanceID)

	server, err := status.New(status.Config{
		Addr:          f.cfg.HTTP.Addr,
		InstanceID:    f.cfg.InstanceID,
		Pipeline:      f.controller,
		Gatherer:      f.registry,
		RunContext:    ctx,
		MQTTConnected: f.mqttConnected(),
		Logger:        f.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create status server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start status server: %w", err)
	}
	f.mu.Lock()
	f.httpServer = server
	f.mu.Unlock()

	if f.cfg.MQTT.Enabled {
		if err := f.startMQTT(ctx); err != nil {
			return err
		}
	}

	if err := f.controller.Start(ctx); err != nil {
		f.logger.Warn("pipeline did not start, waiting for a start command", "error", err)
	}

	f.logger.Info("fontfinder service running",
		"state", f.controller.State().String(),
		"http_addr", f.cfg.HTTP.Addr,
		"mqtt_enabled", f.cfg.MQTT.Enabled,
	)

	<-ctx.Done()

	f.logger.Info("fontfinder service run loop exiting")
	return nil
}

func (f *FontFinder) startMQTT(ctx context.Context) error {
	em := emitter.NewMQTTEmitter(f.cfg, f.logger)
	if err := em.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	handler := control.NewHandler(f.cfg, em.Client, f.controlCallbacks(ctx), f.logger)
	if err := handler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	f.mu.Lock()
	f.emitter = em
	f.controlHandler = handler
	f.mu.Unlock()

	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		em.Forward(ctx, f.controller.Results())
	}()
	go func() {
		defer f.wg.Done()
		em.ReportStatus(ctx, statusInterval, func() any { return f.statusDocument() })
	}()
	return nil
}

// controlCallbacks binds MQTT commands to the controller. Start uses the
// run context so the source outlives the command.
func (f *FontFinder) controlCallbacks(runCtx context.Context) control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus: f.statusDocument,
		OnPause: func() error {
			f.controller.SetPaused(true)
			return nil
		},
		OnResume: func() error {
			f.controller.SetPaused(false)
			return nil
		},
		OnStart:            func() error { return f.controller.Start(runCtx) },
		OnStop:             f.controller.Stop,
		OnSetInferenceRate: f.setInferenceRate,
	}
}

// setInferenceRate converts a rate in Hz into the throttling interval
func (f *FontFinder) setInferenceRate(rateHz float64) error {
	interval, err := throttle.IntervalForRate(rateHz)
	if err != nil {
		return err
	}
	return f.controller.SetMinInterval(interval)
}

func (f *FontFinder) statusDocument() map[string]interface{} {
	doc := status.Document(f.cfg.InstanceID, f.controller.Status())
	ws := f.worker.Stats()
	doc["classifier"] = map[string]interface{}{
		"running":        ws.Running,
		"model":          ws.Model,
		"requests":       ws.Requests,
		"failures":       ws.Failures,
		"restarts":       ws.Restarts,
		"avg_latency_ms": float64(ws.AvgLatency.Microseconds()) / 1000,
	}
	return doc
}

// mqttConnected returns nil when MQTT is disabled so readiness ignores it.
func (f *FontFinder) mqttConnected() func() bool {
	if !f.cfg.MQTT.Enabled {
		return nil
	}
	return func() bool {
		f.mu.Lock()
		em := f.emitter
		f.mu.Unlock()
		return em != nil && em.Stats().Connected
	}
}

// Controller exposes the pipeline controller.
func (f *FontFinder) Controller() *pipeline.Controller {
	return f.controller
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (f *FontFinder) ShutdownTimeout() time.Duration {
	return f.cfg.ShutdownTimeout
}

// Shutdown performs graceful shutdown of all components
func (f *FontFinder) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if !f.isRunning {
		f.mu.Unlock()
		return nil
	}
	server, em, handler := f.httpServer, f.emitter, f.controlHandler
	f.mu.Unlock()

	f.logger.Info("shutting down fontfinder service")

	// 1. Stop the pipeline and let an in-flight classification publish
	if err := f.controller.Shutdown(ctx); err != nil {
		f.logger.Error("failed to stop pipeline", "error", err)
	}

	// 2. Stop control plane
	if handler != nil {
		if err := handler.Stop(); err != nil {
			f.logger.Error("failed to stop control handler", "error", err)
		}
	}

	// 3. Stop HTTP server
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			f.logger.Error("failed to stop status server", "error", err)
		}
	}

	// 4. Wait for emitter goroutines (they exit with the run context)
	f.wg.Wait()

	// 5. Disconnect MQTT
	if em != nil {
		if err := em.Disconnect(); err != nil {
			f.logger.Error("failed to disconnect mqtt", "error", err)
		}
	}

	// 6. Terminate the classifier process
	if err := f.worker.Close(); err != nil {
		f.logger.Error("failed to close classifier", "error", err)
	}

	f.mu.Lock()
	uptime := time.Since(f.started)
	f.isRunning = false
	f.mu.Unlock()

	f.logger.Info("fontfinder service shutdown complete", "uptime", uptime)
	return nil
}
