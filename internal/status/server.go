// Package status serves the HTTP presentation surface: current result,
// pipeline status, pause and lifecycle controls, health probes and metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Wind-Explorer/FontFinder/internal/pipeline"
	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// Pipeline is implemented by *pipeline.Controller.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop() error
	SetPaused(paused bool)
	Status() pipeline.Status
	Current() (types.Outcome, bool)
}

// Config wires a Server.
type Config struct {
	Addr       string
	InstanceID string
	Pipeline   Pipeline

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// RunContext bounds a pipeline started through POST /start. Request
	// contexts end with the request, so they cannot be used.
	RunContext context.Context

	// MQTTConnected reports broker connectivity for /readiness. Nil means
	// MQTT is disabled.
	MQTTConnected func() bool

	Logger *slog.Logger
}

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	SourceRunning bool   `json:"source_running"`
	MQTTConnected *bool  `json:"mqtt_connected,omitempty"`
}

// Server is the HTTP status server.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
	server  *http.Server
}

// New creates a Server. Call Start to listen, or use Handler directly.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("status: pipeline is required")
	}
	if cfg.RunContext == nil {
		cfg.RunContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger, started: time.Now()}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /result", s.handleResult)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /pause", s.handlePause(true))
	mux.HandleFunc("POST /resume", s.handlePause(false))
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("GET /health", s.handleLiveness)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on Addr and serves in a goroutine. A bind failure is
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("status: failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.logger.Info("status: http server listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/result", "/status", "/pause", "/resume", "/start", "/stop", "/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status: http server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	outcome, ok := s.cfg.Pipeline.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Document(s.cfg.InstanceID, s.cfg.Pipeline.Status()))
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.cfg.Pipeline.SetPaused(paused)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"paused": paused,
			"state":  s.cfg.Pipeline.Status().State.String(),
		})
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Pipeline.Start(s.cfg.RunContext); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": s.cfg.Pipeline.Status().State.String()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Pipeline.Stop(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": s.cfg.Pipeline.Status().State.String()})
}

// handleLiveness returns 200 whenever the process can answer.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// handleReadiness returns 200 while the pipeline runs (healthy or degraded)
// and 503 when it is stopped.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// HealthCheck returns the current health status of the service
func (s *Server) HealthCheck() HealthStatus {
	st := s.cfg.Pipeline.Status()

	health := HealthStatus{
		Status:        "healthy",
		State:         st.State.String(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		SourceRunning: st.Source.Running,
	}
	if s.cfg.MQTTConnected != nil {
		connected := s.cfg.MQTTConnected()
		health.MQTTConnected = &connected
	}

	switch {
	case st.State != pipeline.StateRunning && st.State != pipeline.StatePaused:
		health.Status = "unhealthy"
	case st.State == pipeline.StatePaused,
		!st.Source.Running,
		health.MQTTConnected != nil && !*health.MQTTConnected:
		health.Status = "degraded"
	}
	return health
}

// writeError maps pipeline errors to HTTP codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	body := map[string]interface{}{"error": err.Error()}

	var perr *types.PipelineError
	if errors.As(err, &perr) {
		body["error_kind"] = perr.Kind.String()
		switch perr.Kind {
		case types.KindPermissionDenied:
			code = http.StatusForbidden
		case types.KindCameraUnavailable, types.KindModelLoadFailed:
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
