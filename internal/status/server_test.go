package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wind-Explorer/FontFinder/internal/capture"
	"github.com/Wind-Explorer/FontFinder/internal/metrics"
	"github.com/Wind-Explorer/FontFinder/internal/pipeline"
	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// fakePipeline mimics the controller's observable state.
type fakePipeline struct {
	mu       sync.Mutex
	state    pipeline.State
	paused   bool
	outcome  *types.Outcome
	startErr error
	startCtx context.Context
}

func (p *fakePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCtx = ctx
	if p.startErr != nil {
		return p.startErr
	}
	p.state = pipeline.StateRunning
	return nil
}

func (p *fakePipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = pipeline.StateStopped
	return nil
}

func (p *fakePipeline) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

func (p *fakePipeline) Status() pipeline.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := p.state
	if state == pipeline.StateRunning && p.paused {
		state = pipeline.StatePaused
	}
	return pipeline.Status{
		State:      state,
		Paused:     p.paused,
		Permission: "granted",
		Source:     capture.Stats{Source: "synthetic", Running: state != pipeline.StateStopped},
	}
}

func (p *fakePipeline) Current() (types.Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outcome == nil {
		return types.Outcome{}, false
	}
	return *p.outcome, true
}

type ctxKey struct{}

func newTestServer(t *testing.T, p *fakePipeline, mutate func(*Config)) http.Handler {
	t.Helper()
	cfg := Config{
		Addr:       "127.0.0.1:0",
		InstanceID: "desk-cam",
		Pipeline:   p,
		RunContext: context.WithValue(context.Background(), ctxKey{}, "run"),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s.Handler()
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestResultEndpoint(t *testing.T) {
	p := &fakePipeline{}
	h := newTestServer(t, p, nil)

	assert.Equal(t, http.StatusNoContent, do(h, http.MethodGet, "/result").Code)

	o := types.ResultOutcome(types.ClassificationResult{Label: "Garamond", Confidence: 0.5})
	p.outcome = &o
	rec := do(h, http.MethodGet, "/result")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "Garamond", body["label"])

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodPost, "/result").Code)
}

func TestPauseResume(t *testing.T) {
	p := &fakePipeline{state: pipeline.StateRunning}
	h := newTestServer(t, p, nil)

	rec := do(h, http.MethodPost, "/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"paused": true, "state": "paused"}, decode(t, rec))

	rec = do(h, http.MethodPost, "/resume")
	assert.Equal(t, map[string]interface{}{"paused": false, "state": "running"}, decode(t, rec))

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/pause").Code)
}

func TestStartUsesRunContext(t *testing.T) {
	p := &fakePipeline{}
	h := newTestServer(t, p, nil)

	rec := do(h, http.MethodPost, "/start")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["state"])
	assert.Equal(t, "run", p.startCtx.Value(ctxKey{}))

	rec = do(h, http.MethodPost, "/stop")
	assert.Equal(t, "stopped", decode(t, rec)["state"])
}

func TestStartErrorCodes(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantKind interface{}
	}{
		{types.PermissionDenied(), http.StatusForbidden, "permission_denied"},
		{types.CameraUnavailable(errors.New("busy")), http.StatusServiceUnavailable, "camera_unavailable"},
		{types.ModelLoadFailed(errors.New("no weights")), http.StatusServiceUnavailable, "model_load_failed"},
		{errors.New("boom"), http.StatusInternalServerError, nil},
	}
	for _, tt := range tests {
		p := &fakePipeline{startErr: tt.err}
		rec := do(newTestServer(t, p, nil), http.MethodPost, "/start")
		assert.Equal(t, tt.wantCode, rec.Code, tt.err.Error())
		body := decode(t, rec)
		assert.Equal(t, tt.err.Error(), body["error"])
		assert.Equal(t, tt.wantKind, body["error_kind"])
	}
}

func TestStatusDocument(t *testing.T) {
	p := &fakePipeline{state: pipeline.StateRunning}
	rec := do(newTestServer(t, p, nil), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "desk-cam", body["instance_id"])
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "granted", body["permission"])
	source := body["source"].(map[string]interface{})
	assert.Equal(t, "synthetic", source["kind"])
	throttle := body["throttle"].(map[string]interface{})
	assert.Equal(t, "", throttle["last_admitted_at"])
}

func TestReadiness(t *testing.T) {
	connected := true
	p := &fakePipeline{}
	h := newTestServer(t, p, func(c *Config) { c.MQTTConnected = func() bool { return connected } })

	rec := do(h, http.MethodGet, "/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode(t, rec)["status"])

	p.state = pipeline.StateRunning
	rec = do(h, http.MethodGet, "/readiness")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	connected = false
	assert.Equal(t, "degraded", decode(t, do(h, http.MethodGet, "/readiness"))["status"])

	connected = true
	p.SetPaused(true)
	assert.Equal(t, "degraded", decode(t, do(h, http.MethodGet, "/readiness"))["status"])

	rec = do(h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decode(t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	p := &fakePipeline{state: pipeline.StateRunning}
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(metrics.NewCollector(p)))

	h := newTestServer(t, p, func(c *Config) { c.Gatherer = reg })
	rec := do(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `fontfinder_pipeline_state{state="running"} 1`))

	// Without a gatherer the route does not exist.
	assert.Equal(t, http.StatusNotFound, do(newTestServer(t, p, nil), http.MethodGet, "/metrics").Code)
}

func TestServerListens(t *testing.T) {
	s, err := New(Config{Addr: "127.0.0.1:0", Pipeline: &fakePipeline{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestNewRequiresPipeline(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
