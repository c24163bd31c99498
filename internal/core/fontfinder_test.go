package core

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wind-Explorer/FontFinder/internal/capture"
	"github.com/Wind-Explorer/FontFinder/internal/config"
	"github.com/Wind-Explorer/FontFinder/internal/pipeline"
	"github.com/Wind-Explorer/FontFinder/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Camera.Source = config.SourceSynthetic
	cfg.Camera.ResolutionPreset = "low"
	cfg.Classifier.Command = filepath.Join(t.TempDir(), "missing-worker")
	cfg.HTTP.Addr = "127.0.0.1:0"
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestNewSourceKinds(t *testing.T) {
	cfg := testConfig(t)

	src, auth, err := newSource(cfg, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &capture.SyntheticSource{}, src)
	assert.Equal(t, capture.AlwaysGranted{}, auth)

	cfg.Camera.Source = config.SourceDirectory
	cfg.Camera.Directory = t.TempDir()
	src, _, err = newSource(cfg, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &capture.DirectorySource{}, src)

	cfg.Camera.Source = config.SourceGStreamer
	cfg.Camera.Position = "front"
	src, auth, err = newSource(cfg, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &capture.GstCamera{}, src)
	assert.Equal(t, capture.DeviceAuthorizer{Path: "/dev/video1"}, auth)

	cfg.Camera.Source = "rtsp"
	_, _, err = newSource(cfg, quietLogger())
	assert.Error(t, err)
}

func TestSetInferenceRate(t *testing.T) {
	f, err := New(testConfig(t), quietLogger())
	require.NoError(t, err)

	require.NoError(t, f.setInferenceRate(4))
	assert.Equal(t, 250*time.Millisecond, f.Controller().Status().Throttle.Interval)

	assert.Error(t, f.setInferenceRate(0))
	assert.Equal(t, 250*time.Millisecond, f.Controller().Status().Throttle.Interval)
}

func TestControlCallbacksPause(t *testing.T) {
	f, err := New(testConfig(t), quietLogger())
	require.NoError(t, err)

	cb := f.controlCallbacks(context.Background())
	require.NoError(t, cb.OnPause())
	assert.True(t, f.Controller().Paused())
	require.NoError(t, cb.OnResume())
	assert.False(t, f.Controller().Paused())

	doc := cb.OnGetStatus()
	assert.Equal(t, "stopped", doc["state"])
	assert.Contains(t, doc, "classifier")
}

// TestRunWithMissingWorker validates a model load failure leaves the service
// up with the pipeline Stopped and the error published.
func TestRunWithMissingWorker(t *testing.T) {
	f, err := New(testConfig(t), quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	require.Eventually(t, func() bool {
		o, ok := f.Controller().Current()
		return ok && o.Err != nil
	}, 5*time.Second, 10*time.Millisecond)

	o, _ := f.Controller().Current()
	assert.Equal(t, types.KindModelLoadFailed, o.Err.Kind)
	assert.Equal(t, pipeline.StateStopped, f.Controller().State())

	cancel()
	require.NoError(t, <-errCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, f.Shutdown(shutdownCtx))
	require.NoError(t, f.Shutdown(shutdownCtx))
}
