package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wind-Explorer/FontFinder/internal/capture"
	"github.com/Wind-Explorer/FontFinder/internal/inference"
	"github.com/Wind-Explorer/FontFinder/internal/pipeline"
	"github.com/Wind-Explorer/FontFinder/internal/throttle"
)

type staticStatus pipeline.Status

func (s staticStatus) Status() pipeline.Status { return pipeline.Status(s) }

func sampleStatus() staticStatus {
	return staticStatus{
		State:          pipeline.StatePaused,
		InFlight:       true,
		FramesReceived: 120,
		FramesPaused:   30,
		ResultVersion:  9,
		Throttle: throttle.Stats{
			Admitted:  12,
			Throttled: 78,
			Interval:  200 * time.Millisecond,
		},
		Engine: inference.Stats{
			Completed:   8,
			Failed:      1,
			Ignored:     3,
			AvgLatency:  50 * time.Millisecond,
			LastLatency: 40 * time.Millisecond,
		},
		Source: capture.Stats{
			Source:          "synthetic",
			FramesDelivered: 120,
			FramesDropped:   4,
			Reconnects:      2,
			FPS:             capture.FPSStats{Mean: 29.5},
		},
	}
}

func TestCollectorState(t *testing.T) {
	expected := `
# HELP fontfinder_pipeline_state Current pipeline state (1 for the active state, 0 otherwise).
# TYPE fontfinder_pipeline_state gauge
fontfinder_pipeline_state{state="paused"} 1
fontfinder_pipeline_state{state="running"} 0
fontfinder_pipeline_state{state="starting"} 0
fontfinder_pipeline_state{state="stopped"} 0
fontfinder_pipeline_state{state="stopping"} 0
`
	err := testutil.CollectAndCompare(NewCollector(sampleStatus()), strings.NewReader(expected), "fontfinder_pipeline_state")
	require.NoError(t, err)
}

func TestCollectorCounters(t *testing.T) {
	expected := `
# HELP fontfinder_inference_classifications_total Finished classifications by outcome.
# TYPE fontfinder_inference_classifications_total counter
fontfinder_inference_classifications_total{outcome="failure"} 1
fontfinder_inference_classifications_total{outcome="success"} 8
# HELP fontfinder_throttle_frames_total Frames seen by the throttler by decision.
# TYPE fontfinder_throttle_frames_total counter
fontfinder_throttle_frames_total{decision="admitted"} 12
fontfinder_throttle_frames_total{decision="throttled"} 78
# HELP fontfinder_capture_frames_total Frames produced by the source by fate.
# TYPE fontfinder_capture_frames_total counter
fontfinder_capture_frames_total{fate="delivered",source="synthetic"} 120
fontfinder_capture_frames_total{fate="dropped",source="synthetic"} 4
# HELP fontfinder_inference_in_flight 1 while a classification is running.
# TYPE fontfinder_inference_in_flight gauge
fontfinder_inference_in_flight 1
`
	err := testutil.CollectAndCompare(NewCollector(sampleStatus()), strings.NewReader(expected),
		"fontfinder_inference_classifications_total",
		"fontfinder_throttle_frames_total",
		"fontfinder_capture_frames_total",
		"fontfinder_inference_in_flight",
	)
	require.NoError(t, err)
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(sampleStatus())))

	// 5 states + 2 pipeline + 2 throttle + 1 interval + 2 outcomes + ignored
	// + in-flight + 2 latency + 2 capture + fps + reconnects + results.
	assert.Equal(t, 21, testutil.CollectAndCount(NewCollector(sampleStatus())))

	n, err := testutil.GatherAndCount(reg, "fontfinder_inference_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollectorUnknownSource(t *testing.T) {
	st := sampleStatus()
	st.Source.Source = ""
	expected := `
# HELP fontfinder_capture_reconnects_total Camera re-acquisition attempts.
# TYPE fontfinder_capture_reconnects_total counter
fontfinder_capture_reconnects_total{source="unknown"} 2
`
	require.NoError(t, testutil.CollectAndCompare(NewCollector(st), strings.NewReader(expected), "fontfinder_capture_reconnects_total"))
}
