// Package metrics exposes pipeline statistics as Prometheus metrics.
//
// The collector reads a pipeline.Status snapshot on every scrape, so the hot
// path keeps its own atomic counters and never touches Prometheus types.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Wind-Explorer/FontFinder/internal/pipeline"
)

const namespace = "fontfinder"

var (
	descState = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pipeline", "state"),
		"Current pipeline state (1 for the active state, 0 otherwise).",
		[]string{"state"}, nil,
	)
	descFramesReceived = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pipeline", "frames_received_total"),
		"Frames delivered to the pipeline by the source.",
		nil, nil,
	)
	descFramesPaused = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pipeline", "frames_paused_total"),
		"Frames dropped because the pipeline was paused.",
		nil, nil,
	)
	descThrottle = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "throttle", "frames_total"),
		"Frames seen by the throttler by decision.",
		[]string{"decision"}, nil,
	)
	descThrottleInterval = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "throttle", "interval_seconds"),
		"Minimum interval between admitted frames.",
		nil, nil,
	)
	descClassifications = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "inference", "classifications_total"),
		"Finished classifications by outcome.",
		[]string{"outcome"}, nil,
	)
	descIgnored = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "inference", "frames_ignored_total"),
		"Admitted frames dropped because a classification was in flight.",
		nil, nil,
	)
	descInFlight = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "inference", "in_flight"),
		"1 while a classification is running.",
		nil, nil,
	)
	descLatency = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "inference", "latency_seconds"),
		"Classification latency.",
		[]string{"stat"}, nil,
	)
	descCaptured = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "capture", "frames_total"),
		"Frames produced by the source by fate.",
		[]string{"source", "fate"}, nil,
	)
	descCaptureFPS = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "capture", "fps"),
		"Measured capture frame rate.",
		[]string{"source"}, nil,
	)
	descReconnects = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "capture", "reconnects_total"),
		"Camera re-acquisition attempts.",
		[]string{"source"}, nil,
	)
	descResultVersion = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "results", "published_total"),
		"Outcomes published to the result slot.",
		nil, nil,
	)
)

var allStates = []pipeline.State{
	pipeline.StateStopped,
	pipeline.StateStarting,
	pipeline.StateRunning,
	pipeline.StatePaused,
	pipeline.StateStopping,
}

// StatusProvider is implemented by *pipeline.Controller.
type StatusProvider interface {
	Status() pipeline.Status
}

type pipelineCollector struct {
	provider StatusProvider
}

var _ prometheus.Collector = &pipelineCollector{}

// NewCollector returns a collector reading provider on every scrape.
func NewCollector(provider StatusProvider) prometheus.Collector {
	return &pipelineCollector{provider: provider}
}

// Describe implements the prometheus.Collector interface.
func (c *pipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descState
	ch <- descFramesReceived
	ch <- descFramesPaused
	ch <- descThrottle
	ch <- descThrottleInterval
	ch <- descClassifications
	ch <- descIgnored
	ch <- descInFlight
	ch <- descLatency
	ch <- descCaptured
	ch <- descCaptureFPS
	ch <- descReconnects
	ch <- descResultVersion
}

// Collect implements the prometheus.Collector interface.
func (c *pipelineCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.provider.Status()

	for _, s := range allStates {
		v := 0.0
		if s == st.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(descState, prometheus.GaugeValue, v, s.String())
	}

	ch <- prometheus.MustNewConstMetric(descFramesReceived, prometheus.CounterValue, float64(st.FramesReceived))
	ch <- prometheus.MustNewConstMetric(descFramesPaused, prometheus.CounterValue, float64(st.FramesPaused))

	ch <- prometheus.MustNewConstMetric(descThrottle, prometheus.CounterValue, float64(st.Throttle.Admitted), "admitted")
	ch <- prometheus.MustNewConstMetric(descThrottle, prometheus.CounterValue, float64(st.Throttle.Throttled), "throttled")
	ch <- prometheus.MustNewConstMetric(descThrottleInterval, prometheus.GaugeValue, st.Throttle.Interval.Seconds())

	ch <- prometheus.MustNewConstMetric(descClassifications, prometheus.CounterValue, float64(st.Engine.Completed), "success")
	ch <- prometheus.MustNewConstMetric(descClassifications, prometheus.CounterValue, float64(st.Engine.Failed), "failure")
	ch <- prometheus.MustNewConstMetric(descIgnored, prometheus.CounterValue, float64(st.Engine.Ignored))
	inFlight := 0.0
	if st.InFlight {
		inFlight = 1
	}
	ch <- prometheus.MustNewConstMetric(descInFlight, prometheus.GaugeValue, inFlight)
	ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, st.Engine.AvgLatency.Seconds(), "avg")
	ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, st.Engine.LastLatency.Seconds(), "last")

	src := st.Source.Source
	if src == "" {
		src = "unknown"
	}
	ch <- prometheus.MustNewConstMetric(descCaptured, prometheus.CounterValue, float64(st.Source.FramesDelivered), src, "delivered")
	ch <- prometheus.MustNewConstMetric(descCaptured, prometheus.CounterValue, float64(st.Source.FramesDropped), src, "dropped")
	ch <- prometheus.MustNewConstMetric(descCaptureFPS, prometheus.GaugeValue, st.Source.FPS.Mean, src)
	ch <- prometheus.MustNewConstMetric(descReconnects, prometheus.CounterValue, float64(st.Source.Reconnects), src)

	ch <- prometheus.MustNewConstMetric(descResultVersion, prometheus.CounterValue, float64(st.ResultVersion))
}
