package status

import (
	"time"

	"github.com/Wind-Explorer/FontFinder/internal/pipeline"
)

// Document renders a pipeline snapshot as the JSON status document shared by
// GET /status, the MQTT get_status command and the periodic status topic.
func Document(instanceID string, st pipeline.Status) map[string]interface{} {
	doc := map[string]interface{}{
		"instance_id": instanceID,
		"state":       st.State.String(),
		"running":     st.State == pipeline.StateRunning || st.State == pipeline.StatePaused,
		"paused":      st.Paused,
		"in_flight":   st.InFlight,
		"permission":  st.Permission,
		"uptime_s":    st.Uptime.Seconds(),
		"frames": map[string]interface{}{
			"received": st.FramesReceived,
			"paused":   st.FramesPaused,
		},
		"throttle": map[string]interface{}{
			"min_interval_ms":  durationMS(st.Throttle.Interval),
			"admitted":         st.Throttle.Admitted,
			"throttled":        st.Throttle.Throttled,
			"last_admitted_at": timestamp(st.LastAdmittedAt),
		},
		"inference": map[string]interface{}{
			"submitted":       st.Engine.Submitted,
			"ignored":         st.Engine.Ignored,
			"completed":       st.Engine.Completed,
			"failed":          st.Engine.Failed,
			"avg_latency_ms":  durationMS(st.Engine.AvgLatency),
			"last_latency_ms": durationMS(st.Engine.LastLatency),
			"last_seen_at":    timestamp(st.Engine.LastSeenAt),
		},
		"source": map[string]interface{}{
			"kind":             st.Source.Source,
			"running":          st.Source.Running,
			"resolution":       st.Source.Resolution,
			"frames_captured":  st.Source.FramesCaptured,
			"frames_delivered": st.Source.FramesDelivered,
			"frames_dropped":   st.Source.FramesDropped,
			"drop_rate":        st.Source.DropRate,
			"fps":              st.Source.FPS,
			"reconnects":       st.Source.Reconnects,
			"errors":           st.Source.Errors,
		},
		"results": map[string]interface{}{
			"version": st.ResultVersion,
		},
	}
	return doc
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// timestamp returns "" for the zero time.
func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
