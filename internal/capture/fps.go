package capture

import (
	"math"
	"sync"
	"time"
)

const (
	// rateWindowSize is the number of recent frame timestamps kept per source.
	rateWindowSize = 64

	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of mean FPS for a stream to count as stable.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the
	// expected inter-frame interval for a stream to count as stable.
	jitterStabilityThreshold = 0.20
)

// FPSStats describes the measured frame rate of a source.
type FPSStats struct {
	Frames     int     `json:"frames"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stddev"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	JitterMean float64 `json:"jitter_mean"` // seconds
	JitterMax  float64 `json:"jitter_max"`  // seconds
	Stable     bool    `json:"stable"`
}

// CalculateFPSStats computes frame-rate statistics from frame timestamps.
//
// Stability threshold:
//   - FPS: stddev < 15% of mean FPS
//   - Jitter: mean jitter < 20% of expected interval
func CalculateFPSStats(frameTimes []time.Time) FPSStats {
	n := len(frameTimes)
	if n < 2 {
		return FPSStats{Frames: n}
	}

	span := frameTimes[n-1].Sub(frameTimes[0]).Seconds()
	if span <= 0 {
		return FPSStats{Frames: n}
	}
	mean := float64(n-1) / span

	instant := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); interval > 0 {
			instant = append(instant, 1.0/interval)
		}
	}
	if len(instant) == 0 {
		return FPSStats{Frames: n, Mean: mean}
	}

	minFPS, maxFPS := instant[0], instant[0]
	var sumSquares float64
	for _, fps := range instant {
		minFPS = math.Min(minFPS, fps)
		maxFPS = math.Max(maxFPS, fps)
		diff := fps - mean
		sumSquares += diff * diff
	}
	stddev := math.Sqrt(sumSquares / float64(len(instant)))

	expected := 1.0 / mean
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		j := math.Abs(frameTimes[i].Sub(frameTimes[i-1]).Seconds() - expected)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(n-1)

	return FPSStats{
		Frames:     n,
		Mean:       mean,
		StdDev:     stddev,
		Min:        minFPS,
		Max:        maxFPS,
		JitterMean: jitterMean,
		JitterMax:  jitterMax,
		Stable:     stddev < mean*fpsStabilityThreshold && jitterMean < expected*jitterStabilityThreshold,
	}
}

// rateWindow is a bounded ring of recent frame timestamps.
type rateWindow struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	count int
}

func newRateWindow(size int) *rateWindow {
	return &rateWindow{times: make([]time.Time, size)}
}

func (w *rateWindow) add(t time.Time) {
	w.mu.Lock()
	w.times[w.next] = t
	w.next = (w.next + 1) % len(w.times)
	if w.count < len(w.times) {
		w.count++
	}
	w.mu.Unlock()
}

// stats returns the FPS statistics of the window and the newest timestamp.
func (w *rateWindow) stats() (FPSStats, time.Time) {
	w.mu.Lock()
	ordered := make([]time.Time, 0, w.count)
	start := (w.next - w.count + len(w.times)) % len(w.times)
	for i := 0; i < w.count; i++ {
		ordered = append(ordered, w.times[(start+i)%len(w.times)])
	}
	w.mu.Unlock()

	var last time.Time
	if len(ordered) > 0 {
		last = ordered[len(ordered)-1]
	}
	return CalculateFPSStats(ordered), last
}
