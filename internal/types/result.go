package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ClassificationResult is the top-1 font prediction for a frame.
// It is a value type; copies never alias.
type ClassificationResult struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
}

// NewClassificationResult validates the label and clamps confidence to [0,1].
func NewClassificationResult(label string, confidence float32) (ClassificationResult, error) {
	if label == "" {
		return ClassificationResult{}, errors.New("types: classification label is empty")
	}
	switch {
	case confidence != confidence: // NaN
		return ClassificationResult{}, fmt.Errorf("types: confidence for %q is NaN", label)
	case confidence < 0:
		confidence = 0
	case confidence > 1:
		confidence = 1
	}
	return ClassificationResult{Label: label, Confidence: confidence}, nil
}

// Outcome is the value held by the result slot: either a successful
// classification or a pipeline error, never both.
type Outcome struct {
	Result ClassificationResult
	Err    *PipelineError

	// FrameSeq and TraceID identify the frame that produced the outcome.
	// Zero for lifecycle errors not tied to a frame.
	FrameSeq uint64
	TraceID  string

	CompletedAt time.Time
	Latency     time.Duration
}

// OK reports whether the outcome carries a classification.
func (o Outcome) OK() bool { return o.Err == nil }

// ResultOutcome builds a successful outcome.
func ResultOutcome(r ClassificationResult) Outcome {
	return Outcome{Result: r, CompletedAt: time.Now()}
}

// ErrorOutcome builds a failed outcome.
func ErrorOutcome(err *PipelineError) Outcome {
	return Outcome{Err: err, CompletedAt: time.Now()}
}

// outcomeJSON is the wire shape of an Outcome for HTTP and MQTT readers.
type outcomeJSON struct {
	Status     string  `json:"status"` // "ok" or "error"
	Label      string  `json:"label,omitempty"`
	Confidence float32 `json:"confidence,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	Error      string  `json:"error,omitempty"`
	FrameSeq   uint64  `json:"frame_seq,omitempty"`
	TraceID    string  `json:"trace_id,omitempty"`
	LatencyMS  float64 `json:"latency_ms"`
	Timestamp  string  `json:"timestamp"`
}

// MarshalJSON renders the outcome with a human readable error message.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := outcomeJSON{
		Status:    "ok",
		FrameSeq:  o.FrameSeq,
		TraceID:   o.TraceID,
		LatencyMS: float64(o.Latency.Microseconds()) / 1000,
		Timestamp: o.CompletedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.Err != nil {
		out.Status = "error"
		out.ErrorKind = o.Err.Kind.String()
		out.Error = o.Err.Error()
	} else {
		out.Label = o.Result.Label
		out.Confidence = o.Result.Confidence
	}
	return json.Marshal(out)
}
