package capture

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// DefaultSourceElement is the GStreamer element used to read the camera.
const DefaultSourceElement = "v4l2src"

// sinkName is the appsink element name inside the launch description.
const sinkName = "sink"

// pipelineConfig contains what the launch description depends on.
type pipelineConfig struct {
	SourceElement string
	Device        string
	Width         int
	Height        int
	FPS           float64
}

// pipelineElements holds references needed for callbacks and cleanup.
type pipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
}

// buildPipelineDescription builds the gst-launch description.
//
// Pipeline structure:
//
//	<source> → videoconvert → videoscale [→ videorate] →
//	video/x-raw,format=BGRA,width=W,height=H[,framerate=N/D] → appsink
//
// appsink keeps a single buffer and drops older ones, so a slow consumer
// never backs up the camera.
func buildPipelineDescription(cfg pipelineConfig) string {
	element := cfg.SourceElement
	if element == "" {
		element = DefaultSourceElement
	}

	var b strings.Builder
	b.WriteString(element)
	if element == DefaultSourceElement && cfg.Device != "" {
		fmt.Fprintf(&b, " device=%s", cfg.Device)
	}
	b.WriteString(" ! videoconvert ! videoscale")
	if cfg.FPS > 0 {
		b.WriteString(" ! videorate drop-only=true")
	}
	fmt.Fprintf(&b, " ! %s", buildCaps(cfg.Width, cfg.Height, cfg.FPS))
	fmt.Fprintf(&b, " ! appsink name=%s max-buffers=1 drop=true sync=false", sinkName)
	return b.String()
}

// buildCaps builds a BGRA caps string with an optional framerate.
//
// Handles fractional framerates:
//   - fps >= 1.0: framerate = fps/1 (e.g., 5.0 → 5/1)
//   - fps < 1.0: framerate = 1/(1/fps) (e.g., 0.5 → 1/2)
func buildCaps(width, height int, fps float64) string {
	caps := fmt.Sprintf("video/x-raw,format=BGRA,width=%d,height=%d", width, height)
	if fps <= 0 {
		return caps
	}

	numerator, denominator := 1, 1
	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}
	return fmt.Sprintf("%s,framerate=%d/%d", caps, numerator, denominator)
}

// createPipeline parses the description and looks up the appsink.
// The pipeline is left in the NULL state.
func createPipeline(cfg pipelineConfig) (*pipelineElements, error) {
	gst.Init(nil)

	desc := buildPipelineDescription(cfg)
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline %q: %w", desc, err)
	}

	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to find appsink: %w", err)
	}

	return &pipelineElements{
		Pipeline: pipeline,
		AppSink:  app.SinkFromElement(elem),
	}, nil
}

// destroyPipeline sets the pipeline to NULL, releasing the device.
// Safe to call with nil.
func destroyPipeline(elements *pipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
