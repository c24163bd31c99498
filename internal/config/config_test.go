package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wind-Explorer/FontFinder/internal/capture"
	"github.com/Wind-Explorer/FontFinder/internal/types"
)

const sampleYAML = `
instance_id: studio-cam
shutdown_timeout: 10s
pipeline:
  min_interval: 500ms
  classify_timeout: 2s
camera:
  source: synthetic
  position: front
  resolution_preset: medium
  orientation: right
  fps: 15
  devices:
    front: /dev/video4
classifier:
  command: /opt/fontfinder/worker
  model_path: models/fonts.onnx
  input_size: 128
  labels: [Helvetica, Didot]
mqtt:
  enabled: true
  broker: tcp://broker:1883
http:
  addr: 127.0.0.1:9090
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "studio-cam", cfg.InstanceID)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, PipelineConfig{MinInterval: 500 * time.Millisecond, ClassifyTimeout: 2 * time.Second}, cfg.Pipeline)

	assert.Equal(t, capture.PositionFront, cfg.Camera.CameraPosition())
	assert.Equal(t, capture.PresetMedium, cfg.Camera.Preset())
	assert.Equal(t, types.OrientationRight, cfg.Camera.FrameOrientation())
	assert.Equal(t, map[capture.CameraPosition]string{capture.PositionFront: "/dev/video4"}, cfg.Camera.DeviceMap())

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Classifier.LoadTimeout)
	assert.Equal(t, 5, cfg.Camera.Reconnect.MaxRetries)
	assert.Equal(t, []string{"models/font_worker.py"}, cfg.Classifier.Args)

	want := MQTTConfig{
		Enabled:  true,
		Broker:   "tcp://broker:1883",
		ClientID: "studio-cam",
		QoS:      1,
		Topics: TopicConfig{
			Control: "fontfinder/control/studio-cam",
			Results: "fontfinder/results/studio-cam",
			Status:  "fontfinder/status/studio-cam",
		},
	}
	if diff := cmp.Diff(want, cfg.MQTT); diff != "" {
		t.Errorf("mqtt config mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.Pipeline.MinInterval)
	assert.Equal(t, capture.PositionBack, cfg.Camera.CameraPosition())
	assert.Equal(t, capture.PresetHigh, cfg.Camera.Preset())
	assert.Nil(t, cfg.Camera.DeviceMap())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty instance", func(c *Config) { c.InstanceID = "" }, "instance_id is required"},
		{"bad instance", func(c *Config) { c.InstanceID = "Studio Cam" }, "instance_id must match"},
		{"negative interval", func(c *Config) { c.Pipeline.MinInterval = -time.Second }, "pipeline.min_interval"},
		{"unknown source", func(c *Config) { c.Camera.Source = "rtsp" }, "camera.source"},
		{"directory without path", func(c *Config) { c.Camera.Source = SourceDirectory }, "camera.directory"},
		{"bad position", func(c *Config) { c.Camera.Position = "side" }, "camera.position"},
		{"bad preset", func(c *Config) { c.Camera.ResolutionPreset = "ultra" }, "camera.resolution_preset"},
		{"bad orientation", func(c *Config) { c.Camera.Orientation = "sideways" }, "camera.orientation"},
		{"bad device key", func(c *Config) { c.Camera.Devices = map[string]string{"top": "/dev/video9"} }, "camera.devices"},
		{"no command", func(c *Config) { c.Classifier.Command = "" }, "classifier.command"},
		{"zero input", func(c *Config) { c.Classifier.InputSize = 0 }, "classifier.input_size"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, "mqtt.broker"},
		{"bad qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"no http addr", func(c *Config) { c.HTTP.Addr = "" }, "http.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [unclosed"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config")

	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  min_interval: soon\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "fontfinder.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "fontfinder", cfg.InstanceID)
}
