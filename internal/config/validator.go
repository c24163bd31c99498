package config

import (
	"fmt"
	"regexp"

	"github.com/Wind-Explorer/FontFinder/internal/capture"
	"github.com/Wind-Explorer/FontFinder/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0")
	}

	if cfg.Pipeline.MinInterval < 0 {
		return fmt.Errorf("pipeline.min_interval must be >= 0")
	}
	if cfg.Pipeline.ClassifyTimeout < 0 {
		return fmt.Errorf("pipeline.classify_timeout must be >= 0")
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}

	if cfg.Classifier.Command == "" {
		return fmt.Errorf("classifier.command is required")
	}
	if cfg.Classifier.InputSize <= 0 {
		return fmt.Errorf("classifier.input_size must be > 0")
	}
	if cfg.Classifier.LoadTimeout <= 0 {
		return fmt.Errorf("classifier.load_timeout must be > 0")
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.InstanceID
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("fontfinder/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Results == "" {
		cfg.MQTT.Topics.Results = fmt.Sprintf("fontfinder/results/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("fontfinder/status/%s", cfg.InstanceID)
	}

	if cfg.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Source {
	case SourceGStreamer, SourceSynthetic:
	case SourceDirectory:
		if c.Directory == "" {
			return fmt.Errorf("camera.directory is required for source %q", SourceDirectory)
		}
	default:
		return fmt.Errorf("camera.source must be one of gstreamer, synthetic, directory (got %q)", c.Source)
	}

	if _, err := capture.ParseCameraPosition(c.Position); err != nil {
		return fmt.Errorf("camera.position: %w", err)
	}
	if _, err := capture.ParseResolutionPreset(c.ResolutionPreset); err != nil {
		return fmt.Errorf("camera.resolution_preset: %w", err)
	}
	if _, ok := types.ParseOrientation(c.Orientation); !ok {
		return fmt.Errorf("camera.orientation: unknown value %q", c.Orientation)
	}
	if c.FPS < 0 {
		return fmt.Errorf("camera.fps must be >= 0")
	}
	for pos := range c.Devices {
		if _, err := capture.ParseCameraPosition(pos); err != nil {
			return fmt.Errorf("camera.devices: %w", err)
		}
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("camera.reconnect.max_retries must be >= 0")
	}
	return nil
}

// CameraPosition returns the parsed camera.position.
func (c CameraConfig) CameraPosition() capture.CameraPosition {
	p, _ := capture.ParseCameraPosition(c.Position)
	return p
}

// Preset returns the parsed camera.resolution_preset.
func (c CameraConfig) Preset() capture.ResolutionPreset {
	r, _ := capture.ParseResolutionPreset(c.ResolutionPreset)
	return r
}

// FrameOrientation returns the parsed camera.orientation.
func (c CameraConfig) FrameOrientation() types.Orientation {
	o, _ := types.ParseOrientation(c.Orientation)
	return o
}

// DeviceMap converts camera.devices to capture positions. Entries were
// checked by Validate.
func (c CameraConfig) DeviceMap() map[capture.CameraPosition]string {
	if len(c.Devices) == 0 {
		return nil
	}
	out := make(map[capture.CameraPosition]string, len(c.Devices))
	for pos, dev := range c.Devices {
		p, err := capture.ParseCameraPosition(pos)
		if err != nil {
			continue
		}
		out[p] = dev
	}
	return out
}

// ReconnectSettings converts camera.reconnect for the capture package.
func (c CameraConfig) ReconnectSettings() capture.ReconnectConfig {
	return capture.ReconnectConfig{
		MaxRetries:    c.Reconnect.MaxRetries,
		RetryDelay:    c.Reconnect.RetryDelay,
		MaxRetryDelay: c.Reconnect.MaxRetryDelay,
	}
}
