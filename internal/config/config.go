package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete FontFinder configuration
type Config struct {
	InstanceID      string           `yaml:"instance_id"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Pipeline        PipelineConfig   `yaml:"pipeline"`
	Camera          CameraConfig     `yaml:"camera"`
	Classifier      ClassifierConfig `yaml:"classifier"`
	MQTT            MQTTConfig       `yaml:"mqtt"`
	HTTP            HTTPConfig       `yaml:"http"`
}

// PipelineConfig tunes throttling and inference
type PipelineConfig struct {
	MinInterval     time.Duration `yaml:"min_interval"`
	ClassifyTimeout time.Duration `yaml:"classify_timeout"` // 0 disables the per-call timeout
}

// Frame source kinds accepted in camera.source
const (
	SourceGStreamer = "gstreamer"
	SourceSynthetic = "synthetic"
	SourceDirectory = "directory"
)

// CameraConfig selects and configures the frame source
type CameraConfig struct {
	Source           string            `yaml:"source"`
	Position         string            `yaml:"position"`
	ResolutionPreset string            `yaml:"resolution_preset"`
	Orientation      string            `yaml:"orientation"`
	FPS              float64           `yaml:"fps"`
	Devices          map[string]string `yaml:"devices"` // position -> device path
	SourceElement    string            `yaml:"source_element"`
	Directory        string            `yaml:"directory"`
	Loop             bool              `yaml:"loop"`
	Reconnect        ReconnectConfig   `yaml:"reconnect"`
}

// ReconnectConfig controls camera recovery after pipeline errors
type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// ClassifierConfig describes the model worker process
type ClassifierConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	ModelPath   string        `yaml:"model_path"`
	InputSize   int           `yaml:"input_size"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
	Labels      []string      `yaml:"labels"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool        `yaml:"enabled"`
	Broker   string      `yaml:"broker"`
	ClientID string      `yaml:"client_id"`
	Topics   TopicConfig `yaml:"topics"`
	QoS      byte        `yaml:"qos"`
}

// TopicConfig contains MQTT topic names
type TopicConfig struct {
	Control string `yaml:"control"`
	Results string `yaml:"results"`
	Status  string `yaml:"status"`
}

// HTTPConfig configures the status server
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used for any key the file omits.
func Default() *Config {
	return &Config{
		InstanceID:      "fontfinder",
		ShutdownTimeout: 5 * time.Second,
		Pipeline: PipelineConfig{
			MinInterval: 200 * time.Millisecond,
		},
		Camera: CameraConfig{
			Source:           SourceGStreamer,
			Position:         "back",
			ResolutionPreset: "high",
			Orientation:      "up",
			Loop:             true,
			Reconnect: ReconnectConfig{
				MaxRetries:    5,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
			},
		},
		Classifier: ClassifierConfig{
			Command:     "python3",
			Args:        []string{"models/font_worker.py"},
			InputSize:   224,
			LoadTimeout: 30 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
			QoS:    1,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
