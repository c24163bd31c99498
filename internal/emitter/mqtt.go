// Package emitter publishes classification outcomes and status snapshots
// to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Wind-Explorer/FontFinder/internal/config"
	"github.com/Wind-Explorer/FontFinder/internal/types"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

var errNotConnected = errors.New("mqtt not connected")

// Subscriber is implemented by *resultslot.Slot.
type Subscriber interface {
	Subscribe() (<-chan types.Outcome, func())
}

// resultMessage is published on the results topic.
type resultMessage struct {
	InstanceID string        `json:"instance_id"`
	Outcome    types.Outcome `json:"outcome"`
}

// MQTTEmitter publishes outcomes to the MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	logger *slog.Logger
	Client mqtt.Client // Exported for control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.MQTT.Broker)
	opts.SetClientID(e.cfg.MQTT.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.MQTT.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	e.logger.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// PublishOutcome publishes one outcome as JSON on the results topic.
func (e *MQTTEmitter) PublishOutcome(o types.Outcome) error {
	payload, err := json.Marshal(resultMessage{InstanceID: e.cfg.InstanceID, Outcome: o})
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal outcome: %w", err)
	}
	return e.publish(e.cfg.MQTT.Topics.Results, payload)
}

// PublishStatus publishes a status document on the status topic.
func (e *MQTTEmitter) PublishStatus(status any) error {
	payload, err := json.Marshal(status)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal status: %w", err)
	}
	return e.publish(e.cfg.MQTT.Topics.Status, payload)
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return errNotConnected
	}

	token := e.Client.Publish(topic, e.cfg.MQTT.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("emitter: message published", "topic", topic, "size", len(payload))
	return nil
}

// Forward publishes every outcome pushed by results until ctx is done.
// The mailbox keeps only the newest outcome, so a slow broker skips
// intermediate results instead of queueing them.
func (e *MQTTEmitter) Forward(ctx context.Context, results Subscriber) {
	outcomes, cancel := results.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			if err := e.PublishOutcome(o); err != nil {
				e.logger.Warn("emitter: failed to publish outcome",
					"frame_seq", o.FrameSeq,
					"error", err,
				)
			}
		}
	}
}

// ReportStatus publishes status() every interval until ctx is done.
func (e *MQTTEmitter) ReportStatus(ctx context.Context, interval time.Duration, status func() any) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PublishStatus(status()); err != nil {
				e.logger.Debug("emitter: failed to publish status", "error", err)
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		e.logger.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
