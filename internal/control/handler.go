// Package control implements the MQTT control plane: JSON commands on the
// control topic, JSON responses on <control>/response.
package control

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
)

const (
	subscribeTimeout = 5 * time.Second
	publishTimeout   = 2 * time.Second
	queueSize        = 10
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"` // "success" or "error"
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands. A nil callback
// answers "<command> not implemented".
type CommandCallbacks struct {
	OnGetStatus        func() map[string]interface{}
	OnPause            func() error
	OnResume           func() error
	OnStart            func() error
	OnStop             func() error
	OnSetInferenceRate func(rateHz float64) error
}

// inbound is one queued control message. Malformed payloads are queued
// too so their error response is published off the paho router goroutine.
type inbound struct {
	cmd     Command
	invalid bool
}

// Handler handles control plane commands
//
// Goroutine topology:
//   - paho router goroutine: messageHandler (parse + enqueue, never blocks)
//   - 1 processing goroutine: handleCommand + sendResponse
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	callbacks CommandCallbacks
	logger    *slog.Logger
	now       func() time.Time

	commands chan inbound
	stopOnce sync.Once
	done     chan struct{}
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:       cfg,
		client:    client,
		callbacks: callbacks,
		logger:    logger,
		now:       time.Now,
		commands:  make(chan inbound, queueSize),
		done:      make(chan struct{}),
	}
}

// ResponseTopic is where responses are published.
func (h *Handler) ResponseTopic() string {
	return h.cfg.MQTT.Topics.Control + "/response"
}

// Start subscribes to the control topic and starts processing commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS

	h.logger.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	h.logger.Info("control: handler started")
	return nil
}

// Stop unsubscribes and stops the processing goroutine
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
			token.WaitTimeout(subscribeTimeout)
		}
		close(h.done)
		h.logger.Info("control: handler stopped")
	})
	return nil
}

// messageHandler is called by paho for every control message
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var in inbound
	if err := json.Unmarshal(msg.Payload(), &in.cmd); err != nil {
		h.logger.Error("control: failed to parse command", "error", err)
		in = inbound{invalid: true}
	} else {
		h.logger.Info("control: command received", "command", in.cmd.Command)
	}

	select {
	case h.commands <- in:
	default:
		h.logger.Warn("control: command queue full, dropping command", "command", in.cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case in := <-h.commands:
			if in.invalid {
				h.sendResponse(Response{
					CommandAck: "unknown",
					Status:     "error",
					Error:      "invalid JSON",
				})
				continue
			}
			h.sendResponse(h.handleCommand(in.cmd))
		}
	}
}

var errNotImplemented = errors.New("not implemented")

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	var (
		data map[string]interface{}
		err  error
	)

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			err = errNotImplemented
			break
		}
		data = h.callbacks.OnGetStatus()

	case "pause_inference":
		err = call(h.callbacks.OnPause)
		data = map[string]interface{}{"inference_active": false}

	case "resume_inference":
		err = call(h.callbacks.OnResume)
		data = map[string]interface{}{"inference_active": true}

	case "start":
		err = call(h.callbacks.OnStart)
		data = map[string]interface{}{"pipeline_running": true}

	case "stop":
		err = call(h.callbacks.OnStop)
		data = map[string]interface{}{"pipeline_running": false}

	case "set_inference_rate":
		if h.callbacks.OnSetInferenceRate == nil {
			err = errNotImplemented
			break
		}
		rate, ok := cmd.Params["rate_hz"].(float64)
		if !ok {
			err = errors.New("missing or invalid 'rate_hz' parameter (expected float)")
			break
		}
		err = h.callbacks.OnSetInferenceRate(rate)
		data = map[string]interface{}{
			"inference_rate_hz": rate,
			"message":           "inference rate updated",
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
		return resp
	}

	switch {
	case errors.Is(err, errNotImplemented):
		resp.Status = "error"
		resp.Error = cmd.Command + " not implemented"
	case err != nil:
		resp.Status = "error"
		resp.Error = err.Error()
	default:
		resp.Status = "success"
		resp.Data = data
	}
	return resp
}

func call(fn func() error) error {
	if fn == nil {
		return errNotImplemented
	}
	return fn()
}

// sendResponse publishes a response on the response topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.ResponseTopic(), h.cfg.MQTT.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		h.logger.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error("control: failed to publish response", "error", err)
		return
	}

	h.logger.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
