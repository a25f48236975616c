package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/camlink/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string      `json:"command_ack" msgpack:"command_ack"`
	Status     string      `json:"status" msgpack:"status"`
	Data       interface{} `json:"data,omitempty" msgpack:"data,omitempty"`
	Error      string      `json:"error,omitempty" msgpack:"error,omitempty"`
	Timestamp  time.Time   `json:"timestamp" msgpack:"timestamp"`
}

// Callbacks contains the operations exposed on the control plane
type Callbacks struct {
	OnGetStatus          func() interface{}
	OnRecover            func(ctx context.Context) error
	OnSetCaptureInterval func(d time.Duration) error
	OnShutdown           func() error
}

// recoverTimeout bounds a recover command
const recoverTimeout = 30 * time.Second

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    Client
	commands  chan Command
	callbacks Callbacks
	respond   func(Response)
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client Client, callbacks Callbacks) *Handler {
	h := &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
	h.respond = h.sendResponse
	return h
}

// Start subscribes to the control topic and processes commands until ctx
// is cancelled
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("telemetry: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes from the control topic
func (h *Handler) Stop() {
	if h.client != nil && h.client.IsConnected() {
		h.client.Unsubscribe(h.cfg.MQTT.Topics.Control).WaitTimeout(2 * time.Second)
	}
	slog.Info("telemetry: control plane handler stopped")
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	h.handlePayload(msg.Payload())
}

// handlePayload decodes a command and queues it
func (h *Handler) handlePayload(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Error("telemetry: failed to parse control command", "error", err)
		h.respond(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("telemetry: control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("telemetry: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.handleCommand(ctx, cmd)
		}
	}
}

// handleCommand executes a command and publishes the response
func (h *Handler) handleCommand(ctx context.Context, cmd Command) {
	resp := Response{CommandAck: cmd.Command, Status: "success"}

	fail := func(err error) {
		resp.Status = "error"
		resp.Error = err.Error()
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			fail(fmt.Errorf("get_status not implemented"))
			break
		}
		resp.Data = h.callbacks.OnGetStatus()

	case "recover":
		if h.callbacks.OnRecover == nil {
			fail(fmt.Errorf("recover not implemented"))
			break
		}
		rctx, cancel := context.WithTimeout(ctx, recoverTimeout)
		err := h.callbacks.OnRecover(rctx)
		cancel()
		if err != nil {
			fail(err)
			break
		}
		resp.Data = map[string]interface{}{"recovered": true}

	case "set_capture_interval":
		if h.callbacks.OnSetCaptureInterval == nil {
			fail(fmt.Errorf("set_capture_interval not implemented"))
			break
		}
		ms, ok := cmd.Params["interval_ms"].(float64)
		if !ok {
			fail(fmt.Errorf("missing or invalid 'interval_ms' parameter (expected number)"))
			break
		}
		d := time.Duration(ms) * time.Millisecond
		if err := h.callbacks.OnSetCaptureInterval(d); err != nil {
			fail(err)
			break
		}
		resp.Data = map[string]interface{}{"capture_interval_ms": ms}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			fail(fmt.Errorf("shutdown not implemented"))
			break
		}
		slog.Warn("telemetry: shutdown command received via control plane")
		resp.Data = map[string]interface{}{"shutdown_initiated": true}
		h.respond(resp)

		// Respond before shutting down
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("telemetry: shutdown callback failed", "error", err)
			}
		}()
		return

	default:
		fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	h.respond(resp)
}

// sendResponse publishes a response on the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now()

	payload, err := Encode(h.cfg.MQTT.Encoding, resp)
	if err != nil {
		slog.Error("telemetry: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.MQTT.Topics.Health, h.cfg.MQTT.QoS["health"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("telemetry: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("telemetry: failed to publish response", "error", err)
		return
	}

	slog.Debug("telemetry: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
