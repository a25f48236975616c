// Package telemetry publishes pipeline events over MQTT and serves the MQTT
// control plane.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/camlink"
	"github.com/e7canasta/camlink/internal/config"
)

// Client is the subset of mqtt.Client used by this package
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Encoding names
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// eventQueueSize bounds events waiting for the broker
const eventQueueSize = 64

// Emitter publishes pipeline events to the MQTT broker.
//
// Handle is safe to call from pipeline callbacks: events are queued and
// published by Run, and dropped when the queue is full.
type Emitter struct {
	cfg    *config.Config
	client Client
	mc     mqtt.Client
	events chan camlink.Event

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	dropped   uint64
	connected bool
}

// NewEmitter creates a new MQTT emitter
func NewEmitter(cfg *config.Config) *Emitter {
	return &Emitter{
		cfg:       cfg,
		events:    make(chan camlink.Event, eventQueueSize),
		published: make(map[string]uint64),
	}
}

// newEmitterWithClient creates an emitter bound to an existing client
func newEmitterWithClient(cfg *config.Config, c Client) *Emitter {
	e := NewEmitter(cfg)
	e.client = c
	e.connected = c.IsConnected()
	return e
}

// Connect establishes connection to MQTT broker
func (e *Emitter) Connect(ctx context.Context) error {
	broker := e.cfg.MQTT.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("telemetry: mqtt connection established",
			"broker", broker,
			"client_id", e.cfg.InstanceID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("telemetry: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
		)
	}

	mc := mqtt.NewClient(opts)

	slog.Info("telemetry: connecting to mqtt broker", "broker", broker)

	token := mc.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("telemetry: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry: mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.mc = mc
	e.client = mc
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Client returns the connected client, for the control plane
func (e *Emitter) Client() Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

// Handle queues ev for publishing. Never blocks.
func (e *Emitter) Handle(ev camlink.Event) {
	select {
	case e.events <- ev:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		slog.Debug("telemetry: event queue full, dropping event", "type", ev.Type)
	}
}

// Run publishes queued events until ctx is cancelled
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			if err := e.PublishEvent(ev); err != nil {
				slog.Debug("telemetry: event not published", "type", ev.Type, "error", err)
			}
		}
	}
}

// PublishEvent publishes ev on <events topic>/<event type>
func (e *Emitter) PublishEvent(ev camlink.Event) error {
	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Events, ev.Type)
	return e.publish(topic, e.qos("events"), ev)
}

// PublishHealth publishes a status snapshot on the health topic
func (e *Emitter) PublishHealth(v any) error {
	return e.publish(e.cfg.MQTT.Topics.Health, e.qos("health"), v)
}

func (e *Emitter) publish(topic string, qos byte, v any) error {
	e.mu.RLock()
	client, connected := e.client, e.connected
	e.mu.RUnlock()

	if client == nil || !connected {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := Encode(e.cfg.MQTT.Encoding, v)
	if err != nil {
		e.countError()
		return err
	}

	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("telemetry: published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// Disconnect closes the MQTT connection
func (e *Emitter) Disconnect() {
	e.mu.Lock()
	mc := e.mc
	e.connected = false
	e.mu.Unlock()

	if mc != nil && mc.IsConnected() {
		mc.Disconnect(250) // 250ms grace period
		slog.Info("telemetry: mqtt disconnected")
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
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
		Dropped:   e.dropped,
	}
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *Emitter) qos(kind string) byte {
	return e.cfg.MQTT.QoS[kind] // missing = QoS 0
}

// Encode marshals v as JSON or msgpack
func Encode(encoding string, v any) ([]byte, error) {
	switch encoding {
	case "", EncodingJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal json payload: %w", err)
		}
		return b, nil
	case EncodingMsgpack:
		b, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal msgpack payload: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}
