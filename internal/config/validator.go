package config

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Defaults for the reference deployment
const (
	DefaultDestHost   = "192.168.2.181"
	DefaultDestPort   = 3333
	DefaultDevice     = "/dev/video0"
	DefaultHealthAddr = ":8080"
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		cfg.InstanceID = "camlink-" + uuid.NewString()[:8]
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Validate destination
	if cfg.Destination.Host == "" {
		cfg.Destination.Host = DefaultDestHost
	}
	if cfg.Destination.Port == 0 {
		cfg.Destination.Port = DefaultDestPort
	}
	if cfg.Destination.Port < 1 || cfg.Destination.Port > 65535 {
		return fmt.Errorf("destination.port must be 1-65535, got %d", cfg.Destination.Port)
	}

	// Validate pipeline
	if cfg.Pipeline.CaptureIntervalMS < 0 || cfg.Pipeline.PacketIntervalMS < 0 || cfg.Pipeline.QueueDepth < 0 {
		return fmt.Errorf("pipeline values must be >= 0")
	}
	switch cfg.Pipeline.InitialCamera {
	case 0, 1, 2:
	default:
		return fmt.Errorf("pipeline.initial_camera must be 1 or 2, got %d", cfg.Pipeline.InitialCamera)
	}

	// Validate switch timings
	for name, v := range map[string]int{
		"handoff_timeout_ms": cfg.Switch.HandoffTimeoutMS,
		"mux_settle_ms":      cfg.Switch.MuxSettleMS,
		"connect_timeout_ms": cfg.Switch.ConnectTimeoutMS,
		"power_settle_ms":    cfg.Switch.PowerSettleMS,
		"enable_settle_ms":   cfg.Switch.EnableSettleMS,
		"retry_attempts":     cfg.Switch.RetryAttempts,
		"retry_backoff_ms":   cfg.Switch.RetryBackoffMS,
	} {
		if v < 0 {
			return fmt.Errorf("switch.%s must be >= 0, got %d", name, v)
		}
	}
	pins := cfg.Switch.Pins
	for _, p := range []uint8{uint8(pins.OutputEnable), uint8(pins.Select), uint8(pins.DCEnable)} {
		if p > 15 {
			return fmt.Errorf("switch.pins: pin %d out of range 0-15", p)
		}
	}
	if pins.OutputEnable != 0 || pins.Select != 0 || pins.DCEnable != 0 {
		if pins.OutputEnable == pins.Select || pins.Select == pins.DCEnable || pins.OutputEnable == pins.DCEnable {
			return fmt.Errorf("switch.pins must be distinct, got %+v", pins)
		}
	}

	// Validate capture
	switch cfg.Capture.Backend {
	case "":
		cfg.Capture.Backend = "gstreamer"
	case "gstreamer", "v4l2":
	default:
		return fmt.Errorf("capture.backend must be gstreamer or v4l2, got %q", cfg.Capture.Backend)
	}
	if cfg.Capture.Device == "" {
		cfg.Capture.Device = DefaultDevice
	}
	if cfg.Capture.FPS < 0 || cfg.Capture.Buffers < 0 || cfg.Capture.Width < 0 || cfg.Capture.Height < 0 {
		return fmt.Errorf("capture values must be >= 0")
	}

	// Validate expander
	if cfg.Expander.Address == 0 {
		cfg.Expander.Address = 0x20
	}
	if cfg.Expander.Address < 0x20 || cfg.Expander.Address > 0x27 {
		return fmt.Errorf("expander.address must be 0x20-0x27, got 0x%02x", cfg.Expander.Address)
	}

	// Validate MQTT
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch cfg.MQTT.Encoding {
	case "":
		cfg.MQTT.Encoding = "json"
	case "json", "msgpack":
	default:
		return fmt.Errorf("mqtt.encoding must be json or msgpack, got %q", cfg.MQTT.Encoding)
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("camlink/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("camlink/events/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("camlink/health/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"events":  1,
			"health":  0,
		}
	}

	if cfg.Health.Addr == "" {
		cfg.Health.Addr = DefaultHealthAddr
	}

	return nil
}
