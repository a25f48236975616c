package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/camlink"
	"github.com/e7canasta/camlink/internal/retry"
)

// Config represents the complete camlink daemon configuration
type Config struct {
	InstanceID       string            `yaml:"instance_id"`
	ShutdownTimeoutS int               `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Destination      DestinationConfig `yaml:"destination"`
	Pipeline         PipelineConfig    `yaml:"pipeline"`
	Switch           SwitchConfig      `yaml:"switch"`
	Capture          CaptureConfig     `yaml:"capture"`
	Expander         ExpanderConfig    `yaml:"expander"`
	MQTT             MQTTConfig        `yaml:"mqtt"`
	Health           HealthConfig      `yaml:"health"`
}

// DestinationConfig is the UDP receiver address
type DestinationConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PipelineConfig contains frame pacing settings
type PipelineConfig struct {
	CaptureIntervalMS int `yaml:"capture_interval_ms"` // hot-reloadable
	PacketIntervalMS  int `yaml:"packet_interval_ms"`
	QueueDepth        int `yaml:"queue_depth"`
	InitialCamera     int `yaml:"initial_camera"` // 1 or 2
}

// SwitchConfig contains mux timing and wiring
type SwitchConfig struct {
	HandoffTimeoutMS      int            `yaml:"handoff_timeout_ms"`
	MuxSettleMS           int            `yaml:"mux_settle_ms"`
	ConnectTimeoutMS      int            `yaml:"connect_timeout_ms"`
	PowerSettleMS         int            `yaml:"power_settle_ms"`
	EnableSettleMS        int            `yaml:"enable_settle_ms"`
	OutputEnableActiveLow bool           `yaml:"output_enable_active_low"`
	Pins                  camlink.PinMap `yaml:"pins"`
	RetryAttempts         int            `yaml:"retry_attempts"`
	RetryBackoffMS        int            `yaml:"retry_backoff_ms"`
}

// CaptureConfig selects the capture backend and stream parameters
type CaptureConfig struct {
	Backend string `yaml:"backend"` // gstreamer, v4l2
	Device  string `yaml:"device"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
	Buffers int    `yaml:"buffers"`
}

// ExpanderConfig locates the XL9535 on the I2C bus
type ExpanderConfig struct {
	Bus     string `yaml:"bus"` // "" = first available
	Address uint16 `yaml:"address"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Broker   string          `yaml:"broker"`
	Encoding string          `yaml:"encoding"` // json, msgpack
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Health  string `yaml:"health"`
}

// HealthConfig contains the HTTP health server settings
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses a YAML configuration file, applies CAMLINK_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadDotEnv loads variables from an optional .env file. Variables already
// set in the environment win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Environment variables overriding the file
const (
	EnvInstanceID = "CAMLINK_INSTANCE_ID"
	EnvDestHost   = "CAMLINK_DEST_HOST"
	EnvDestPort   = "CAMLINK_DEST_PORT"
	EnvMQTTBroker = "CAMLINK_MQTT_BROKER"
	EnvDevice     = "CAMLINK_DEVICE"
)

// ApplyEnv overrides configuration from CAMLINK_* environment variables
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvInstanceID); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv(EnvDestHost); v != "" {
		cfg.Destination.Host = v
	}
	if v := os.Getenv(EnvDestPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDestPort, err)
		}
		cfg.Destination.Port = port
	}
	if v := os.Getenv(EnvMQTTBroker); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv(EnvDevice); v != "" {
		cfg.Capture.Device = v
	}
	return nil
}

// DestinationAddr returns the receiver address as host:port
func (c *Config) DestinationAddr() string {
	return net.JoinHostPort(c.Destination.Host, strconv.Itoa(c.Destination.Port))
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// CaptureInterval returns the configured capture interval
func (c *Config) CaptureInterval() time.Duration {
	return ms(c.Pipeline.CaptureIntervalMS)
}

// PipelineConfig converts the file configuration into a camlink.Config.
// Zero values are left for camlink.New to default.
func (c *Config) PipelineConfig() camlink.Config {
	return camlink.Config{
		QueueDepth:      c.Pipeline.QueueDepth,
		CaptureInterval: ms(c.Pipeline.CaptureIntervalMS),
		PacketInterval:  ms(c.Pipeline.PacketIntervalMS),
		InitialCamera:   camlink.CameraSelector(c.Pipeline.InitialCamera),
		Switch: camlink.SwitchConfig{
			HandoffTimeout:        ms(c.Switch.HandoffTimeoutMS),
			MuxSettle:             ms(c.Switch.MuxSettleMS),
			ConnectTimeout:        ms(c.Switch.ConnectTimeoutMS),
			PowerSettle:           ms(c.Switch.PowerSettleMS),
			EnableSettle:          ms(c.Switch.EnableSettleMS),
			OutputEnableActiveLow: c.Switch.OutputEnableActiveLow,
			Pins:                  c.Switch.Pins,
			Retry: retry.Config{
				MaxAttempts: c.Switch.RetryAttempts,
				Backoff:     ms(c.Switch.RetryBackoffMS),
			},
			Capture: camlink.CaptureConfig{
				Device:  c.Capture.Device,
				Width:   c.Capture.Width,
				Height:  c.Capture.Height,
				FPS:     c.Capture.FPS,
				Buffers: c.Capture.Buffers,
			},
		},
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
