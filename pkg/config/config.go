package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	LogLevel string      `yaml:"log_level" default:"info"`
	MQTT     MQTTConfig  `yaml:"mqtt"`
	BLE      BLEConfig   `yaml:"ble"`
	Agent    AgentConfig `yaml:"agent"`
}

// MQTTConfig configures the broker connection and topic layout.
type MQTTConfig struct {
	Server   string       `yaml:"server" default:"tcp://localhost:1883"`
	ClientID string       `yaml:"client_id" default:"ble2mqtt"`
	Username string       `yaml:"username"`
	Password string       `yaml:"password"`
	QoS      int          `yaml:"qos" default:"0"`
	Retain   bool         `yaml:"retain" default:"false"`
	Topics   TopicsConfig `yaml:"topics"`
	// Outbox is the number of publishes that may wait for the broker.
	Outbox uint32 `yaml:"outbox" default:"1024"`
}

// TopicsConfig controls how characteristic topics are named.
type TopicsConfig struct {
	// DeviceName is the device property used as the first topic segment.
	DeviceName string `yaml:"device_name" default:"Alias"`
	SetSuffix  string `yaml:"set_suffix" default:"/set"`
	Prefix     string `yaml:"prefix"`
}

// BLEConfig selects devices and names their attributes.
type BLEConfig struct {
	// Whitelist and Blacklist are regular expressions matched against the
	// device address. A whitelist wins when both are set.
	Whitelist          []string            `yaml:"whitelist"`
	Blacklist          []string            `yaml:"blacklist"`
	Services           map[string]string   `yaml:"services"`
	Characteristics    map[string]string   `yaml:"characteristics"`
	Types              map[string][]string `yaml:"types"`
	DiscoveryTransport string              `yaml:"discovery_transport" default:"le"`
	AdapterSettle      time.Duration       `yaml:"adapter_settle" default:"2s"`
}

// AgentConfig controls the pairing agent.
type AgentConfig struct {
	Enabled bool    `yaml:"enabled" default:"true"`
	Path    string  `yaml:"path" default:"/org/ble2mqtt/agent"`
	Passkey *uint32 `yaml:"passkey"`
}

var (
	deviceNameProperties = map[string]bool{"Alias": true, "Address": true, "Name": true}
	brokerSchemes        = map[string]bool{"tcp": true, "ssl": true, "tls": true, "mqtt": true, "mqtts": true, "ws": true, "wss": true}
	discoveryTransports  = map[string]bool{"auto": true, "le": true, "bredr": true}
)

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults and validates the result. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that YAML decoding cannot.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	if u, err := url.Parse(c.MQTT.Server); err != nil || !brokerSchemes[u.Scheme] || u.Host == "" {
		errs = append(errs, fmt.Errorf("mqtt.server: %q is not a broker URL", c.MQTT.Server))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos: %d is not 0, 1 or 2", c.MQTT.QoS))
	}
	if c.MQTT.Outbox == 0 {
		errs = append(errs, errors.New("mqtt.outbox: must be positive"))
	}
	if !deviceNameProperties[c.MQTT.Topics.DeviceName] {
		errs = append(errs, fmt.Errorf("mqtt.topics.device_name: %q is not Alias, Address or Name", c.MQTT.Topics.DeviceName))
	}
	if c.MQTT.Topics.SetSuffix == "" {
		errs = append(errs, errors.New("mqtt.topics.set_suffix: must not be empty"))
	}

	for field, patterns := range map[string][]string{"whitelist": c.BLE.Whitelist, "blacklist": c.BLE.Blacklist} {
		for _, p := range patterns {
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Errorf("ble.%s: %w", field, err))
			}
		}
	}
	if !discoveryTransports[c.BLE.DiscoveryTransport] {
		errs = append(errs, fmt.Errorf("ble.discovery_transport: %q is not auto, le or bredr", c.BLE.DiscoveryTransport))
	}
	if c.BLE.AdapterSettle < 0 {
		errs = append(errs, errors.New("ble.adapter_settle: must not be negative"))
	}

	if c.Agent.Passkey != nil && *c.Agent.Passkey > 999999 {
		errs = append(errs, fmt.Errorf("agent.passkey: %d has more than six digits", *c.Agent.Passkey))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
