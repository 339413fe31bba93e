package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/CalebKornegay/DigitalDash/internal/bledb"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Output formats for readings printed by the CLI
const (
	FormatText = "text"
	FormatJSON = "json"
)

var (
	macAddressPattern  = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)
	peripheralIDFormat = regexp.MustCompile(`^[0-9A-Fa-f]{8}-([0-9A-Fa-f]{4}-){3}[0-9A-Fa-f]{12}$`)
)

// MQTT holds the optional broker settings. An empty URL disables publishing.
type MQTT struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DeviceID    string `yaml:"device_id" default:"digidash"`
	TopicPrefix string `yaml:"topic_prefix" default:"digidash"`
	QoS         byte   `yaml:"qos" default:"0"`
}

// Enabled reports whether a broker is configured.
func (m MQTT) Enabled() bool {
	return strings.TrimSpace(m.URL) != ""
}

// Config holds application configuration
type Config struct {
	Address        string        `yaml:"address" default:"B8:27:EB:19:80:D8"`
	ServiceUUID    string        `yaml:"service_uuid" default:"1812"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"15s"`
	LogLevel       string        `yaml:"log_level" default:"info"`
	OutputFormat   string        `yaml:"output_format" default:"text"`
	MQTT           MQTT          `yaml:"mqtt"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if !ValidAddress(c.Address) {
		errs = append(errs, fmt.Errorf("address %q is neither a MAC address nor a peripheral UUID", c.Address))
	}
	if bledb.NormalizeUUID(c.ServiceUUID) == "" {
		errs = append(errs, fmt.Errorf("service_uuid %q is not a valid UUID", c.ServiceUUID))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.OutputFormat {
	case FormatText, FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("output_format %q is not one of %s, %s", c.OutputFormat, FormatText, FormatJSON))
	}
	if c.MQTT.Enabled() {
		if err := validateBrokerURL(c.MQTT.URL); err != nil {
			errs = append(errs, err)
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
		}
		if strings.TrimSpace(c.MQTT.TopicPrefix) == "" {
			errs = append(errs, errors.New("mqtt.topic_prefix is required"))
		}
	}

	return errors.Join(errs...)
}

// ValidAddress accepts a MAC address or a CoreBluetooth peripheral identifier.
func ValidAddress(address string) bool {
	return macAddressPattern.MatchString(address) || peripheralIDFormat.MatchString(address)
}

func validateBrokerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("mqtt.url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "mqtts", "ssl", "tls", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.url scheme %q is not supported", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("mqtt.url %q has no host", raw)
	}
	return nil
}

// Level returns the configured log level, falling back to info.
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
