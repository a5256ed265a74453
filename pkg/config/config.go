package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds scheduler configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	Address  string `yaml:"address"`

	// Timeouts; zero disables the corresponding timer.
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"30s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`
	DefaultTimeout    time.Duration `yaml:"default_timeout" default:"10s"`

	// Connect retry on transient GATT errors
	ConnectRetries             int           `yaml:"connect_retries" default:"3"`
	RetryDelay                 time.Duration `yaml:"retry_delay" default:"200ms"`
	ConnectionTimeoutThreshold time.Duration `yaml:"connection_timeout_threshold" default:"20s"`
	RetryWindow                time.Duration `yaml:"retry_window" default:"1m"`
	RetryWindowLimit           int           `yaml:"retry_window_limit" default:"10"`

	PreferredMTU int `yaml:"preferred_mtu" default:"0"`
	EventBuffer  int `yaml:"event_buffer" default:"64"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":              c.ConnectTimeout,
		"disconnect_timeout":           c.DisconnectTimeout,
		"default_timeout":              c.DefaultTimeout,
		"retry_delay":                  c.RetryDelay,
		"connection_timeout_threshold": c.ConnectionTimeoutThreshold,
		"retry_window":                 c.RetryWindow,
	} {
		if d < 0 {
			return fmt.Errorf("invalid %s: %s (must not be negative)", name, d)
		}
	}
	if c.ConnectRetries < 0 {
		return fmt.Errorf("invalid connect_retries: %d (must not be negative)", c.ConnectRetries)
	}
	if c.RetryWindowLimit < 0 {
		return fmt.Errorf("invalid retry_window_limit: %d (must not be negative)", c.RetryWindowLimit)
	}
	if c.PreferredMTU != 0 && (c.PreferredMTU < 23 || c.PreferredMTU > 517) {
		return fmt.Errorf("invalid preferred_mtu: %d (must be 0 or between 23 and 517)", c.PreferredMTU)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("invalid event_buffer: %d (must be positive)", c.EventBuffer)
	}
	return nil
}

// ParseLevel maps a log level name onto a logrus level.
func ParseLevel(level string) (logrus.Level, error) {
	switch level {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "panic":
		return logrus.PanicLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, error or panic)", level)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
