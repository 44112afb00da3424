// Package config provides YAML configuration loading and validation for the
// provisioning controller: backend endpoints, channel reconnect policy,
// poller cadence, and session behavior.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file omits a value.
const (
	DefaultReconnectBase    = 1 * time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultMaxReconnects    = 8
	DefaultHandshakeTimeout = 10 * time.Second

	DefaultPollInterval   = 2 * time.Second
	DefaultPollMaxWindow  = 5 * time.Minute
	DefaultRequestTimeout = 10 * time.Second

	DefaultOpenDelay   = 1500 * time.Millisecond
	DefaultDebounceTTL = 5 * time.Second
)

// Config is the root configuration document.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Channel ChannelConfig `yaml:"channel"`
	Poller  PollerConfig  `yaml:"poller"`
	Session SessionConfig `yaml:"session"`
}

// APIConfig locates the provisioning backend.
type APIConfig struct {
	// BaseURL is the http(s) root of the backend, e.g. https://hpc.example.org/api.
	BaseURL string `yaml:"base_url"`

	// Token authenticates requests. Usually left empty in the file and
	// supplied via environment or prompt.
	Token string `yaml:"token"`

	// RequestTimeout bounds each trigger/status round-trip.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// ChannelConfig controls the live event channel reconnect policy.
type ChannelConfig struct {
	ReconnectBase    Duration `yaml:"reconnect_base"`
	ReconnectMax     Duration `yaml:"reconnect_max"`
	MaxReconnects    int      `yaml:"max_reconnects"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// PollerConfig controls the readiness poller cadence and window.
type PollerConfig struct {
	Interval  Duration `yaml:"interval"`
	MaxWindow Duration `yaml:"max_window"`
}

// SessionConfig controls state machine behavior.
type SessionConfig struct {
	// OpenDelay is the pause between observing readiness and invoking the
	// destination action, letting final log lines flush.
	OpenDelay Duration `yaml:"open_delay"`

	// DebounceTTL suppresses repeated identical notifications.
	DebounceTTL Duration `yaml:"debounce_ttl"`

	// RetainMessagesOnRetry keeps the message history across retries.
	RetainMessagesOnRetry bool `yaml:"retain_messages_on_retry"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with all defaults applied and no backend.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.RequestTimeout <= 0 {
		c.API.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Channel.ReconnectBase <= 0 {
		c.Channel.ReconnectBase = Duration(DefaultReconnectBase)
	}
	if c.Channel.ReconnectMax <= 0 {
		c.Channel.ReconnectMax = Duration(DefaultReconnectMax)
	}
	if c.Channel.MaxReconnects <= 0 {
		c.Channel.MaxReconnects = DefaultMaxReconnects
	}
	if c.Channel.HandshakeTimeout <= 0 {
		c.Channel.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
	if c.Poller.Interval <= 0 {
		c.Poller.Interval = Duration(DefaultPollInterval)
	}
	if c.Poller.MaxWindow <= 0 {
		c.Poller.MaxWindow = Duration(DefaultPollMaxWindow)
	}
	if c.Session.OpenDelay <= 0 {
		c.Session.OpenDelay = Duration(DefaultOpenDelay)
	}
	if c.Session.DebounceTTL <= 0 {
		c.Session.DebounceTTL = Duration(DefaultDebounceTTL)
	}
}

// Validate checks cross-field consistency. BaseURL is required.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url must use http or https, got %q", u.Scheme)
	}
	if c.Channel.ReconnectBase.Std() > c.Channel.ReconnectMax.Std() {
		return fmt.Errorf("channel.reconnect_base (%s) exceeds channel.reconnect_max (%s)",
			c.Channel.ReconnectBase.Std(), c.Channel.ReconnectMax.Std())
	}
	if c.Poller.Interval.Std() >= c.Poller.MaxWindow.Std() {
		return fmt.Errorf("poller.interval (%s) must be shorter than poller.max_window (%s)",
			c.Poller.Interval.Std(), c.Poller.MaxWindow.Std())
	}
	return nil
}
