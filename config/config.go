package config

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/errors"
	"github.com/c360/capturekit/eventbus"
	"github.com/c360/capturekit/natsclient"
	"github.com/c360/capturekit/rtio"
	"github.com/c360/capturekit/stream"
)

// Config is the complete configuration for a capture node. Each section
// maps onto the config type of the package it drives.
type Config struct {
	Node     NodeConfig      `yaml:"node" json:"node"`
	CAS      cas.Config      `yaml:"cas" json:"cas"`
	RTIO     rtio.Config     `yaml:"rtio" json:"rtio"`
	Stream   stream.Config   `yaml:"stream" json:"stream"`
	EventBus eventbus.Config `yaml:"eventbus" json:"eventbus"`
	NATS     NATSConfig      `yaml:"nats" json:"nats"`
	Metrics  MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging  LoggingConfig   `yaml:"logging" json:"logging"`
}

// NodeConfig identifies this capture node.
type NodeConfig struct {
	// ID names the node in logs and metric labels. Must be usable as a
	// NATS subject token.
	ID string `yaml:"id" json:"id"`

	// Environment tags the deployment ("prod", "dev", "test").
	Environment string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// NATSConfig defines the NATS connection settings.
type NATSConfig struct {
	URL                     string        `yaml:"url" json:"url"`
	Name                    string        `yaml:"name,omitempty" json:"name,omitempty"`
	MaxReconnects           int           `yaml:"max_reconnects,omitempty" json:"max_reconnects,omitempty"`
	ReconnectWait           time.Duration `yaml:"reconnect_wait,omitempty" json:"reconnect_wait,omitempty"`
	PingInterval            time.Duration `yaml:"ping_interval,omitempty" json:"ping_interval,omitempty"`
	HealthInterval          time.Duration `yaml:"health_interval,omitempty" json:"health_interval,omitempty"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
	DrainTimeout            time.Duration `yaml:"drain_timeout,omitempty" json:"drain_timeout,omitempty"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold,omitempty" json:"circuit_breaker_threshold,omitempty"`
	MaxBackoff              time.Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`
}

// Options translates the section into client options. Logger and metrics
// are supplied by the caller since they are process-level singletons.
func (n NATSConfig) Options() []natsclient.Option {
	var opts []natsclient.Option
	if n.Name != "" {
		opts = append(opts, natsclient.WithClientName(n.Name))
	}
	if n.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(n.MaxReconnects))
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait))
	}
	if n.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(n.PingInterval))
	}
	if n.HealthInterval > 0 {
		opts = append(opts, natsclient.WithHealthInterval(n.HealthInterval))
	}
	if n.ConnectTimeout > 0 {
		opts = append(opts, natsclient.WithTimeout(n.ConnectTimeout))
	}
	if n.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(n.DrainTimeout))
	}
	if n.CircuitBreakerThreshold > 0 {
		opts = append(opts, natsclient.WithCircuitBreakerThreshold(int32(n.CircuitBreakerThreshold)))
	}
	if n.MaxBackoff > 0 {
		opts = append(opts, natsclient.WithMaxBackoff(n.MaxBackoff))
	}
	return opts
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Format is "text" or "json".
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// Logger builds an slog logger from the section, writing to stderr.
func (l LoggingConfig) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(l.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Validate checks the whole configuration, delegating to each section.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errors.WrapInvalid(stderrors.New("node.id is required"), "config.Config", "Validate", "node check")
	}
	if !isValidSubjectToken(c.Node.ID) {
		return errors.WrapInvalid(
			fmt.Errorf("node.id %q is not valid for NATS subjects", c.Node.ID),
			"config.Config", "Validate", "node check")
	}

	if err := c.CAS.Validate(); err != nil {
		return fmt.Errorf("cas: %w", err)
	}
	if err := c.RTIO.Validate(); err != nil {
		return fmt.Errorf("rtio: %w", err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	if c.EventBus.Workers < 0 || c.EventBus.QueueSize < 0 {
		return errors.WrapInvalid(stderrors.New("eventbus sizes must be non-negative"),
			"config.Config", "Validate", "eventbus check")
	}

	if c.NATS.URL == "" {
		return errors.WrapInvalid(stderrors.New("nats.url is required"), "config.Config", "Validate", "nats check")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(stderrors.New("metrics.port must be a valid port when metrics are enabled"),
			"config.Config", "Validate", "metrics check")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown log level %q", c.Logging.Level),
			"config.Config", "Validate", "logging check")
	}

	return nil
}

// isValidSubjectToken checks if a string is a single valid NATS subject
// token: alphanumeric plus dashes and underscores, no dots or wildcards.
func isValidSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "config.Config", "SaveToFile", "marshal")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "config.Config", "SaveToFile", "write")
	}
	return nil
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(stderrors.New("config cannot be nil"), "config.SafeConfig", "Update", "nil check")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
