package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/capturekit/eventbus"
	"github.com/c360/capturekit/rtio"
	"github.com/c360/capturekit/stream"
)

// Loader handles configuration loading with layers and overrides. Layers
// are merged in order, later layers winning field by field, then
// environment variables are applied on top.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "CAPTUREKIT",
	}
}

// AddLayer adds a configuration file layer.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation during Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers over the defaults.
func (l *Loader) Load() (*Config, error) {
	cfg := l.getDefaults()

	for _, path := range l.layers {
		raw, err := l.loadRawYAML(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, raw)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// getDefaults returns the default configuration. The CAS root and
// manifest directory are deliberately empty so a missing layer fails
// validation instead of writing somewhere surprising.
func (l *Loader) getDefaults() *Config {
	cfg := &Config{
		Node: NodeConfig{
			Environment: "dev",
		},
		RTIO:     rtio.DefaultConfig(),
		Stream:   stream.DefaultConfig(""),
		EventBus: eventbus.DefaultConfig(),
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
	return cfg
}

// loadRawYAML reads one layer into a map, converting duration strings
// to nanoseconds so the merged map unmarshals cleanly.
func (l *Loader) loadRawYAML(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	if err := validateDepth(raw, maxNestingDepth); err != nil {
		return nil, fmt.Errorf("invalid config structure: %w", err)
	}

	parseDurations(raw)
	return raw, nil
}

// durationKeys are the map keys whose string values are parsed as
// durations ("2s", "100ms") instead of being passed through.
var durationKeys = map[string]bool{
	"reconnect_wait":  true,
	"ping_interval":   true,
	"health_interval": true,
	"connect_timeout": true,
	"drain_timeout":   true,
	"max_backoff":     true,
	"stop_grace":      true,
	"head_interval":   true,
}

// parseDurations walks the raw map and converts recognized duration
// strings to nanosecond integers.
func parseDurations(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			parseDurations(val)
		case string:
			if durationKeys[k] {
				if d, err := time.ParseDuration(val); err == nil {
					m[k] = d.Nanoseconds()
				}
			}
		}
	}
}

// mergeFromMap merges one raw layer into the config, only overriding
// fields present in the layer.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	merged := deepMergeMaps(baseMap, normalizeKeys(override))

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	var out Config
	if err := json.Unmarshal(mergedJSON, &out); err != nil {
		return base
	}
	return &out
}

// normalizeKeys converts a decoded YAML map to string-keyed form all
// the way down so it can round trip through JSON.
func normalizeKeys(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = normalizeValue(val)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeKeys(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[fmt.Sprint(k)] = normalizeValue(nested)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalizeValue(item)
		}
		return val
	default:
		return v
	}
}

// deepMergeMaps recursively merges two maps, with override winning.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

// applyEnvOverrides applies environment variable overrides on top of
// the merged layers.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := l.env("NODE_ID"); val != "" {
		cfg.Node.ID = val
	}
	if val := l.env("NODE_ENVIRONMENT"); val != "" {
		cfg.Node.Environment = val
	}
	if val := l.env("CAS_ROOT"); val != "" {
		cfg.CAS.Root = val
	}
	if val := l.env("MANIFEST_DIR"); val != "" {
		cfg.Stream.ManifestDir = val
	}
	if val := l.env("NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := l.env("METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
			cfg.Metrics.Enabled = true
		}
	}
	if val := l.env("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := l.env("LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

func (l *Loader) env(suffix string) string {
	val := os.Getenv(l.envPrefix + "_" + suffix)
	if len(val) > maxEnvVarLen {
		return ""
	}
	return strings.TrimSpace(val)
}

// validateDepth bounds the nesting of a decoded config map.
func validateDepth(v any, remaining int) error {
	if remaining <= 0 {
		return stderrors.New("nesting too deep")
	}
	switch val := v.(type) {
	case map[string]any:
		for _, nested := range val {
			if err := validateDepth(nested, remaining-1); err != nil {
				return err
			}
		}
	case []any:
		for _, nested := range val {
			if err := validateDepth(nested, remaining-1); err != nil {
				return err
			}
		}
	}
	return nil
}
