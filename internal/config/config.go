// Package config loads the relay configuration.
//
// Values start from Default, are overlaid by an optional YAML file and then
// by command-line flags. Validate runs last.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config is the complete relay configuration.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// IdentityConfig locates the relay key.
type IdentityConfig struct {
	// KeyFile holds the PEM encoded Ed25519 key. It is created on first
	// start. Empty means an ephemeral key.
	KeyFile string `yaml:"key_file"`
}

// OverlayConfig configures the QUIC overlay listener.
type OverlayConfig struct {
	Listen          string        `yaml:"listen"`
	MaxIdleTimeout  time.Duration `yaml:"max_idle_timeout"`
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period"`
	// OutboxSize bounds the frames queued per connection.
	OutboxSize   int           `yaml:"outbox_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BridgeConfig configures the websocket endpoint for external clients.
type BridgeConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
	// EnvelopeBuffer bounds the envelopes waiting for the coordinating loop.
	EnvelopeBuffer int `yaml:"envelope_buffer"`
	// ClientBuffer bounds the messages queued per websocket session.
	ClientBuffer   int      `yaml:"client_buffer"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Overlay: OverlayConfig{
			Listen:          "0.0.0.0:9090",
			MaxIdleTimeout:  5 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
			OutboxSize:      32,
			WriteTimeout:    10 * time.Second,
		},
		Bridge: BridgeConfig{
			Listen:         "0.0.0.0:9091",
			Path:           "/signal",
			EnvelopeBuffer: 100,
			ClientBuffer:   32,
		},
		Discovery: DiscoveryConfig{
			Instance: "sigrelay",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile reads path over the defaults and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	var errs error
	if c.Overlay.Listen == "" {
		errs = multierr.Append(errs, errors.New("overlay.listen is empty"))
	}
	if c.Overlay.OutboxSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("overlay.outbox_size must be positive, got %d", c.Overlay.OutboxSize))
	}
	if c.Overlay.WriteTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("overlay.write_timeout must be positive"))
	}
	if c.Overlay.MaxIdleTimeout < 0 || c.Overlay.KeepAlivePeriod < 0 {
		errs = multierr.Append(errs, errors.New("overlay timeouts must not be negative"))
	}
	if c.Bridge.Listen == "" {
		errs = multierr.Append(errs, errors.New("bridge.listen is empty"))
	}
	if !strings.HasPrefix(c.Bridge.Path, "/") {
		errs = multierr.Append(errs, fmt.Errorf("bridge.path %q must start with /", c.Bridge.Path))
	}
	if c.Bridge.EnvelopeBuffer <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("bridge.envelope_buffer must be positive, got %d", c.Bridge.EnvelopeBuffer))
	}
	if c.Bridge.ClientBuffer <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("bridge.client_buffer must be positive, got %d", c.Bridge.ClientBuffer))
	}
	if c.Metrics.Enabled {
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = multierr.Append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
		} else if c.Metrics.Path == c.Bridge.Path || c.Metrics.Path == HealthPath {
			errs = multierr.Append(errs, fmt.Errorf("metrics.path %q collides with another endpoint", c.Metrics.Path))
		}
	}
	if c.Discovery.Enabled && c.Discovery.Instance == "" {
		errs = multierr.Append(errs, errors.New("discovery.instance is empty"))
	}
	if lvl := strings.ToLower(c.Log.Level); lvl != "" && !slices.Contains(LogLevels, lvl) {
		errs = multierr.Append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format %q unknown", c.Log.Format))
	}
	if errs != nil {
		return fmt.Errorf("config: invalid: %w", errs)
	}
	return nil
}

// LogLevels lists the accepted log.level values. An empty level means info.
var LogLevels = []string{"debug", "info", "warn", "warning", "error"}

// HealthPath is served next to the bridge endpoint.
const HealthPath = "/healthz"
