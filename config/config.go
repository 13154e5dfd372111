// Package config loads the daemon configuration from a YAML file with
// environment variable overrides. Environment values win over file values;
// defaults fill whatever remains unset.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/openremote/openremote-sub002/errors"
)

// Config is the complete daemon configuration.
type Config struct {
	NATS    NATSConfig    `yaml:"nats"`
	Engine  EngineConfig  `yaml:"engine"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// NATSConfig selects the bus.
type NATSConfig struct {
	URL           string        `yaml:"url" env:"RULES_NATS_URL"`
	Name          string        `yaml:"name" env:"RULES_NATS_NAME"`
	ReconnectWait time.Duration `yaml:"reconnectWait" env:"RULES_NATS_RECONNECT_WAIT"`
	Timeout       time.Duration `yaml:"timeout" env:"RULES_NATS_TIMEOUT"`
}

// EngineConfig tunes rule evaluation.
type EngineConfig struct {
	// QuickFireDelay debounces fires after fact mutations.
	QuickFireDelay time.Duration `yaml:"quickFireDelay" env:"RULES_QUICK_FIRE_DELAY"`
	// TempFactExpiration is the periodic re-fire interval while temporal
	// facts or timers remain.
	TempFactExpiration time.Duration `yaml:"tempFactExpiration" env:"RULES_TEMP_FACT_EXPIRATION"`
	// DefaultEventExpires bounds event facts without their own expiry.
	DefaultEventExpires time.Duration `yaml:"defaultEventExpires" env:"RULES_DEFAULT_EVENT_EXPIRES"`
	// DispatchRate caps attribute event publishes per second, 0 for
	// unlimited.
	DispatchRate float64 `yaml:"dispatchRate" env:"RULES_DISPATCH_RATE"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"RULES_METRICS_ENABLED"`
	Address string `yaml:"address" env:"RULES_METRICS_ADDRESS"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level" env:"RULES_LOG_LEVEL"`
	Format string `yaml:"format" env:"RULES_LOG_FORMAT"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "openremote-rules",
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Engine: EngineConfig{
			QuickFireDelay:      3 * time.Second,
			TempFactExpiration:  50 * time.Second,
			DefaultEventExpires: time.Hour,
			DispatchRate:        0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file (when path is non-empty), applies env overrides and
// validates. A missing file with an empty path is not an error; a missing
// file with an explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "Config", "Load", "read "+path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "Config", "Load", "parse "+path)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "Config", "Load", "apply environment")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "nats.url")
	}
	if c.Engine.QuickFireDelay <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "engine.quickFireDelay must be positive")
	}
	if c.Engine.TempFactExpiration <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "engine.tempFactExpiration must be positive")
	}
	if c.Engine.DefaultEventExpires <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "engine.defaultEventExpires must be positive")
	}
	if c.Engine.DispatchRate < 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "engine.dispatchRate cannot be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "log.format must be json or text")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "metrics.address")
	}
	return nil
}
