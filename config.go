package reservoir

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	// ReservationExpirySeconds is the expiry horizon for new reservations.
	ReservationExpirySeconds int `yaml:"reservation_expiry_seconds"`

	Retry     RetryConfig      `yaml:"retry"`
	Resources []ResourceConfig `yaml:"resources"`
}

// RetryConfig bounds the automatic retry of contended reservation attempts.
type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BaseIntervalMs int `yaml:"base_interval_ms"`
}

// ResourceConfig declares one resource kind and its default limit.
// A negative default means unlimited.
type ResourceConfig struct {
	Name    string `yaml:"name"`
	Default int64  `yaml:"default"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reservoir: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("reservoir: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.ReservationExpirySeconds < 0 {
		return fmt.Errorf("reservoir: config: reservation_expiry_seconds must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("reservoir: config: retry.max_attempts must not be negative")
	}
	if c.Retry.BaseIntervalMs < 0 {
		return fmt.Errorf("reservoir: config: retry.base_interval_ms must not be negative")
	}

	names := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		if r.Name == "" {
			return fmt.Errorf("reservoir: config: resources[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("reservoir: config: duplicate resource %q", r.Name)
		}
		names[r.Name] = true
	}
	return nil
}

// Registry builds the resource registry from the declared resources,
// attaching the matching usage counter from counters (keyed by resource
// name). Resources without a counter can only be validated via LimitCheck.
func (c Config) Registry(counters map[string]CountFunc) map[string]Resource {
	resources := make(map[string]Resource, len(c.Resources))
	for _, r := range c.Resources {
		resources[r.Name] = Resource{
			Name:    r.Name,
			Default: r.Default,
			Count:   counters[r.Name],
		}
	}
	return resources
}

// Options returns the engine options derived from the config. Zero values
// fall back to engine defaults.
func (c Config) Options() []Option {
	var opts []Option
	if c.ReservationExpirySeconds > 0 {
		opts = append(opts, WithExpiry(time.Duration(c.ReservationExpirySeconds)*time.Second))
	}
	if c.Retry.MaxAttempts > 0 {
		base := time.Duration(c.Retry.BaseIntervalMs) * time.Millisecond
		if base == 0 {
			base = defaultRetryInterval
		}
		opts = append(opts, WithRetry(c.Retry.MaxAttempts, base))
	}
	return opts
}
