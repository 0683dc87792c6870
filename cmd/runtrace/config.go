package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config holds the settings read from the YAML configuration file.
	// Command line flags override individual fields.
	Config struct {
		// APIBaseURL is the run control API root.
		APIBaseURL string `yaml:"api_base_url"`
		// Source selects the stream transport, "pulse" or "sse".
		Source string `yaml:"source"`
		// Buffer is the per-subscription event channel capacity.
		Buffer int `yaml:"buffer"`
		// Timeout bounds each control call.
		Timeout duration `yaml:"timeout"`
		// Redis configures the connection backing Pulse streams.
		Redis RedisConfig `yaml:"redis"`
	}

	// RedisConfig configures the Redis connection used by the Pulse source.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// duration parses YAML values like "10s" or "1m30s".
	duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

const (
	sourcePulse = "pulse"
	sourceSSE   = "sse"
)

// loadConfig reads the YAML file at path when it exists and applies defaults.
// An empty path yields the default configuration.
func loadConfig(path string) (Config, error) {
	cfg := Config{
		Source: sourceSSE,
		Buffer: 64,
		Redis:  RedisConfig{Addr: "localhost:6379"},
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Source != sourcePulse && c.Source != sourceSSE {
		return fmt.Errorf("invalid source %q (valid sources: %s, %s)", c.Source, sourcePulse, sourceSSE)
	}
	if c.Source == sourcePulse && c.Redis.Addr == "" {
		return errors.New("redis address is required for the pulse source")
	}
	return nil
}
