// Copyright 2024-2026 Aiku AI

// Package config loads the gateway configuration from YAML with
// environment-variable fallbacks for container deployments.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway configuration.
type Config struct {
	// ListenAddr is the HTTP API listen address. Defaults to ":3000".
	ListenAddr string `yaml:"listen_addr"`
	// DatabasePath is the SQLite database file. Defaults to
	// "data/wagate.db".
	DatabasePath string `yaml:"database_path"`

	// ReconnectDelaySeconds is the wait after a recoverable connection
	// loss before retrying. Defaults to 5.
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`
	// ReconnectMultiplier, when greater than 1, grows the delay
	// exponentially per consecutive failure.
	ReconnectMultiplier float64 `yaml:"reconnect_multiplier"`
	// ReconnectMaxDelaySeconds caps exponential growth.
	ReconnectMaxDelaySeconds int `yaml:"reconnect_max_delay_seconds"`

	// LogLevel is a zerolog level name. Defaults to "info".
	LogLevel string `yaml:"log_level"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Load reads the config file at path, falling back to defaults and env
// vars when the file is absent. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Run on defaults and env vars.
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WAGATE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	} else if v := os.Getenv("PORT"); v != "" && c.ListenAddr == "" {
		c.ListenAddr = ":" + v
	}
	if v := os.Getenv("WAGATE_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("WAGATE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// PostProcess fills defaults and validates the result.
func (c *Config) PostProcess() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/wagate.db"
	}
	if c.ReconnectDelaySeconds <= 0 {
		c.ReconnectDelaySeconds = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ReconnectMultiplier < 0 {
		return fmt.Errorf("reconnect_multiplier must not be negative, got %v", c.ReconnectMultiplier)
	}
	if c.ReconnectMaxDelaySeconds < 0 {
		return fmt.Errorf("reconnect_max_delay_seconds must not be negative, got %d", c.ReconnectMaxDelaySeconds)
	}
	return nil
}
