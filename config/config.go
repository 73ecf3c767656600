// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the chat relay.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Bus     BusConfig     `yaml:"bus"`
	Auth    AuthConfig    `yaml:"auth"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig holds listener-related configuration.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	TLSCAFile       string        `yaml:"tls_ca_file"`
	TCPMaxConn      int           `yaml:"tcp_max_connections"`
	ConnRatePerIP   float64       `yaml:"conn_rate_per_ip"`
	ConnBurstPerIP  int           `yaml:"conn_burst_per_ip"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// BusConfig holds pub/sub transport configuration.
type BusConfig struct {
	Type           string        `yaml:"type"` // memory, mqtt
	BrokerURL      string        `yaml:"broker_url"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// AuthConfig holds credential store configuration.
type AuthConfig struct {
	Type      string     `yaml:"type"` // memory, badger
	BadgerDir string     `yaml:"badger_dir"`
	Users     []SeedUser `yaml:"users"`
}

// SeedUser is a credential loaded into the store at startup.
type SeedUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SessionConfig holds per-session settings.
type SessionConfig struct {
	QueueSize        int           `yaml:"queue_size"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":5223",
			TLSEnabled:      false,
			TCPMaxConn:      10000,
			ConnRatePerIP:   10,
			ConnBurstPerIP:  20,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bus: BusConfig{
			Type:           "memory",
			ClientIDPrefix: "chatflux",
			ConnectTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Type:      "memory",
			BadgerDir: "/tmp/chatflux/users",
		},
		Session: SessionConfig{
			QueueSize:        64,
			PublishTimeout:   5 * time.Second,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr cannot be empty")
	}
	if c.Server.TCPMaxConn < 0 {
		return fmt.Errorf("server.tcp_max_connections cannot be negative")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	switch c.Bus.Type {
	case "memory":
	case "mqtt":
		if c.Bus.BrokerURL == "" {
			return fmt.Errorf("bus.broker_url required when type is mqtt")
		}
	default:
		return fmt.Errorf("bus.type must be one of: memory, mqtt")
	}

	switch c.Auth.Type {
	case "memory":
	case "badger":
		if c.Auth.BadgerDir == "" {
			return fmt.Errorf("auth.badger_dir required when type is badger")
		}
	default:
		return fmt.Errorf("auth.type must be one of: memory, badger")
	}

	if c.Session.QueueSize < 1 {
		return fmt.Errorf("session.queue_size must be at least 1")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
