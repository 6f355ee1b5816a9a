// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for mqtt-core: the
// broker's listener, dispatch and logging settings.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/turtacn/mqtt-core/pkg/logger"
	"github.com/turtacn/mqtt-core/pkg/protocol/mqtt"
)

// maxRemainingLength is the largest length the MQTT fixed header can encode.
const maxRemainingLength = 268435455

// BrokerConfig holds the listener and dispatch settings.
type BrokerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// MetricsAddr is where /metrics is served. Empty disables it.
	MetricsAddr      string `yaml:"metrics_addr" json:"metrics_addr"`
	DispatchInterval string `yaml:"dispatch_interval" json:"dispatch_interval"`
	// MailboxSize is the capacity of the Registry's and each connection
	// writer's mailbox.
	MailboxSize int `yaml:"mailbox_size" json:"mailbox_size"`
	// MaxPacketSize is the largest remaining length accepted from a client.
	MaxPacketSize int `yaml:"max_packet_size" json:"max_packet_size"`
	// WriteTimeout bounds each write to a client. Empty or "0s" disables it.
	WriteTimeout string `yaml:"write_timeout" json:"write_timeout"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config holds the complete configuration
type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
	Log    LogConfig    `yaml:"log" json:"log"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			ListenAddr:       "127.0.0.1:1883",
			MetricsAddr:      "",
			DispatchInterval: "100ms",
			MailboxSize:      128,
			MaxPacketSize:    mqtt.DefaultMaxPacketSize,
			WriteTimeout:     "10s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: logger.FormatConsole,
		},
	}
}

// Interval returns the parsed dispatch interval.
func (c *Config) Interval() time.Duration {
	d, err := time.ParseDuration(c.Broker.DispatchInterval)
	if err != nil {
		return 0
	}
	return d
}

// ClientWriteTimeout returns the parsed write timeout, zero when disabled.
func (c *Config) ClientWriteTimeout() time.Duration {
	if c.Broker.WriteTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Broker.WriteTimeout)
	if err != nil {
		return 0
	}
	return d
}

// LoadConfig loads configuration from a file. Settings missing from the
// file keep their defaults; an empty path yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	if configPath == "" {
		slog.Info("No config file specified, using default configuration")
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("Configuration loaded", slog.String("path", configPath))
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	slog.Info("Configuration saved", slog.String("path", configPath))
	return nil
}

// Validate checks a configuration for values the broker cannot run with.
func Validate(config *Config) error {
	if config.Broker.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if _, _, err := net.SplitHostPort(config.Broker.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q: %w", config.Broker.ListenAddr, err)
	}
	if config.Broker.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(config.Broker.MetricsAddr); err != nil {
			return fmt.Errorf("metrics_addr %q: %w", config.Broker.MetricsAddr, err)
		}
	}

	d, err := time.ParseDuration(config.Broker.DispatchInterval)
	if err != nil {
		return fmt.Errorf("dispatch_interval: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("dispatch_interval must be positive, got %s", d)
	}
	if config.Broker.MailboxSize < 1 {
		return fmt.Errorf("mailbox_size must be at least 1, got %d", config.Broker.MailboxSize)
	}

	if config.Broker.MaxPacketSize < 2 || config.Broker.MaxPacketSize > maxRemainingLength {
		return fmt.Errorf("max_packet_size must be between 2 and %d, got %d", maxRemainingLength, config.Broker.MaxPacketSize)
	}

	if wt := config.Broker.WriteTimeout; wt != "" {
		d, err := time.ParseDuration(wt)
		if err != nil {
			return fmt.Errorf("write_timeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("write_timeout cannot be negative, got %s", d)
		}
	}

	if _, err := logger.ParseLevel(config.Log.Level); err != nil {
		return err
	}
	switch config.Log.Format {
	case logger.FormatConsole, logger.FormatJSON:
	default:
		return fmt.Errorf("unsupported log format: %s (supported: %s, %s)", config.Log.Format, logger.FormatConsole, logger.FormatJSON)
	}
	return nil
}
