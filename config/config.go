// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads and validates the rendezvous node's configuration.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Bluheir/cacophoney-lib/crypto"
)

// Config is the root configuration loaded from YAML or JSON.
type Config struct {
	Environment string         `yaml:"environment" json:"environment"`
	Node        *NodeConfig    `yaml:"node" json:"node"`
	Logging     *LoggingConfig `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig  `yaml:"health" json:"health"`
}

// NodeConfig describes how this process binds to the network and
// identifies itself to peers.
type NodeConfig struct {
	// Transport selects the wire implementation: "mock" or "websocket".
	Transport string `yaml:"transport" json:"transport"`
	// ListenAddress is the host:port this node accepts connections on.
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
	// Domain, if set, becomes the ServerInfo recorded for every
	// connection this node accepts, so peers that identify on those
	// connections enter this node's connected-servers set under that
	// domain. It is not sent to peers.
	Domain string `yaml:"domain,omitempty" json:"domain,omitempty"`
	// PrivateKeyHex is the node's own hex-encoded secp256k1 private
	// key, used when this node identifies itself to peers it dials.
	PrivateKeyHex string `yaml:"private_key" json:"private_key"`
	// ChallengeTTLMillis overrides node.ChallengeTTL; zero means "use
	// the package default".
	ChallengeTTLMillis uint64 `yaml:"challenge_ttl_ms,omitempty" json:"challenge_ttl_ms,omitempty"`
}

// PrivateKey decodes the configured hex private key.
func (n *NodeConfig) PrivateKey() (crypto.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(n.PrivateKeyHex, "0x"))
	if err != nil {
		return crypto.PrivateKey{}, fmt.Errorf("invalid node private key hex: %w", err)
	}
	return crypto.NewPrivateKey(raw)
}

// LoggingConfig controls the teacher's structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig controls the health endpoint.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile reads and parses path as YAML, falling back to JSON, then
// applies defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile writes cfg to path, choosing JSON or YAML by extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setDefaults fills in zero-valued fields with the node's defaults.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Node == nil {
		cfg.Node = &NodeConfig{}
	}
	if cfg.Node.Transport == "" {
		cfg.Node.Transport = "websocket"
	}
	if cfg.Node.ListenAddress == "" {
		cfg.Node.ListenAddress = "0.0.0.0:7700"
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9700
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Health == nil {
		cfg.Health = &HealthConfig{}
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8700
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/healthz"
	}
}
