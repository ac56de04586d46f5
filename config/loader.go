// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoaderOptions configures the configuration loader
type LoaderOptions struct {
	// ConfigDir is the directory containing config files (default: ./config)
	ConfigDir string
	// Environment overrides automatic environment detection
	Environment string
	// SkipEnvSubstitution disables environment variable substitution
	SkipEnvSubstitution bool
	// SkipValidation disables configuration validation
	SkipValidation bool
}

// DefaultLoaderOptions returns default loader options
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		ConfigDir:           "config",
		Environment:         "",
		SkipEnvSubstitution: false,
		SkipValidation:      false,
	}
}

// Load loads configuration with automatic environment detection. A
// .env file in the working directory, if present, is loaded into the
// process environment before any substitution happens.
func Load(opts ...LoaderOptions) (*Config, error) {
	_ = godotenv.Load()

	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	env := options.Environment
	if env == "" {
		env = GetEnvironment()
	}

	envConfigPath := filepath.Join(options.ConfigDir, fmt.Sprintf("%s.yaml", env))
	cfg, err := loadConfigFile(envConfigPath)
	if err != nil {
		defaultConfigPath := filepath.Join(options.ConfigDir, "default.yaml")
		cfg, err = loadConfigFile(defaultConfigPath)
		if err != nil {
			configPath := filepath.Join(options.ConfigDir, "config.yaml")
			cfg, err = loadConfigFile(configPath)
			if err != nil {
				cfg = &Config{Environment: env}
				setDefaults(cfg)
			}
		}
	}

	if cfg.Environment == "" {
		cfg.Environment = env
	}

	if !options.SkipEnvSubstitution {
		SubstituteEnvVarsInConfig(cfg)
	}

	applyEnvironmentOverrides(cfg)

	if !options.SkipValidation {
		errors := ValidateConfiguration(cfg)
		for _, e := range errors {
			if e.Level == "error" {
				return nil, fmt.Errorf("configuration validation failed: %s - %s", e.Field, e.Message)
			}
		}
	}

	return cfg, nil
}

// loadConfigFile loads a single config file
func loadConfigFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	return LoadFromFile(path)
}

// applyEnvironmentOverrides overrides config with environment variables
func applyEnvironmentOverrides(cfg *Config) {
	if cfg.Node != nil {
		if addr := os.Getenv("RENDEZVOUS_LISTEN_ADDRESS"); addr != "" {
			cfg.Node.ListenAddress = addr
		}
		if domain := os.Getenv("RENDEZVOUS_DOMAIN"); domain != "" {
			cfg.Node.Domain = domain
		}
		if key := os.Getenv("RENDEZVOUS_PRIVATE_KEY"); key != "" {
			cfg.Node.PrivateKeyHex = key
		}
		if transport := os.Getenv("RENDEZVOUS_TRANSPORT"); transport != "" {
			cfg.Node.Transport = transport
		}
	}

	if logLevel := os.Getenv("SAGE_LOG_LEVEL"); logLevel != "" && cfg.Logging != nil {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("SAGE_LOG_FORMAT"); logFormat != "" && cfg.Logging != nil {
		cfg.Logging.Format = logFormat
	}

	if os.Getenv("SAGE_METRICS_ENABLED") == "true" && cfg.Metrics != nil {
		cfg.Metrics.Enabled = true
	}
	if os.Getenv("SAGE_METRICS_ENABLED") == "false" && cfg.Metrics != nil {
		cfg.Metrics.Enabled = false
	}
}

// LoadForEnvironment loads configuration for a specific environment
func LoadForEnvironment(environment string) (*Config, error) {
	return Load(LoaderOptions{
		ConfigDir:   "config",
		Environment: environment,
	})
}

// MustLoad loads configuration or panics on error
func MustLoad(opts ...LoaderOptions) *Config {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}

// ValidationIssue describes one configuration problem found by
// ValidateConfiguration. Level is "error" (fails Load) or "warning"
// (logged by the caller but not fatal).
type ValidationIssue struct {
	Field   string
	Message string
	Level   string
}

// ValidateConfiguration checks cfg for problems that would prevent the
// node from starting.
func ValidateConfiguration(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Node == nil {
		return append(issues, ValidationIssue{Field: "node", Message: "node configuration is required", Level: "error"})
	}

	if cfg.Node.ListenAddress == "" {
		issues = append(issues, ValidationIssue{Field: "node.listen_address", Message: "listen address must not be empty", Level: "error"})
	}
	if cfg.Node.Transport != "mock" && cfg.Node.Transport != "websocket" {
		issues = append(issues, ValidationIssue{Field: "node.transport", Message: "transport must be \"mock\" or \"websocket\"", Level: "error"})
	}
	if cfg.Node.PrivateKeyHex == "" {
		issues = append(issues, ValidationIssue{Field: "node.private_key", Message: "no private key configured; node cannot identify itself when dialing peers", Level: "warning"})
	} else if _, err := cfg.Node.PrivateKey(); err != nil {
		issues = append(issues, ValidationIssue{Field: "node.private_key", Message: err.Error(), Level: "error"})
	}

	return issues
}
