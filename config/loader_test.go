// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFallsBackToEmptyDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(LoaderOptions{ConfigDir: dir, Environment: "test"})
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, "websocket", cfg.Node.Transport)
}

func TestLoadPrefersEnvironmentSpecificFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "staging.yaml"), []byte(`
node:
  listen_address: "127.0.0.1:8800"
  transport: mock
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.yaml"), []byte(`
node:
  listen_address: "127.0.0.1:9900"
  transport: websocket
`), 0644))

	cfg, err := Load(LoaderOptions{ConfigDir: dir, Environment: "staging"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8800", cfg.Node.ListenAddress)
	assert.Equal(t, "mock", cfg.Node.Transport)
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	os.Setenv("RENDEZVOUS_LISTEN_ADDRESS", "0.0.0.0:1234")
	os.Setenv("RENDEZVOUS_DOMAIN", "override.example")
	defer os.Unsetenv("RENDEZVOUS_LISTEN_ADDRESS")
	defer os.Unsetenv("RENDEZVOUS_DOMAIN")

	dir := t.TempDir()
	cfg, err := Load(LoaderOptions{ConfigDir: dir, Environment: "test"})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:1234", cfg.Node.ListenAddress)
	assert.Equal(t, "override.example", cfg.Node.Domain)
}

func TestValidateConfigurationRejectsBadTransport(t *testing.T) {
	cfg := &Config{Node: &NodeConfig{Transport: "carrier-pigeon", ListenAddress: "x:1"}}
	issues := ValidateConfiguration(cfg)

	var found bool
	for _, issue := range issues {
		if issue.Field == "node.transport" && issue.Level == "error" {
			found = true
		}
	}
	assert.True(t, found, "expected a transport validation error, got %+v", issues)
}

func TestValidateConfigurationWarnsOnMissingKey(t *testing.T) {
	cfg := &Config{Node: &NodeConfig{Transport: "mock", ListenAddress: "x:1"}}
	issues := ValidateConfiguration(cfg)

	var found bool
	for _, issue := range issues {
		if issue.Field == "node.private_key" && issue.Level == "warning" {
			found = true
		}
	}
	assert.True(t, found, "expected a missing-key warning, got %+v", issues)
}

func TestLoadRejectsInvalidPrivateKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.yaml"), []byte(`
node:
  listen_address: "127.0.0.1:8800"
  transport: mock
  private_key: "not-hex-at-all"
`), 0644))

	_, err := Load(LoaderOptions{ConfigDir: dir, Environment: "test"})
	assert.Error(t, err)
}
