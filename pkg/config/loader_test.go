package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.StorageMode)
	assert.Equal(t, 10000, cfg.Resolver.MaxSessions)
	assert.Equal(t, 3600, cfg.Resolver.SessionTTLSeconds)
	assert.Equal(t, 30, cfg.Monitor.CompletionTimeoutSeconds)
	assert.Equal(t, 5, cfg.Analysis.MinSessionsForRiskAnalysis)
	assert.Equal(t, 120*time.Second, cfg.Upstream.RequestTimeout())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perimeter.yaml")
	content := `
server:
  port: 9100
store:
  storage_mode: memory
resolver:
  session_ttl_seconds: 120
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.StorageMode)
	assert.Equal(t, 120, cfg.Resolver.SessionTTLSeconds)
	// Untouched values keep defaults.
	assert.Equal(t, 10000, cfg.Resolver.MaxSessions)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perimeter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o600))

	t.Setenv("SERVER_PORT", "9200")
	t.Setenv("STORAGE_MODE", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.StorageMode)
}

func TestLoad_EnvExpansionInYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perimeter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  api_key: ${PERIMETER_TEST_KEY}\n"), 0o600))

	t.Setenv("PERIMETER_TEST_KEY", "sk-test-123")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.Upstream.APIKey)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"bad storage mode", func(c *Config) { c.Store.StorageMode = "postgres" }},
		{"bad provider", func(c *Config) { c.Upstream.ProviderType = "mistral" }},
		{"empty db path", func(c *Config) { c.Store.DBPath = "" }},
		{"zero max sessions", func(c *Config) { c.Resolver.MaxSessions = 0 }},
		{"zero completion timeout", func(c *Config) { c.Monitor.CompletionTimeoutSeconds = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
