package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Load treats an empty environment variable as unset, so t.Setenv(k, "")
// is sufficient to isolate each test from the ambient environment.

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8080/sync", cfg.Endpoint.URL)
	require.True(t, cfg.Cache.Enabled)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("COLLABDOC_ENDPOINT_URL", "wss://example.test/sync")
	t.Setenv("COLLABDOC_CACHE_ENABLED", "false")
	t.Setenv("COLLABDOC_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "wss://example.test/sync", cfg.Endpoint.URL)
	require.False(t, cfg.Cache.Enabled)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsInvalidBool(t *testing.T) {
	clearEnv(t)
	t.Setenv("COLLABDOC_CACHE_ENABLED", "not-a-bool")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("endpoint:\n  url: wss://from-file.test/sync\n"), 0o600))
	t.Setenv("COLLABDOC_CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "wss://from-file.test/sync", cfg.Endpoint.URL)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"COLLABDOC_CONFIG_PATH", "COLLABDOC_ENDPOINT_URL", "COLLABDOC_ENDPOINT_TOKEN",
		"COLLABDOC_CACHE_PATH", "COLLABDOC_CACHE_ENABLED", "COLLABDOC_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}
