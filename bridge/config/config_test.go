package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8484, cfg.Port)
	assert.Equal(t, DefaultRelayURL, cfg.RelayURL)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 60*time.Second, cfg.SweepInterval)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: 9001\nrelay_url: wss://example.com/room\nsession_ttl: 5m\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "wss://example.com/room", cfg.RelayURL)
	assert.Equal(t, 5*time.Minute, cfg.SessionTTL)
	// Untouched keys keep defaults.
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Port, cfg.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_RELAY_URL", "wss://override.example/room")
	t.Setenv("BRIDGE_PORT", "7777")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "wss://override.example/room", cfg.RelayURL)
	assert.Equal(t, 7777, cfg.Port)
}

func TestLocalURL(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "http://localhost:8484", cfg.LocalURL())

	cfg.BindAddr = "192.168.1.20"
	cfg.Port = 9000
	assert.Equal(t, "http://192.168.1.20:9000", cfg.LocalURL())
}
