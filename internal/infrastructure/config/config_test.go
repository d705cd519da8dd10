package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "./data", cfg.DataDir)

	assert.Equal(t, 600, cfg.Bridge.WindowRequests)
	assert.Equal(t, 20, cfg.Bridge.BurstPerSecond)
	assert.Equal(t, 30*time.Second, cfg.Bridge.IdleAfter)
	assert.Equal(t, 5*time.Minute, cfg.Bridge.IdleTimeout)

	assert.Equal(t, 60*time.Second, cfg.Permissions.RequestTimeout)
	assert.Equal(t, 50, cfg.Permissions.MaxPendingRequests)
	assert.Equal(t, 100, cfg.Permissions.HistoryLimit)

	assert.Equal(t, int64(100<<20), cfg.Storage.MaxQuota)
	assert.Equal(t, 256, cfg.Storage.MaxKeyLength)
	assert.Equal(t, int64(10<<20), cfg.Filesystem.MaxFileSize)
	assert.Contains(t, cfg.Filesystem.BlockedExtensions, ".exe")

	assert.False(t, cfg.System.ClipboardEnabled)
	assert.Equal(t, 10, cfg.System.MaxActiveNotifications)

	assert.True(t, cfg.Network.BlockLoopback)
	assert.Equal(t, 5, cfg.Network.MaxConcurrent)
	assert.Equal(t, 60, cfg.Network.RequestsPerMinute)
	assert.Equal(t, 10, cfg.Network.BurstLimit)
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Bridge, cfg.Bridge)
	assert.Equal(t, def.Permissions, cfg.Permissions)
	assert.Equal(t, def.Storage, cfg.Storage)
	assert.Equal(t, def.System, cfg.System)
	assert.Equal(t, def.Network, cfg.Network)
	assert.Equal(t, def.Sandbox, cfg.Sandbox)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                        "9000",
		"DATA_DIR":                    "/var/lib/port",
		"LOG_LEVEL":                   "debug",
		"BRIDGE_IDLE_AFTER":           "10s",
		"PERMISSIONS_REQUEST_TIMEOUT": "2s",
		"STORAGE_MAX_QUOTA":           "1024",
		"NETWORK_ALLOWED_DOMAINS":     "api.example.com,*.cdn.example.com",
		"SYSTEM_CLIPBOARD_ENABLED":    "true",
	}

	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "/var/lib/port", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10*time.Second, cfg.Bridge.IdleAfter)
	assert.Equal(t, 2*time.Second, cfg.Permissions.RequestTimeout)
	assert.Equal(t, int64(1024), cfg.Storage.MaxQuota)
	assert.Equal(t, []string{"api.example.com", "*.cdn.example.com"}, cfg.Network.AllowedDomains)
	assert.True(t, cfg.System.ClipboardEnabled)
}

func TestLoadOrDefaultOnInvalidValue(t *testing.T) {
	os.Unsetenv("PORT")
	t.Setenv("STORAGE_MAX_QUOTA", "not-a-number")

	cfg := LoadOrDefault()
	assert.Equal(t, Default().Storage.MaxQuota, cfg.Storage.MaxQuota)
}
