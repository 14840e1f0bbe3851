package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PLAZA_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 400.0, cfg.Presence.CenterX)
	assert.Equal(t, 300.0, cfg.Presence.CenterY)
	assert.Equal(t, DefaultPalette, cfg.Presence.Palette)
	assert.Equal(t, 54*time.Second, cfg.Limits.WSPingInterval)
	assert.Equal(t, 60.0, cfg.Limits.RateLimitPerSec)
	assert.Equal(t, 50.0, cfg.Limits.SignalRateLimitPerSec)
	assert.Equal(t, 200, cfg.Limits.SignalRateLimitBurst)
	assert.False(t, cfg.Redis.Enabled)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.ICEServers[0].URLs)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PLAZA_CONFIG", "")
	t.Setenv("PLAZA_SERVER_PORT", "9090")
	t.Setenv("PLAZA_LOGGING_LEVEL", "debug")
	t.Setenv("PLAZA_PRESENCE_SPAWN_JITTER", "12.5")
	t.Setenv("PLAZA_LIMITS_WS_PONG_TIMEOUT", "90s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 12.5, cfg.Presence.SpawnJitter)
	assert.Equal(t, 90*time.Second, cfg.Limits.WSPongTimeout)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("PLAZA_CONFIG", "")
	path := filepath.Join(t.TempDir(), "plaza.yaml")
	yaml := `
server:
  port: 7000
presence:
  center_x: 10
  center_y: 20
  palette: ["#000000", "#ffffff"]
redis:
  enabled: true
  addr: redis:6379
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 10.0, cfg.Presence.CenterX)
	assert.Equal(t, 20.0, cfg.Presence.CenterY)
	assert.Equal(t, []string{"#000000", "#ffffff"}, cfg.Presence.Palette)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	// untouched keys keep their defaults
	assert.Equal(t, 50.0, cfg.Presence.SpawnJitter)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("PLAZA_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Presence.Palette = nil
	bad.Presence.SpawnJitter = -1
	bad.Limits.WSPingInterval = bad.Limits.WSPongTimeout
	bad.Limits.SignalRateLimitBurst = 0

	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "palette")
	assert.Contains(t, err.Error(), "spawn_jitter")
	assert.Contains(t, err.Error(), "ws_ping_interval")
	assert.Contains(t, err.Error(), "signal_rate_limit")
}
