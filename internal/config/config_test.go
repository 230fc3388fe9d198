package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/Panel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := NewFileLoader("test", filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, "kick", cfg.Backpressure)
	assert.Equal(t, 5, cfg.Chat.Limit)
	assert.Equal(t, 3*time.Second, cfg.Chat.Interval)
	assert.False(t, cfg.Rooms.ReapEmpty)
	assert.Equal(t, 10*time.Second, cfg.RTC.TrackTimeout)
	assert.Equal(t, DefaultCodecs, cfg.Media.Codecs)
}

func TestFileValues(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 9000
ping_period: 20s
rooms:
  reap_empty: true
media:
  workers: 2
  codecs:
    - kind: audio
      mime_type: audio/opus
      clock_rate: 48000
      channels: 2
      parameters:
        useinbandfec: "1"
rtc:
  port_min: 40000
  port_max: 40100
  ice_servers: "stun:a.example:3478,stun:b.example:3478"
`)
	cfg, err := NewFileLoader("test", path).Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 20*time.Second, cfg.PingPeriod)
	assert.True(t, cfg.Rooms.ReapEmpty)
	assert.Equal(t, 2, cfg.Media.Workers)
	require.Len(t, cfg.Media.Codecs, 1)
	assert.Equal(t, domain.KindAudio, cfg.Media.Codecs[0].Kind)
	assert.Equal(t, "1", cfg.Media.Codecs[0].Parameters["useinbandfec"])
	assert.Equal(t, uint16(40000), cfg.RTC.PortMin)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.RTC.ICEServers)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "port: 9000\n")
	t.Setenv("PANEL_PORT", "9100")
	t.Setenv("PANEL_CHAT_LIMIT", "7")

	cfg, err := NewFileLoader("test", path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 7, cfg.Chat.Limit)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	_, err := NewFileLoader("test", writeConfig(t, "backpressure: explode\n")).Load()
	assert.Error(t, err)

	_, err = NewFileLoader("test", writeConfig(t, "port: 0\n")).Load()
	assert.Error(t, err)
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("CONFIG_ENV", "")
	assert.Equal(t, "dev", ResolveEnv(""))

	t.Setenv("CONFIG_ENV", "prod")
	assert.Equal(t, "prod", ResolveEnv(""))
	assert.Equal(t, "local", ResolveEnv("local"))
}
