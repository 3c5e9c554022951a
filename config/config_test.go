package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "navsync.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_DefaultsWithMemoryStore(t *testing.T) {
	t.Setenv("STORE_KIND", "memory")
	p := writeYAML(t, "provider:\n  kind: none\n")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 13, cfg.RateLimit.MaxPerMinute)
	assert.Equal(t, 2, cfg.RateLimit.ReservedForManual)
	assert.Equal(t, 9*time.Second, cfg.Scheduler.BatchInterval.D())
	assert.Equal(t, 180*time.Second, cfg.Scheduler.CyclePeriod.D())
	assert.Equal(t, "memory", cfg.Store.Kind)
}

func TestLoad_YAMLDurationsAndEnvOverrides(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "key")
	t.Setenv("APCA_API_SECRET_KEY", "secret")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	p := writeYAML(t, `
scheduler:
  batch_interval: 3s
  cycle_period: 1m
  timeframe: W
store:
  kind: sqlite
  sqlite_path: /tmp/x.db
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.BatchInterval.D())
	assert.Equal(t, time.Minute, cfg.Scheduler.CyclePeriod.D())
	assert.Equal(t, "W", cfg.Scheduler.Timeframe)
	assert.Equal(t, "key", cfg.Provider.APIKey)
	assert.Equal(t, int64(42), cfg.Notify.TelegramChatID)
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	p := writeYAML(t, "scheduler:\n  batch_interval: soon\n")
	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soon")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Provider.Kind = "none"
	require.NoError(t, cfg.Validate())

	cfg.RateLimit.ReservedForManual = cfg.RateLimit.MaxPerMinute
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Provider.Kind = "none"
	cfg.Store.Kind = "redis"
	assert.Error(t, cfg.Validate(), "redis without address")

	cfg = Default()
	assert.Error(t, cfg.Validate(), "alpaca without credentials")
}
