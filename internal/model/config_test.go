package model

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := DefaultAppConfig()
	assert.Equal(t, def.Ingest, cfg.Ingest)
	assert.Equal(t, "@every 15m", cfg.Schedule.Cron)
	assert.Equal(t, "jobmail", cfg.Keyring.Service)
}

func TestSaveThenLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultAppConfig()
	cfg.Ingest.FetchLimit = 25
	cfg.Ingest.CycleTimeout = 45 * time.Second
	cfg.Redis.URL = "redis://localhost:6379/0"

	require.NoError(t, SaveConfig(path, cfg))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Ingest.FetchLimit)
	assert.Equal(t, 45*time.Second, got.Ingest.CycleTimeout)
	assert.Equal(t, "redis://localhost:6379/0", got.Redis.URL)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("JOBMAIL_INGEST_WORKERS", "0")
	t.Setenv("JOBMAIL_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Ingest.Workers)
	assert.Equal(t, "debug", cfg.LogLevel)
}
