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
	v, err := NewViper("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.AttemptTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.RetryUnit)
	assert.Equal(t, 5*time.Second, cfg.Provider.CacheTTL)
	assert.Equal(t, 1000, cfg.Recorder.MaxLogEntries)
	assert.Equal(t, "*", cfg.API.CORSOrigin)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SNIPER_STORAGE_DRIVER", "memory")
	t.Setenv("SNIPER_PROVIDER_CACHE_TTL", "2s")
	t.Setenv("SNIPER_API_TOKEN", "abc")

	v, err := NewViper("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 2*time.Second, cfg.Provider.CacheTTL)
	assert.Equal(t, "abc", cfg.API.Token)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sniper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":8080"
storage:
  driver: postgres
  postgres_dsn: "postgres://sniper@localhost/sniper"
recorder:
  max_log_entries: 50
`), 0o644))

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 50, cfg.Recorder.MaxLogEntries)
}

func TestValidate(t *testing.T) {
	v, err := NewViper("")
	require.NoError(t, err)

	v.Set("storage.driver", "mongo")
	_, err = Load(v)
	assert.ErrorContains(t, err, "unknown storage.driver")

	v.Set("storage.driver", "postgres")
	_, err = Load(v)
	assert.ErrorContains(t, err, "postgres_dsn")

	_, err = NewViper(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
