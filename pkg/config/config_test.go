package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syros-io/syros/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.LeaseStore.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.LogStore.Timeout())
	assert.Equal(t, 50, cfg.Lock.WaitPollMinMS)
	assert.Equal(t, 500, cfg.Lock.WaitPollMaxMS)
	assert.Equal(t, 8, cfg.Event.AppendConflictRetries)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syros.yaml")
	body := `
server:
  addr: ":9090"
lease_store:
  url: redis://cache.internal:6379/1
  pool_size: 25
event:
  append_conflict_retries: 4
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "redis://cache.internal:6379/1", cfg.LeaseStore.URL)
	assert.Equal(t, 25, cfg.LeaseStore.PoolSize)
	assert.Equal(t, 4, cfg.Event.AppendConflictRetries)
	// Untouched sections keep defaults.
	assert.Equal(t, 10, cfg.LogStore.PoolSize)
}

func TestLoad_EnvWinsOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syros.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: DEBUG\n"), 0o600))

	t.Setenv("SYROS_LOG_LEVEL", "WARN")
	t.Setenv("SYROS_LEASE_STORE_POOL_SIZE", "3")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "WARN", cfg.LogLevel)
	assert.Equal(t, 3, cfg.LeaseStore.PoolSize)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}
