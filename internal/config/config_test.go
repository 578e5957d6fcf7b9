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
	t.Setenv("DB_SOURCE", "")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.DBSource)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 24, cfg.IdempotencyTTLHours)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 15*time.Minute, cfg.StaleAfter)
	assert.Equal(t, "refundops.events", cfg.RedisEventsChannel)
	assert.EqualValues(t, 1_000_000, cfg.TreasuryInitialBalance)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SWEEP_INTERVAL", "0s")
	t.Setenv("MAX_RETRIES", "2")
	t.Setenv("STALE_AFTER", "1h")
	t.Setenv("ADMIN_PRINCIPALS", " ops , finance,,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Zero(t, cfg.SweepInterval)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, time.Hour, cfg.StaleAfter)
	assert.Equal(t, []string{"ops", "finance"}, cfg.AdminPrincipals)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BATCH_CONCURRENCY", "many")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_CONCURRENCY")

	t.Setenv("BATCH_CONCURRENCY", "0")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_CONCURRENCY")
}

func TestYAMLOverlaysEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refundops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_port: "7070"
sweep_interval: 5s
admin_principals: [alice, bob]
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("MAX_RETRIES", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 7, cfg.MaxRetries, "keys absent from the file keep env values")
	assert.Equal(t, []string{"alice", "bob"}, cfg.AdminPrincipals)
}
