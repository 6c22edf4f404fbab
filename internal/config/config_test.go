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
	t.Setenv("KLING_CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.PollMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, int64(6), cfg.StartingBalance)
	assert.Equal(t, BackendPostgres, cfg.LedgerBackend)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klingbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
ledger_backend: redis
poll_max_attempts: 30
poll_interval: 2s
kling_api_key: from-file
`), 0o600))

	t.Setenv("KLING_CONFIG_FILE", path)
	t.Setenv("KLING_API_KEY", "from-env")
	t.Setenv("LEDGER_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, BackendRedis, cfg.LedgerBackend)
	assert.Equal(t, 30, cfg.PollMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, "from-env", cfg.KlingAPIKey, "environment wins over file")
	assert.True(t, cfg.NeedsRedis())
	assert.True(t, cfg.NeedsPostgres())
}

func TestLoadRejectsUnknownFileKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_attempts: 3\n"), 0o600))
	t.Setenv("KLING_CONFIG_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadInvalidEnv(t *testing.T) {
	t.Setenv("KLING_CONFIG_FILE", "")
	t.Setenv("POLL_INTERVAL", "soon")
	_, err := Load()
	assert.ErrorContains(t, err, "POLL_INTERVAL")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.KlingAPIKey = "key"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(*Config){
		"missing api key":       func(c *Config) { c.KlingAPIKey = "" },
		"zero poll attempts":    func(c *Config) { c.PollMaxAttempts = 0 },
		"unknown ledger":        func(c *Config) { c.LedgerBackend = "mysql" },
		"supabase without keys": func(c *Config) { c.GenerationBackend = BackendSupabase },
		"unknown sessions":      func(c *Config) { c.SessionBackend = "postgres" },
		"postgres without url":  func(c *Config) { c.PostgresURL = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	cfg.LedgerBackend, cfg.GenerationBackend, cfg.SessionBackend = BackendMemory, BackendMemory, BackendMemory
	cfg.PostgresURL = ""
	assert.NoError(t, cfg.Validate())
	assert.False(t, cfg.NeedsRedis())
}
