package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "sql", cfg.Session.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 4, cfg.Tasks.Workers)
	assert.Equal(t, 30*time.Second, cfg.CRM.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Agent.Timeout)
	assert.Equal(t, 3, cfg.Agent.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Agent.InitialBackoff)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
session:
  backend: redis
  ttl: 2h
crm:
  base_url: http://crm.internal
  timeout: 5s
tasks:
  workers: 8
`), 0o644))

	t.Setenv("CASEFILL_TASKS_WORKERS", "2")
	t.Setenv("CASEFILL_AUTH_JWT_SECRET", "s3cret")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Session.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, "http://crm.internal", cfg.CRM.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.CRM.Timeout)
	assert.Equal(t, 2, cfg.Tasks.Workers, "env wins over file")
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoadUsesConfigPathEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }},
		{"unknown session backend", func(c *Config) { c.Session.Backend = "memory" }},
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"no workers", func(c *Config) { c.Tasks.Workers = 0 }},
		{"no agent url", func(c *Config) { c.Agent.BaseURL = "" }},
		{"zero prompt budget", func(c *Config) { c.Prompts.MaxChars = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFile("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
