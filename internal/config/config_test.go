package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LIFECYCLE_STORAGE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Bulk.Workers)
	assert.Equal(t, 10, cfg.Bulk.PreviewLimit)
	assert.Equal(t, 30*24*time.Hour, cfg.Bulk.RollbackWindow)
	assert.Equal(t, 48, cfg.Workflow.SLAHours)
	assert.Equal(t, 15*time.Minute, cfg.Workflow.SLASweepInterval)
	assert.InDelta(t, 20.0, cfg.Delivery.RatePerSecond, 0.001)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
storage:
  driver: postgres
db:
  dsn: postgres://lifecycle@localhost/lifecycle
bulk:
  workers: 8
  rollback_window: 72h
log:
  format: console
`)
	t.Setenv("LIFECYCLE_BULK_WORKERS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres://lifecycle@localhost/lifecycle", cfg.DB.DSN)
	assert.Equal(t, 2, cfg.Bulk.Workers, "environment wins over the file")
	assert.Equal(t, 72*time.Hour, cfg.Bulk.RollbackWindow)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadErrors(t *testing.T) {
	t.Run("explicit file must exist", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.ErrorContains(t, err, "read config")
	})
	t.Run("postgres needs a dsn", func(t *testing.T) {
		_, err := Load(writeConfig(t, "storage:\n  driver: postgres\n"))
		assert.ErrorContains(t, err, "db.dsn")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		var c Config
		c.Storage.Driver = "memory"
		c.Bulk.Workers = 1
		c.Delivery.Concurrency = 1
		return &c
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "unknown storage.driver"},
		{"no workers", func(c *Config) { c.Bulk.Workers = 0 }, "bulk.workers"},
		{"no delivery concurrency", func(c *Config) { c.Delivery.Concurrency = 0 }, "delivery.concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
