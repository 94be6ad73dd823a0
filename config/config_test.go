package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 2, cfg.Session.HeartbeatMisses)
	assert.Equal(t, 300*time.Second, cfg.Dispatch.TaskTimeout)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 1024, cfg.Dispatch.EventBuffer)
	assert.Equal(t, 24*time.Hour, cfg.Storage.TaskRetention)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("HEARTBEAT_MISSES", "3")
	t.Setenv("TASK_TIMEOUT", "45")
	t.Setenv("DISPATCH_RATE", "2.5")
	t.Setenv("STORAGE_DRIVER", "Redis")
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("TEAM_CATALOG", "/etc/teams.yaml")
	t.Setenv("EVENT_BUFFER", "4096")
	t.Setenv("TASK_RETENTION", "2h")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Session.HeartbeatMisses)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.TaskTimeout)
	assert.Equal(t, 2.5, cfg.Dispatch.Rate)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, "/etc/teams.yaml", cfg.CatalogPath)
	assert.Equal(t, 4096, cfg.Dispatch.EventBuffer)
	assert.Equal(t, 2*time.Hour, cfg.Storage.TaskRetention)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero heartbeat", func(c *Config) { c.Session.HeartbeatInterval = 0 }, false},
		{"zero misses", func(c *Config) { c.Session.HeartbeatMisses = 0 }, false},
		{"negative timeout", func(c *Config) { c.Dispatch.TaskTimeout = -time.Second }, false},
		{"rate disabled", func(c *Config) { c.Dispatch.Rate = 0; c.Dispatch.Burst = 0 }, true},
		{"rate without burst", func(c *Config) { c.Dispatch.Burst = 0 }, false},
		{"postgres without url", func(c *Config) { c.Storage.Driver = DriverPostgres }, false},
		{"postgres with url", func(c *Config) {
			c.Storage.Driver = DriverPostgres
			c.Postgres.URL = "postgres://localhost/flow"
		}, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }, false},
		{"zero event buffer", func(c *Config) { c.Dispatch.EventBuffer = 0 }, false},
		{"zero retention", func(c *Config) { c.Storage.TaskRetention = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}
