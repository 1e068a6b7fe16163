package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Presence.MaxConnectionsPerUser)
	assert.Equal(t, 100, cfg.Presence.MaxMessagesPerSecond)
	assert.Equal(t, 1<<20, cfg.Presence.MaxMessageSize)
	assert.Equal(t, 30*time.Second, cfg.Presence.ProbeInterval)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }, "server.shutdownTimeout"},
		{"connection cap", func(c *Config) { c.Presence.MaxConnectionsPerUser = 0 }, "presence.maxConnectionsPerUser"},
		{"rate", func(c *Config) { c.Presence.MaxMessagesPerSecond = -1 }, "presence.maxMessagesPerSecond"},
		{"probe interval", func(c *Config) { c.Presence.ProbeInterval = 0 }, "presence.probeInterval"},
		{"driver", func(c *Config) { c.Store.Driver = "etcd" }, "store.driver"},
		{"redis addr", func(c *Config) { c.Store.Driver = DriverRedis; c.Store.Redis.Addr = "" }, "store.redis.addr"},
		{"postgres dsn", func(c *Config) { c.Store.Driver = DriverPostgres; c.Store.Postgres.DSN = "" }, "store.postgres.dsn"},
		{"nats url", func(c *Config) { c.Store.Driver = DriverNATS; c.Store.NATS.URL = "" }, "store.nats.url"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
presence:
  maxConnectionsPerUser: 3
  probeInterval: 10s
store:
  driver: redis
  redis:
    addr: redis:6379
logging:
  format: text
  file:
    maxSize: 5
`), 0o600))

	cfg, err := Load(LoadOptions{Path: path})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Presence.MaxConnectionsPerUser)
	assert.Equal(t, 10*time.Second, cfg.Presence.ProbeInterval)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "presence:", cfg.Store.Redis.KeyPrefix, "unset keys keep their defaults")
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 5, cfg.Logging.File.MaxSizeMB)
	assert.Equal(t, 100, cfg.Presence.MaxMessagesPerSecond)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.toml")
	require.NoError(t, os.WriteFile(path, []byte(`x = 1`), 0o600))

	_, err := Load(LoadOptions{Path: path})
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))

	t.Setenv("PRESENCE_SERVER_PORT", "9191")
	t.Setenv("PRESENCE_PRESENCE_PROBEINTERVAL", "45s")
	t.Setenv("PRESENCE_STORE_DRIVER", "nats")
	t.Setenv("PRESENCE_PRESENCE_ACCEPTRATE", "2.5")

	cfg, err := Load(LoadOptions{Path: path})
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Presence.ProbeInterval)
	assert.Equal(t, DriverNATS, cfg.Store.Driver)
	assert.InDelta(t, 2.5, cfg.Presence.AcceptRate, 0.0001)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PRESENCE_SERVER_PORT", "9191")
	t.Setenv("PRESENCE_LOGGING_LEVEL", "warn")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 8080, "")
	flags.String("log-level", "info", "")
	flags.String("store", DriverMemory, "")
	require.NoError(t, flags.Parse([]string{"--port", "7070"}))

	cfg, err := Load(LoadOptions{Flags: flags})
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port, "a changed flag wins")
	assert.Equal(t, "warn", cfg.Logging.Level, "an unchanged flag does not hide the environment")
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
}

func TestLoadValidates(t *testing.T) {
	t.Setenv("PRESENCE_STORE_DRIVER", "etcd")

	_, err := Load()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "store.driver", cfgErr.Field)
}
