package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PRESENCE_SERVER_PORT
const EnvPrefix = "PRESENCE"

// LoadOptions represents options for loading configuration
type LoadOptions struct {
	Path string
	// Flags are bound by name through FlagKeys
	Flags *pflag.FlagSet
}

// FlagKeys maps command-line flag names to configuration keys
var FlagKeys = map[string]string{
	"host":         "server.host",
	"port":         "server.port",
	"log-level":    "logging.level",
	"log-format":   "logging.format",
	"store":        "store.driver",
	"redis-addr":   "store.redis.addr",
	"postgres-dsn": "store.postgres.dsn",
	"nats-url":     "store.nats.url",
}

// Load loads configuration from defaults, a file, the environment and flags,
// in increasing order of precedence
func Load(opts ...LoadOptions) (*Config, error) {
	cfg := Default()

	var options LoadOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	if options.Path != "" {
		if err := loadFromFile(cfg, options.Path); err != nil {
			return nil, err
		}
	}

	if err := applyOverrides(cfg, options.Flags); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a file
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

// applyOverrides layers environment variables and changed flags on top of
// cfg. The current values become viper defaults so that only explicit
// overrides change them.
func applyOverrides(cfg *Config, flags *pflag.FlagSet) error {
	v := viper.New()
	for key, value := range settings(cfg) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to apply overrides: %w", err)
	}
	return nil
}

// settings lists every configuration key with its current value
func settings(c *Config) map[string]any {
	return map[string]any{
		"server.host":            c.Server.Host,
		"server.port":            c.Server.Port,
		"server.readTimeout":     c.Server.ReadTimeout,
		"server.writeTimeout":    c.Server.WriteTimeout,
		"server.idleTimeout":     c.Server.IdleTimeout,
		"server.shutdownTimeout": c.Server.ShutdownTimeout,

		"presence.maxConnectionsPerUser": c.Presence.MaxConnectionsPerUser,
		"presence.maxMessagesPerSecond":  c.Presence.MaxMessagesPerSecond,
		"presence.maxMessageSize":        c.Presence.MaxMessageSize,
		"presence.probeInterval":         c.Presence.ProbeInterval,
		"presence.sampleInterval":        c.Presence.SampleInterval,
		"presence.acceptRate":            c.Presence.AcceptRate,
		"presence.acceptBurst":           c.Presence.AcceptBurst,
		"presence.sendBufferSize":        c.Presence.SendBufferSize,
		"presence.writeTimeout":          c.Presence.WriteTimeout,
		"presence.clientTypeHeader":      c.Presence.ClientTypeHeader,

		"store.driver":            c.Store.Driver,
		"store.writeWorkers":      c.Store.WriteWorkers,
		"store.writeRetries":      c.Store.WriteRetries,
		"store.writeTimeout":      c.Store.WriteTimeout,
		"store.redis.addr":        c.Store.Redis.Addr,
		"store.redis.password":    c.Store.Redis.Password,
		"store.redis.db":          c.Store.Redis.DB,
		"store.redis.keyPrefix":   c.Store.Redis.KeyPrefix,
		"store.redis.channel":     c.Store.Redis.Channel,
		"store.postgres.dsn":      c.Store.Postgres.DSN,
		"store.postgres.channel":  c.Store.Postgres.Channel,
		"store.postgres.maxConns": c.Store.Postgres.MaxConns,
		"store.postgres.traceSql": c.Store.Postgres.TraceSQL,
		"store.nats.url":          c.Store.NATS.URL,
		"store.nats.user":         c.Store.NATS.User,
		"store.nats.password":     c.Store.NATS.Password,
		"store.nats.bucket":       c.Store.NATS.Bucket,

		"metrics.enable": c.Metrics.Enable,
		"metrics.path":   c.Metrics.Path,

		"logging.level":           c.Logging.Level,
		"logging.format":          c.Logging.Format,
		"logging.file.filename":   c.Logging.File.Filename,
		"logging.file.maxSize":    c.Logging.File.MaxSizeMB,
		"logging.file.maxBackups": c.Logging.File.MaxBackups,
		"logging.file.maxAge":     c.Logging.File.MaxAgeDays,
		"logging.file.compress":   c.Logging.File.Compress,
	}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a new configuration error
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s", e.Field, e.Message)
}
