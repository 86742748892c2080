// Package config loads the engine's own ambient runtime configuration: log
// level/destination, metrics exposition, the startup profile name, and engine
// tunables (see EngineConfig). It is deliberately orthogonal to a profile file,
// which describes the database stack, not the process that serves it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the engine process's ambient configuration.
type Config struct {
	Profile ProfileConfig `mapstructure:"profile"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Engine  EngineConfig  `mapstructure:"engine"`
}

// ProfileConfig names which profile the engine should resolve at startup.
type ProfileConfig struct {
	// Name is passed to profile.Resolve; empty means "use the standard
	// mandatory/env/runtime/chain resolution".
	Name string `mapstructure:"name"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	Output     string `mapstructure:"output" validate:"oneof=stdout stderr file"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// EngineConfig holds engine tunables. cmd/dconf-enginectl consumes
// DBusRateLimit, DBusRateBurst and SyncCallTimeout. ReadCacheSize and
// AsyncCallTimeout are loaded and validated but no package reads them: the
// GVDB value cache has a fixed 256 entries and DBusTransport's async calls
// use a fixed 30-second timeout.
type EngineConfig struct {
	ReadCacheSize    int           `mapstructure:"read_cache_size" validate:"gte=16"`
	DBusRateLimit    float64       `mapstructure:"dbus_rate_limit" validate:"gt=0"`
	DBusRateBurst    int           `mapstructure:"dbus_rate_burst" validate:"gte=1"`
	SyncCallTimeout  time.Duration `mapstructure:"sync_call_timeout" validate:"gt=0"`
	AsyncCallTimeout time.Duration `mapstructure:"async_call_timeout" validate:"gt=0"`
}

// Load reads configuration from the optional file at configPath (YAML),
// layered over defaults, then over DCONFENGINE_-prefixed environment
// variables, validates the result, and returns it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DCONFENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: failed to read %q: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9330")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("engine.read_cache_size", 256)
	v.SetDefault("engine.dbus_rate_limit", 50.0)
	v.SetDefault("engine.dbus_rate_burst", 20)
	v.SetDefault("engine.sync_call_timeout", "5s")
	v.SetDefault("engine.async_call_timeout", "30s")
}

// Validate runs struct-tag validation over the loaded configuration.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
