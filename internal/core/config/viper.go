package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable (L7P_SERVER_PORT).
const EnvPrefix = "L7P"

// flagKeys maps config keys to the CLI flags that override them.
var flagKeys = map[string]string{
	"server.host":        "host",
	"server.port":        "port",
	"database.url":       "database-url",
	"dataplane.data_dir": "data-dir",
	"log.level":          "log-level",
	"log.format":         "log-format",
}

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
// flags may be nil; only flags present in the set are bound.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Credentials live in the database URL; keep them out of files.
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			MaxConnections: v.GetInt("server.max_connections"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
		},
		Reconciler: ReconcilerConfig{
			Interval:       v.GetDuration("reconciler.interval"),
			MaxConcurrency: v.GetInt("reconciler.max_concurrency"),
			NackThreshold:  v.GetInt("reconciler.nack_threshold"),
		},
		Dispatch: DispatchConfig{
			AttemptTimeout: v.GetDuration("dispatch.attempt_timeout"),
			BaseDelay:      v.GetDuration("dispatch.base_delay"),
			MaxDelay:       v.GetDuration("dispatch.max_delay"),
			MaxAttempts:    v.GetInt("dispatch.max_attempts"),
		},
		DataPlane: DataPlaneConfig{
			DataDir:     v.GetString("dataplane.data_dir"),
			AllowCustom: v.GetBool("dataplane.allow_custom"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		DatabaseURL: v.GetString("database.url"),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("reconciler.interval", d.Reconciler.Interval)
	v.SetDefault("reconciler.max_concurrency", d.Reconciler.MaxConcurrency)
	v.SetDefault("reconciler.nack_threshold", d.Reconciler.NackThreshold)
	v.SetDefault("dispatch.attempt_timeout", d.Dispatch.AttemptTimeout)
	v.SetDefault("dispatch.base_delay", d.Dispatch.BaseDelay)
	v.SetDefault("dispatch.max_delay", d.Dispatch.MaxDelay)
	v.SetDefault("dispatch.max_attempts", d.Dispatch.MaxAttempts)
	v.SetDefault("dataplane.data_dir", d.DataPlane.DataDir)
	v.SetDefault("dataplane.allow_custom", d.DataPlane.AllowCustom)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("database.url", "")
}

// validateConfig checks ranges of every tunable.
func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be positive, got %v", cfg.Reconciler.Interval)
	}
	if cfg.Reconciler.MaxConcurrency <= 0 {
		return fmt.Errorf("reconciler.max_concurrency must be positive, got %d", cfg.Reconciler.MaxConcurrency)
	}
	if cfg.Reconciler.NackThreshold < 0 {
		return fmt.Errorf("reconciler.nack_threshold must not be negative, got %d", cfg.Reconciler.NackThreshold)
	}
	if cfg.Dispatch.AttemptTimeout <= 0 {
		return fmt.Errorf("dispatch.attempt_timeout must be positive, got %v", cfg.Dispatch.AttemptTimeout)
	}
	if cfg.Dispatch.BaseDelay <= 0 || cfg.Dispatch.MaxDelay < cfg.Dispatch.BaseDelay {
		return fmt.Errorf("dispatch delays must satisfy 0 < base_delay <= max_delay, got %v and %v", cfg.Dispatch.BaseDelay, cfg.Dispatch.MaxDelay)
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be positive, got %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.DataPlane.DataDir == "" {
		return fmt.Errorf("dataplane.data_dir must not be empty")
	}
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("log format must be json or text, got %q", cfg.Log.Format)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only credentials (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("database.url") {
		return fmt.Errorf("database URL not allowed in config files (use %s_DATABASE_URL environment variable or --database-url)", EnvPrefix)
	}
	return nil
}
