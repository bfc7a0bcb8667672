// Package config provides configuration management for l7plane.
package config

import (
	"time"
)

// ServerConfig holds configuration for the gRPC API server.
type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	RequestTimeout time.Duration
}

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	Interval       time.Duration
	MaxConcurrency int
	NackThreshold  int
}

// DispatchConfig bounds data-plane attempts.
type DispatchConfig struct {
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
}

// DataPlaneConfig configures the file-writing data-plane agent.
type DataPlaneConfig struct {
	DataDir string
	// AllowCustom lets the agent accept steps whose predicate is a custom
	// expression only the proxy understands.
	AllowCustom bool
}

// LogConfig selects the log level and output format (json or text).
type LogConfig struct {
	Level  string
	Format string
}

// Config is the complete l7plane configuration.
type Config struct {
	Server     ServerConfig
	Reconciler ReconcilerConfig
	Dispatch   DispatchConfig
	DataPlane  DataPlaneConfig
	Log        LogConfig

	// DatabaseURL is read from L7P_DATABASE_URL or --database-url only.
	DatabaseURL string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50051,
			MaxConnections: 1000,
			RequestTimeout: 30 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			Interval:       30 * time.Second,
			MaxConcurrency: 8,
			NackThreshold:  3,
		},
		Dispatch: DispatchConfig{
			AttemptTimeout: 10 * time.Second,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			MaxAttempts:    5,
		},
		DataPlane: DataPlaneConfig{
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
