// Package config loads cvflow settings from defaults, an optional config
// file, CVFLOW_* environment variables and runtime overrides.
package config

import "time"

// Config is the fully resolved application configuration.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Polling PollingConfig `mapstructure:"polling"`
	Session SessionConfig `mapstructure:"session"`
	History HistoryConfig `mapstructure:"history"`
	Flows   FlowsConfig   `mapstructure:"flows"`
	Logging LoggingConfig `mapstructure:"logging"`
	Report  ReportConfig  `mapstructure:"report"`
	Server  ServerConfig  `mapstructure:"server"`
}

// BackendConfig locates the analysis backend.
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
	UserAgent string  `mapstructure:"user_agent"`
}

// PollingConfig tunes the progress poller.
type PollingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SessionConfig controls where session ids are persisted.
type SessionConfig struct {
	Dir string `mapstructure:"dir"`
}

// HistoryConfig controls the on-disk record of step runs.
type HistoryConfig struct {
	Dir string `mapstructure:"dir"`

	// Keep is how many finished runs are retained. Zero disables history.
	Keep int `mapstructure:"keep"`
}

// FlowsConfig points at an optional flow catalog override.
type FlowsConfig struct {
	File string `mapstructure:"file"`
}

// LoggingConfig selects the CLI logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ReportConfig controls where exported reports are written.
type ReportConfig struct {
	// Destination is a directory or an s3://bucket/prefix URI.
	Destination string   `mapstructure:"destination"`
	S3          S3Config `mapstructure:"s3"`
}

// S3Config holds connection settings for an S3 report destination.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// ServerConfig configures the simulated backend started by `cvflow serve`.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// StepDelay is how long the simulated backend takes per work item.
	StepDelay time.Duration `mapstructure:"step_delay"`
}

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)
