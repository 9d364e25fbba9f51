// Package config provides configuration types and defaults for amelia.
package config

import (
	"fmt"
	"time"
)

// Config holds all configuration options for the orchestration server.
// The option set is closed: unknown keys are a validation error at load.
type Config struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	DatabasePath string `mapstructure:"database_path"`
	ProfilesPath string `mapstructure:"profiles_path"`

	LogRetentionDays      int `mapstructure:"log_retention_days"`
	LogRetentionMaxEvents int `mapstructure:"log_retention_max_events"`

	WebsocketIdleTimeoutSeconds int `mapstructure:"websocket_idle_timeout_seconds"`
	WorkflowStartTimeoutSeconds int `mapstructure:"workflow_start_timeout_seconds"`

	MaxConcurrent int `mapstructure:"max_concurrent"`

	// DriverProvider names the registered agent backend.
	DriverProvider string `mapstructure:"driver_provider"`

	Retry RetryConfig `mapstructure:"retry"`

	MaxReviewIterations     int `mapstructure:"max_review_iterations"`
	MaxTaskReviewIterations int `mapstructure:"max_task_review_iterations"`

	Tracing TracingConfig `mapstructure:"tracing"`
}

// RetryConfig bounds the runner's exponential backoff for transient
// node errors. Delays follow base * 2^attempt capped at MaxDelay.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "stdout", "otlp"
	Exporter string `mapstructure:"exporter"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns a Config with the documented default values.
func Defaults() Config {
	return Config{
		Host:                        "127.0.0.1",
		Port:                        8420,
		DatabasePath:                ".amelia/amelia.db",
		ProfilesPath:                "",
		LogRetentionDays:            30,
		LogRetentionMaxEvents:       100000,
		WebsocketIdleTimeoutSeconds: 300,
		WorkflowStartTimeoutSeconds: 60,
		MaxConcurrent:               5,
		DriverProvider:              "loopback",
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  1 * time.Second,
			MaxDelay:   60 * time.Second,
		},
		MaxReviewIterations:     3,
		MaxTaskReviewIterations: 5,
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// ListenAddr returns the host:port bind address for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebsocketIdleTimeout returns the idle timeout as a duration.
func (c Config) WebsocketIdleTimeout() time.Duration {
	return time.Duration(c.WebsocketIdleTimeoutSeconds) * time.Second
}

// WorkflowStartTimeout returns the start timeout as a duration.
func (c Config) WorkflowStartTimeout() time.Duration {
	return time.Duration(c.WorkflowStartTimeoutSeconds) * time.Second
}

// Validate checks the configuration for out-of-range values.
// Empty values were already replaced by defaults at load time.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.LogRetentionDays < 1 {
		return fmt.Errorf("log_retention_days must be at least 1, got %d", c.LogRetentionDays)
	}
	if c.LogRetentionMaxEvents < 1000 {
		return fmt.Errorf("log_retention_max_events must be at least 1000, got %d", c.LogRetentionMaxEvents)
	}
	if c.WebsocketIdleTimeoutSeconds < 1 {
		return fmt.Errorf("websocket_idle_timeout_seconds must be at least 1, got %d", c.WebsocketIdleTimeoutSeconds)
	}
	if c.WorkflowStartTimeoutSeconds < 1 {
		return fmt.Errorf("workflow_start_timeout_seconds must be at least 1, got %d", c.WorkflowStartTimeoutSeconds)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.DriverProvider == "" {
		return fmt.Errorf("driver_provider is required")
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.MaxReviewIterations < 1 {
		return fmt.Errorf("max_review_iterations must be at least 1, got %d", c.MaxReviewIterations)
	}
	if c.MaxTaskReviewIterations < 1 {
		return fmt.Errorf("max_task_review_iterations must be at least 1, got %d", c.MaxTaskReviewIterations)
	}
	return c.Tracing.Validate()
}

// Validate checks retry bounds.
func (r RetryConfig) Validate() error {
	if r.MaxRetries < 0 || r.MaxRetries > 10 {
		return fmt.Errorf("retry.max_retries must be between 0 and 10, got %d", r.MaxRetries)
	}
	if r.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive, got %v", r.BaseDelay)
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay, got %v < %v", r.MaxDelay, r.BaseDelay)
	}
	return nil
}

// Validate checks tracing configuration for errors.
func (t TracingConfig) Validate() error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}
	switch t.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"stdout\", or \"otlp\", got %q", t.Exporter)
	}
	if t.Enabled && t.Exporter == "otlp" && t.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}
	return nil
}
