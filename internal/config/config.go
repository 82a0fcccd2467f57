// Package config provides configuration loading for selfheal.
//
// Configuration is read from a YAML file and overridden by SELFHEAL_*
// environment variables. See LoadWithFile for precedence rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete selfheal configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Storage   StorageConfig   `koanf:"storage"`
	Sentry    SentryConfig    `koanf:"sentry"`
	GitHub    GitHubConfig    `koanf:"github"`
	Oracle    OracleConfig    `koanf:"oracle"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Temporal  TemporalConfig  `koanf:"temporal"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	Host            string        `koanf:"http_host"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// IntakeToken guards POST /v1/tenants. Empty disables the intake route.
	IntakeToken Secret `koanf:"intake_token"`
}

// SchedulerConfig controls the periodic driver.
type SchedulerConfig struct {
	// Schedule is a cron expression; "@every 5m" style descriptors are accepted.
	Schedule      string        `koanf:"schedule"`
	Workers       int           `koanf:"workers"`
	ActiveWindow  time.Duration `koanf:"active_window"`
	ExpiryWindow  time.Duration `koanf:"expiry_window"`
	MaxBackoff    time.Duration `koanf:"max_backoff"`
	IssuesPerPoll int           `koanf:"issues_per_poll"`
}

// StorageConfig selects the durable store for the registry and ledger.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "file".
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// SentryConfig holds issue source defaults.
type SentryConfig struct {
	BaseURL        string        `koanf:"base_url"`
	Timeout        time.Duration `koanf:"timeout"`
	RequestsPerSec float64       `koanf:"requests_per_sec"`
	Query          string        `koanf:"query"`
}

// GitHubConfig holds code host defaults.
type GitHubConfig struct {
	BaseURL    string        `koanf:"base_url"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
}

// OracleConfig selects and tunes the fix oracle provider.
type OracleConfig struct {
	// Provider is "anthropic" (default) or "openai".
	Provider       string        `koanf:"provider"`
	Model          string        `koanf:"model"`
	APIKey         Secret        `koanf:"api_key"`
	BaseURL        string        `koanf:"base_url"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxTokens      int           `koanf:"max_tokens"`
	RequestsPerMin int           `koanf:"requests_per_min"`
	MaxAttempts    int           `koanf:"max_attempts"`
}

// PipelineConfig tunes per-issue processing.
type PipelineConfig struct {
	// Engine is "inprocess" (default) or "temporal".
	Engine          string  `koanf:"engine"`
	MaxFrames       int     `koanf:"max_frames"`
	WindowLines     int     `koanf:"window_lines"`
	MatchThreshold  float64 `koanf:"match_threshold"`
	MinSizeRatio    float64 `koanf:"min_size_ratio"`
	SkipSecretsGate bool    `koanf:"skip_secrets_gate"`
	BaseBranch      string  `koanf:"base_branch"`
	BranchPrefix    string  `koanf:"branch_prefix"`
	OverrideFiles   bool    `koanf:"override_files"`
	PullRequestNote string  `koanf:"pull_request_note"`
}

// TemporalConfig holds Temporal connection settings for the durable engine.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// NATSConfig controls outcome event publishing. Empty URL disables it.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// LoggingConfig is the file/env view of logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// Output is "stderr", "stdout", or "otel". Command output goes to
	// stdout, so logs default to stderr.
	Output string `koanf:"output"`
	// Sample enables sampling of repeated entries below error level.
	Sample bool `koanf:"sample"`
}

// TelemetryConfig is the file/env view of OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be >= 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.ActiveWindow <= 0 || c.Scheduler.ExpiryWindow <= 0 {
		return errors.New("scheduler windows must be positive")
	}
	if c.Scheduler.ExpiryWindow < c.Scheduler.ActiveWindow {
		return fmt.Errorf("scheduler.expiry_window (%s) must not be shorter than active_window (%s)",
			c.Scheduler.ExpiryWindow, c.Scheduler.ActiveWindow)
	}

	switch c.Storage.Driver {
	case "sqlite", "file":
	default:
		return fmt.Errorf("storage.driver must be 'sqlite' or 'file', got %q", c.Storage.Driver)
	}

	switch c.Oracle.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("oracle.provider must be 'anthropic' or 'openai', got %q", c.Oracle.Provider)
	}
	if c.Oracle.Timeout <= 0 || c.Sentry.Timeout <= 0 || c.GitHub.Timeout <= 0 {
		return errors.New("network timeouts must be positive")
	}
	if c.Oracle.MaxAttempts < 1 {
		return errors.New("oracle.max_attempts must be >= 1")
	}

	switch c.Pipeline.Engine {
	case "inprocess":
	case "temporal":
		if c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "" {
			return errors.New("temporal.host_port and temporal.task_queue are required for the temporal engine")
		}
	default:
		return fmt.Errorf("pipeline.engine must be 'inprocess' or 'temporal', got %q", c.Pipeline.Engine)
	}
	if c.Pipeline.MatchThreshold <= 0 || c.Pipeline.MatchThreshold > 1 {
		return fmt.Errorf("pipeline.match_threshold must be in (0, 1], got %v", c.Pipeline.MatchThreshold)
	}
	if c.Pipeline.MinSizeRatio < 0 || c.Pipeline.MinSizeRatio >= 1 {
		return fmt.Errorf("pipeline.min_size_ratio must be in [0, 1), got %v", c.Pipeline.MinSizeRatio)
	}

	switch c.Logging.Output {
	case "stderr", "stdout", "otel":
	default:
		return fmt.Errorf("logging.output must be 'stderr', 'stdout' or 'otel', got %q", c.Logging.Output)
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
	}

	return nil
}
