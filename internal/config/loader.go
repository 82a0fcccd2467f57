package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is the prefix of environment variables read by LoadWithFile.
	EnvPrefix = "SELFHEAL_"
)

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SELFHEAL_SCHEDULER_WORKERS, SELFHEAL_ORACLE_API_KEY, ...)
//  2. YAML config file (~/.config/selfheal/config.yaml)
//  3. Hardcoded defaults
//
// A missing file is not an error. An existing file must live under
// ~/.config/selfheal/ or /etc/selfheal/, be at most 1MB and have 0600 or 0400
// permissions.
//
// Environment variables map to keys by stripping the prefix and splitting on
// the first underscore:
//
//	SELFHEAL_SCHEDULER_WORKERS  -> scheduler.workers
//	SELFHEAL_ORACLE_API_KEY     -> oracle.api_key
//	SELFHEAL_SERVER_HTTP_PORT   -> server.http_port
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Validate through the opened descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// envKey maps SELFHEAL_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// DefaultConfigDir returns ~/.config/selfheal.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "selfheal"), nil
}

// DefaultDataPath returns the default SQLite database location.
func DefaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "selfheal.db"
	}
	return filepath.Join(home, ".local", "share", "selfheal", "selfheal.db")
}

// EnsureConfigDir creates the selfheal config directory with 0700 permissions.
func EnsureConfigDir() error {
	dir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// validateConfigPath checks the path is inside an allowed directory.
// It runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	userDir, err := DefaultConfigDir()
	if err != nil {
		return err
	}

	for _, dir := range []string{userDir, "/etc/selfheal"} {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/selfheal/ or /etc/selfheal/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Scheduler.Schedule == "" {
		cfg.Scheduler.Schedule = "@every 5m"
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.ActiveWindow == 0 {
		cfg.Scheduler.ActiveWindow = 24 * time.Hour
	}
	if cfg.Scheduler.ExpiryWindow == 0 {
		cfg.Scheduler.ExpiryWindow = 48 * time.Hour
	}
	if cfg.Scheduler.MaxBackoff == 0 {
		cfg.Scheduler.MaxBackoff = 24 * time.Hour
	}
	if cfg.Scheduler.IssuesPerPoll == 0 {
		cfg.Scheduler.IssuesPerPoll = 3
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultDataPath()
	}

	if cfg.Sentry.BaseURL == "" {
		cfg.Sentry.BaseURL = "https://sentry.io/api/0"
	}
	if cfg.Sentry.Timeout == 0 {
		cfg.Sentry.Timeout = 30 * time.Second
	}
	if cfg.Sentry.RequestsPerSec == 0 {
		cfg.Sentry.RequestsPerSec = 5
	}
	if cfg.Sentry.Query == "" {
		cfg.Sentry.Query = "is:unresolved level:error"
	}

	if cfg.GitHub.Timeout == 0 {
		cfg.GitHub.Timeout = 30 * time.Second
	}
	if cfg.GitHub.MaxRetries == 0 {
		cfg.GitHub.MaxRetries = 3
	}

	if cfg.Oracle.Provider == "" {
		cfg.Oracle.Provider = "anthropic"
	}
	if cfg.Oracle.Model == "" {
		if cfg.Oracle.Provider == "openai" {
			cfg.Oracle.Model = "gpt-4o"
		} else {
			cfg.Oracle.Model = "claude-sonnet-4-5"
		}
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = 2 * time.Minute
	}
	if cfg.Oracle.MaxTokens == 0 {
		cfg.Oracle.MaxTokens = 4096
	}
	if cfg.Oracle.RequestsPerMin == 0 {
		cfg.Oracle.RequestsPerMin = 20
	}
	if cfg.Oracle.MaxAttempts == 0 {
		cfg.Oracle.MaxAttempts = 2
	}

	if cfg.Pipeline.Engine == "" {
		cfg.Pipeline.Engine = "inprocess"
	}
	if cfg.Pipeline.MaxFrames == 0 {
		cfg.Pipeline.MaxFrames = 5
	}
	if cfg.Pipeline.WindowLines == 0 {
		cfg.Pipeline.WindowLines = 50
	}
	if cfg.Pipeline.MatchThreshold == 0 {
		cfg.Pipeline.MatchThreshold = 0.6
	}
	if cfg.Pipeline.MinSizeRatio == 0 {
		cfg.Pipeline.MinSizeRatio = 0.5
	}
	if cfg.Pipeline.BranchPrefix == "" {
		cfg.Pipeline.BranchPrefix = "fix/"
	}

	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "selfheal-remediation"
	}

	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "selfheal.outcomes"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "selfheal"
	}
}
