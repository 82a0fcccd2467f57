package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the selfheal config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "selfheal")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_Defaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "@every 5m", cfg.Scheduler.Schedule)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.ActiveWindow)
	assert.Equal(t, 48*time.Hour, cfg.Scheduler.ExpiryWindow)
	assert.Equal(t, 0.6, cfg.Pipeline.MatchThreshold)
	assert.Equal(t, 0.5, cfg.Pipeline.MinSizeRatio)
	assert.Equal(t, "anthropic", cfg.Oracle.Provider)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "https://sentry.io/api/0", cfg.Sentry.BaseURL)
	assert.Equal(t, "is:unresolved level:error", cfg.Sentry.Query)
	assert.Equal(t, "stderr", cfg.Logging.Output)
}

func TestLoadWithFile_YAMLAndEnv(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
scheduler:
  schedule: "@every 1m"
  workers: 2
oracle:
  provider: openai
  api_key: sk-from-file
pipeline:
  max_frames: 3
`, 0600)

	t.Setenv("SELFHEAL_SCHEDULER_WORKERS", "8")
	t.Setenv("SELFHEAL_ORACLE_API_KEY", "sk-from-env")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "@every 1m", cfg.Scheduler.Schedule)
	assert.Equal(t, 8, cfg.Scheduler.Workers, "env must override file")
	assert.Equal(t, "openai", cfg.Oracle.Provider)
	assert.Equal(t, "gpt-4o", cfg.Oracle.Model)
	assert.Equal(t, "sk-from-env", cfg.Oracle.APIKey.Value())
	assert.Equal(t, 3, cfg.Pipeline.MaxFrames)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9000\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	outside := filepath.Join(t.TempDir(), "config.yaml")

	_, err := LoadWithFile(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_RejectsOversizedFile(t *testing.T) {
	dir := setupTestHome(t)
	big := make([]byte, maxConfigFileSize+1)
	for i := range big {
		big[i] = '#'
	}
	path := writeConfig(t, dir, string(big), 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"expiry shorter than active", func(c *Config) { c.Scheduler.ExpiryWindow = time.Hour }, "expiry_window"},
		{"unknown provider", func(c *Config) { c.Oracle.Provider = "bard" }, "oracle.provider"},
		{"unknown engine", func(c *Config) { c.Pipeline.Engine = "cron" }, "pipeline.engine"},
		{"temporal without host", func(c *Config) { c.Pipeline.Engine = "temporal" }, "temporal.host_port"},
		{"threshold above one", func(c *Config) { c.Pipeline.MatchThreshold = 1.5 }, "match_threshold"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"unknown log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_port", envKey("SELFHEAL_SERVER_HTTP_PORT"))
	assert.Equal(t, "oracle.api_key", envKey("SELFHEAL_ORACLE_API_KEY"))
	assert.Equal(t, "debug", envKey("SELFHEAL_DEBUG"))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("ghp_supersecret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "ghp_supersecret", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"[REDACTED]"}`, string(data))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestSecret_Matches(t *testing.T) {
	s := Secret("intake-123")
	assert.True(t, s.Matches("intake-123"))
	assert.False(t, s.Matches("intake-124"))
	assert.False(t, s.Matches(""))
	assert.False(t, Secret("").Matches(""))
}
