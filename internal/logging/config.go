package logging

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/selfheal/internal/config"
)

// Output destinations.
const (
	OutputStderr = "stderr"
	OutputStdout = "stdout"
	// OutputOTEL sends entries to the OpenTelemetry log bridge and keeps a
	// stderr copy for operators.
	OutputOTEL = "otel"
)

// Config holds logging configuration.
type Config struct {
	Level      zapcore.Level
	Format     string
	Output     string
	Sampling   SamplingConfig
	Caller     bool
	Stacktrace zapcore.Level
	// Fields are attached to every entry.
	Fields    map[string]string
	Redaction RedactionConfig
}

// SamplingConfig thins repeated entries below error level. Within each Tick
// the first Initial entries with a given message pass, then every
// Thereafter-th.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig names field keys and value patterns that are masked by
// the encoder.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// defaultRedactedFields covers the credential-bearing keys that flow
// through tenant registration and provider clients.
var defaultRedactedFields = []string{
	"password", "secret", "token", "api_key", "authorization",
	"bearer", "credential", "private_key", "issue_token", "code_host_token",
}

// defaultRedactedPatterns match bearer headers and token formats of the
// issue source, code host and oracle providers.
var defaultRedactedPatterns = []string{
	`(?i)bearer\s+\S+`,
	`(?i)api[_-]?key[=:]\s*\S+`,
	`gh[pousr]_[A-Za-z0-9]{20,}`,
	`github_pat_[A-Za-z0-9_]{20,}`,
	`sntry[su]_[A-Za-z0-9_=]{20,}`,
	`sk-(ant-)?[A-Za-z0-9_-]{20,}`,
}

// NewDefaultConfig returns the configuration used by the daemon.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputStderr,
		Sampling: SamplingConfig{
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Caller:     true,
		Stacktrace: zapcore.ErrorLevel,
		Fields:     map[string]string{"service": "selfheal"},
		Redaction: RedactionConfig{
			Enabled:  true,
			Fields:   append([]string(nil), defaultRedactedFields...),
			Patterns: append([]string(nil), defaultRedactedPatterns...),
		},
	}
}

// FromSettings builds a Config from the logging section of the file/env
// configuration, starting from NewDefaultConfig.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := ParseLevel(s.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	if s.Output != "" {
		cfg.Output = s.Output
	}
	cfg.Sampling.Enabled = s.Sample
	return cfg, cfg.Validate()
}

// ParseLevel accepts zap level names plus "warning".
func ParseLevel(s string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		return zapcore.WarnLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	switch c.Output {
	case OutputStderr, OutputStdout, OutputOTEL:
	default:
		return fmt.Errorf("output must be %q, %q or %q, got %q", OutputStderr, OutputStdout, OutputOTEL, c.Output)
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
		}
		if c.Sampling.Initial < 1 {
			return fmt.Errorf("sampling initial must be >= 1, got %d", c.Sampling.Initial)
		}
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > 200 {
				return fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
