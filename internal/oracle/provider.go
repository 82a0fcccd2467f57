package oracle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
)

const defaultMaxTokens = 4096

// ProviderConfig holds what a provider needs to reach its API.
type ProviderConfig struct {
	// Provider is "anthropic" (default), "openai" or "openai_compatible".
	Provider  string
	Model     string
	APIKey    config.Secret
	BaseURL   string
	MaxTokens int
	// MaxRetries bounds SDK-level retries of failed requests. Negative
	// leaves the SDK default.
	MaxRetries int
}

// NewProvider creates the provider named by cfg.Provider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("oracle: missing provider api key")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("oracle: missing model")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic", "":
		return NewAnthropic(cfg), nil
	case "openai", "openai_compatible":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// FromConfig builds an oracle from the service configuration.
func FromConfig(cfg config.OracleConfig, logger *logging.Logger) (*LLM, error) {
	p, err := NewProvider(ProviderConfig{
		Provider:   cfg.Provider,
		Model:      cfg.Model,
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		MaxTokens:  cfg.MaxTokens,
		MaxRetries: -1,
	})
	if err != nil {
		return nil, err
	}
	return New(p, Options{
		Timeout:        cfg.Timeout,
		RequestsPerMin: cfg.RequestsPerMin,
		MaxSets:        3,
	}, logger), nil
}
