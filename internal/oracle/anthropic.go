package oracle

import (
	"context"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg ProviderConfig) *Anthropic {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(cfg.APIKey.Value()))}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(cfg.BaseURL)))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, aoption.WithMaxRetries(cfg.MaxRetries))
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     strings.TrimSpace(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
	}
}

func (p *Anthropic) Name() string  { return "anthropic" }
func (p *Anthropic) Model() string { return p.model }

// Complete implements Provider.
func (p *Anthropic) Complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", ErrEmptyResponse
	}
	return text.String(), nil
}
