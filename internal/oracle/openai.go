package oracle

import (
	"context"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

// OpenAI calls the Chat Completions API of OpenAI or a compatible server.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg ProviderConfig) *OpenAI {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(cfg.APIKey.Value()))}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(cfg.BaseURL)))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, ooption.WithMaxRetries(cfg.MaxRetries))
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     strings.TrimSpace(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
	}
}

func (p *OpenAI) Name() string  { return "openai" }
func (p *OpenAI) Model() string { return p.model }

// Complete implements Provider.
func (p *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(p.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(p.maxTokens),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
