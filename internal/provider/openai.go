package provider

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient is the slice of the OpenAI client used here, extracted as an
// interface for testability.
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider implements Think over the OpenAI chat completion API. It
// also serves OpenAI-compatible endpoints (xAI, local gateways) via a
// custom base URL on the injected client.
type OpenAIProvider struct {
	client OpenAIClient
	model  string
	system string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAISystemPrompt overrides the default system prompt.
func WithOpenAISystemPrompt(prompt string) OpenAIOption {
	return func(p *OpenAIProvider) { p.system = prompt }
}

// NewOpenAI creates a provider with a default client for the given API key.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) *OpenAIProvider {
	return NewOpenAIWithClient(openai.NewClient(apiKey), model, opts...)
}

// NewOpenAIWithClient creates a provider over a custom client, useful for
// tests and OpenAI-compatible backends.
func NewOpenAIWithClient(client OpenAIClient, model string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		client: client,
		model:  model,
		system: DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Think implements Provider.
func (p *OpenAIProvider) Think(ctx context.Context, trace []string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.system},
			{Role: openai.ChatMessageRoleUser, Content: joinTrace(trace)},
		},
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat completion: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
