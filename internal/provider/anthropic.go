package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configures the Anthropic provider.
type AnthropicOptions struct {
	Model     anthropic.Model
	MaxTokens int64
	APIKey    string
	System    string
}

// AnthropicProvider implements Think over the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropic creates a provider using the official client. Without an
// explicit APIKey the client reads ANTHROPIC_API_KEY from the environment.
func NewAnthropic(optFns ...func(o *AnthropicOptions)) *AnthropicProvider {
	opts := AnthropicOptions{
		Model:     anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens: 4096,
		System:    DefaultSystemPrompt,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &AnthropicProvider{
		client: &client,
		opts:   opts,
	}
}

// NewAnthropicFromClient creates a provider over an existing client.
func NewAnthropicFromClient(client *anthropic.Client, optFns ...func(o *AnthropicOptions)) *AnthropicProvider {
	opts := AnthropicOptions{
		Model:     anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens: 4096,
		System:    DefaultSystemPrompt,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &AnthropicProvider{
		client: client,
		opts:   opts,
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Think implements Provider.
func (p *AnthropicProvider) Think(ctx context.Context, trace []string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     p.opts.Model,
		MaxTokens: p.opts.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: p.opts.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(joinTrace(trace))),
		},
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	out := ""
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.AsText().Text
		}
	}
	if out == "" {
		return "", fmt.Errorf("anthropic messages: no text content in response")
	}
	return out, nil
}
