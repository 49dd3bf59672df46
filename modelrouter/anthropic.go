package modelrouter

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"delegate.run/engine/modelrouter/limiter"
)

// anthropicMessages captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake in place of *sdk.MessageService.
type anthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient adapts anthropic-sdk-go's Messages API to Client.
type AnthropicClient struct {
	msg anthropicMessages
}

// NewAnthropicClient wraps an Anthropic Messages client. Pass &sdk.NewClient(...).Messages.
func NewAnthropicClient(msg anthropicMessages) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	return &AnthropicClient{msg: msg}, nil
}

// NewAnthropicClientFromAPIKey constructs an AnthropicClient from a raw API key.
func NewAnthropicClientFromAPIKey(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClient(&c.Messages)
}

// Complete issues a single-turn Messages.New call, mapping the system
// message (if any) to Anthropic's top-level System field. When a request
// carries several system messages, only the last one is sent.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	var system string
	var msgs []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isAnthropicRateLimited(err) {
			return Response{}, fmt.Errorf("%w: %w", limiter.ErrRateLimited, err)
		}
		return Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return Response{
		Text:             text,
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func isAnthropicRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
