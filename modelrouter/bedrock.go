package modelrouter

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"delegate.run/engine/modelrouter/limiter"
)

// bedrockRuntime mirrors the subset of *bedrockruntime.Client used here.
type bedrockRuntime interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient adapts the AWS Bedrock Converse API to Client.
type BedrockClient struct {
	runtime bedrockRuntime
}

// NewBedrockClient wraps a Bedrock runtime client (*bedrockruntime.Client or a fake).
func NewBedrockClient(runtime bedrockRuntime) (*BedrockClient, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	return &BedrockClient{runtime: runtime}, nil
}

// Complete issues a single Converse call, splitting system messages from the
// conversational turn per Bedrock's separate System field.
func (c *BedrockClient) Complete(ctx context.Context, req Request) (Response, error) {
	var system []brtypes.SystemContentBlock
	var msgs []brtypes.Message
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case "assistant":
			msgs = append(msgs, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			msgs = append(msgs, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: msgs,
	}
	if len(system) > 0 {
		input.System = system
	}
	cfg := &brtypes.InferenceConfiguration{}
	haveCfg := false
	if req.MaxTokens > 0 {
		mt := int32(req.MaxTokens)
		cfg.MaxTokens = &mt
		haveCfg = true
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
		haveCfg = true
	}
	if haveCfg {
		input.InferenceConfig = cfg
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isBedrockThrottled(err) {
			return Response{}, fmt.Errorf("%w: %w", limiter.ErrRateLimited, err)
		}
		return Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateConverseOutput(out)
}

func translateConverseOutput(out *bedrockruntime.ConverseOutput) (Response, error) {
	if out == nil {
		return Response{}, errors.New("bedrock: converse output is nil")
	}
	var text string
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text += tb.Value
			}
		}
	}
	resp := Response{Text: text}
	if out.Usage != nil {
		resp.PromptTokens = int(ptrInt32(out.Usage.InputTokens))
		resp.CompletionTokens = int(ptrInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

func ptrInt32(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

func isBedrockThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ThrottlingException"
	}
	return false
}
