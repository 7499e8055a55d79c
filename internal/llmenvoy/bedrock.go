package llmenvoy

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/config"
)

// bedrockProvider implements Provider over aws-sdk-go-v2's bedrockruntime,
// invoking Anthropic-family models via Bedrock's Converse API — the
// provider-plurality pattern named in ai/provider.go's WithRegion/
// WithAWSCredentials options, adapted from client-per-request to
// client-per-process since the coordinator is a long-lived service.
type bedrockProvider struct {
	client *bedrockruntime.Client
	model  string
	logger core.Logger
}

func newBedrockProvider(cfg *config.Config, logger core.Logger) (*bedrockProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, &core.FrameworkError{Op: "llmenvoy.newBedrockProvider", Kind: "config", Err: err}
	}
	model := cfg.LLM.Model
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	return &bedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		model:  model,
		logger: logger,
	}, nil
}

func (p *bedrockProvider) Name() string { return "bedrock" }

func (p *bedrockProvider) Complete(ctx context.Context, prompt string, opts *core.AIOptions) (*core.AIResponse, error) {
	model := p.model
	maxTokens := int32(1000)
	var system string
	if opts != nil {
		if opts.Model != "" {
			model = opts.Model
		}
		if opts.MaxTokens > 0 {
			maxTokens = int32(opts.MaxTokens)
		}
		system = opts.SystemPrompt
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: &model,
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: &maxTokens},
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		kind := ErrServerError
		if ok := asSmithyError(err, &apiErr); ok {
			kind = classifyBedrockError(apiErr.ErrorCode())
		}
		return nil, &EnvoyError{Op: "bedrock.Complete", Kind: kind, Message: err.Error(), Err: err}
	}

	msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, &EnvoyError{Op: "bedrock.Complete", Kind: ErrServerError, Message: "unexpected converse output shape"}
	}
	var content string
	for _, block := range msgOutput.Value.Content {
		if textBlock, ok := block.(*types.ContentBlockMemberText); ok {
			content += textBlock.Value
		}
	}

	usage := core.TokenUsage{}
	if out.Usage != nil {
		usage.PromptTokens = int(derefInt32(out.Usage.InputTokens))
		usage.CompletionTokens = int(derefInt32(out.Usage.OutputTokens))
		usage.TotalTokens = int(derefInt32(out.Usage.TotalTokens))
	}

	return &core.AIResponse{Content: content, Model: model, Usage: usage}, nil
}

// StreamComplete uses bedrockruntime's ConverseStream API, forwarding each
// ContentBlockDelta text delta as it arrives off the event stream reader.
func (p *bedrockProvider) StreamComplete(ctx context.Context, prompt string, opts *core.AIOptions) (<-chan Chunk, error) {
	model := p.model
	maxTokens := int32(1000)
	var system string
	if opts != nil {
		if opts.Model != "" {
			model = opts.Model
		}
		if opts.MaxTokens > 0 {
			maxTokens = int32(opts.MaxTokens)
		}
		system = opts.SystemPrompt
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId: &model,
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: &maxTokens},
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	out, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		kind := ErrServerError
		if ok := asSmithyError(err, &apiErr); ok {
			kind = classifyBedrockError(apiErr.ErrorCode())
		}
		return nil, &EnvoyError{Op: "bedrock.StreamComplete", Kind: kind, Message: err.Error(), Err: err}
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		stream := out.GetStream()
		defer stream.Close()
		for event := range stream.Events() {
			delta, ok := event.(*types.ConverseStreamOutputMemberContentBlockDelta)
			if !ok {
				continue
			}
			text, ok := delta.Value.Delta.(*types.ContentBlockDeltaMemberText)
			if !ok || text.Value == "" {
				continue
			}
			select {
			case ch <- Chunk{Content: text.Value}:
			case <-ctx.Done():
				return
			}
		}
		ch <- Chunk{Done: true}
	}()
	return ch, nil
}

func derefInt32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

func asSmithyError(err error, target *smithy.APIError) bool {
	type apiErrorWrapper interface{ Unwrap() error }
	for err != nil {
		if ae, ok := err.(smithy.APIError); ok {
			*target = ae
			return true
		}
		w, ok := err.(apiErrorWrapper)
		if !ok {
			return false
		}
		err = w.Unwrap()
	}
	return false
}

func classifyBedrockError(code string) ErrorKind {
	switch code {
	case "AccessDeniedException", "UnrecognizedClientException":
		return ErrAuthenticationFailed
	case "ThrottlingException", "TooManyRequestsException":
		return ErrRateLimitExceeded
	case "ModelTimeoutException":
		return ErrTimeoutKind
	case "InternalServerException", "ModelErrorException":
		return ErrServerError
	default:
		return ErrorKind(fmt.Sprintf("http_error_%s", code))
	}
}
