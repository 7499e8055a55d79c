package llmenvoy

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/config"
)

// anthropicProvider implements Provider over anthropic-sdk-go, following
// the same option-construction idiom ai/provider.go uses for per-provider
// client configuration (explicit fields over reflection-driven mapping).
type anthropicProvider struct {
	client *anthropic.Client
	model  string
	logger core.Logger
}

func newAnthropicProvider(cfg *config.Config, logger core.Logger) *anthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.LLM.APIKey)}
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.LLM.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	model := cfg.LLM.Model
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	return &anthropicProvider{client: &client, model: model, logger: logger}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, prompt string, opts *core.AIOptions) (*core.AIResponse, error) {
	model := p.model
	maxTokens := int64(1000)
	var system string
	if opts != nil {
		if opts.Model != "" {
			model = opts.Model
		}
		if opts.MaxTokens > 0 {
			maxTokens = int64(opts.MaxTokens)
		}
		system = opts.SystemPrompt
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &EnvoyError{
				Op: "anthropic.Complete", Kind: classifyHTTPStatus(apiErr.StatusCode),
				Status: apiErr.StatusCode, Message: apiErr.Message, Err: err,
			}
		}
		return nil, &EnvoyError{Op: "anthropic.Complete", Kind: transportErrorKind(err), Message: err.Error(), Err: err}
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &core.AIResponse{
		Content: content,
		Model:   string(msg.Model),
		Usage: core.TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

// StreamComplete drives anthropic-sdk-go's server-sent event stream
// directly, forwarding each text delta as it arrives rather than waiting
// for message_stop — the SDK's own Accumulate helper is for consumers that
// want the final message, which the Envoy's non-streaming Complete path
// already covers.
func (p *anthropicProvider) StreamComplete(ctx context.Context, prompt string, opts *core.AIOptions) (<-chan Chunk, error) {
	model := p.model
	maxTokens := int64(1000)
	var system string
	if opts != nil {
		if opts.Model != "" {
			model = opts.Model
		}
		if opts.MaxTokens > 0 {
			maxTokens = int64(opts.MaxTokens)
		}
		system = opts.SystemPrompt
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	// The first Next() call is what actually opens the connection, so it
	// is done synchronously to surface connection/auth failures through
	// the normal error return instead of silently closing the channel.
	hasFirst := stream.Next()
	if err := stream.Err(); err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &EnvoyError{
				Op: "anthropic.StreamComplete", Kind: classifyHTTPStatus(apiErr.StatusCode),
				Status: apiErr.StatusCode, Message: apiErr.Message, Err: err,
			}
		}
		return nil, &EnvoyError{Op: "anthropic.StreamComplete", Kind: transportErrorKind(err), Message: err.Error(), Err: err}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for more := hasFirst; more; more = stream.Next() {
			if delta, ok := anthropicTextDelta(stream.Current()); ok {
				select {
				case out <- Chunk{Content: delta}:
				case <-ctx.Done():
					return
				}
			}
		}
		out <- Chunk{Done: true}
	}()
	return out, nil
}

func anthropicTextDelta(event anthropic.MessageStreamEventUnion) (string, bool) {
	delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
	if !ok {
		return "", false
	}
	text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
	if !ok || text.Text == "" {
		return "", false
	}
	return text.Text, true
}
