package llmenvoy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/config"
)

// openaiProvider implements Provider against an OpenAI-compatible
// chat-completions endpoint, adapted directly from ai/client.go's
// OpenAIClient — same request shape, same response parse.
type openaiProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     core.Logger
}

func newOpenAIProvider(cfg *config.Config, logger core.Logger) *openaiProvider {
	return &openaiProvider{
		apiKey:     cfg.LLM.APIKey,
		baseURL:    cfg.LLM.BaseURL,
		model:      cfg.LLM.Model,
		httpClient: &http.Client{Timeout: cfg.Timeouts.LLMAPI},
		logger:     logger,
	}
}

func (p *openaiProvider) Name() string { return "openai" }

// transportErrorKind classifies an error from httpClient.Do: a client
// or network timeout is ErrTimeoutKind, anything else ErrServerError.
func transportErrorKind(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeoutKind
	}
	return ErrServerError
}

func (p *openaiProvider) Complete(ctx context.Context, prompt string, opts *core.AIOptions) (*core.AIResponse, error) {
	if p.apiKey == "" {
		return nil, &EnvoyError{Op: "openai.Complete", Kind: ErrAuthenticationFailed, Message: "openai api key not configured"}
	}
	if opts == nil {
		opts = &core.AIOptions{Model: p.model, Temperature: 0.7, MaxTokens: 1000}
	}
	model := opts.Model
	if model == "" {
		model = p.model
	}

	messages := []map[string]string{}
	if opts.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": opts.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	reqBody := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &EnvoyError{Op: "openai.Complete", Kind: transportErrorKind(err), Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &EnvoyError{
			Op: "openai.Complete", Kind: classifyHTTPStatus(resp.StatusCode), Status: resp.StatusCode,
			Message: string(body),
		}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, &EnvoyError{Op: "openai.Complete", Kind: ErrServerError, Message: "empty choices in openai response"}
	}

	p.logger.Debug("openai completion timing", map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()})

	return &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// streamChunk mirrors one choices[0].delta entry of an OpenAI-compatible
// chat.completion.chunk SSE event.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamComplete issues the same request as Complete with "stream": true
// and parses the resulting `data: {json}` SSE lines, one content delta per
// line, stopping at the literal `data: [DONE]` sentinel. Lines that fail
// to parse as JSON are skipped rather than treated as fatal, since a
// keep-alive comment or partial write can appear on the wire.
func (p *openaiProvider) StreamComplete(ctx context.Context, prompt string, opts *core.AIOptions) (<-chan Chunk, error) {
	if p.apiKey == "" {
		return nil, &EnvoyError{Op: "openai.StreamComplete", Kind: ErrAuthenticationFailed, Message: "openai api key not configured"}
	}
	if opts == nil {
		opts = &core.AIOptions{Model: p.model, Temperature: 0.7, MaxTokens: 1000}
	}
	model := opts.Model
	if model == "" {
		model = p.model
	}

	messages := []map[string]string{}
	if opts.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": opts.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	reqBody := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
		"stream":      true,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal openai stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build openai stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &EnvoyError{Op: "openai.StreamComplete", Kind: transportErrorKind(err), Message: err.Error(), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &EnvoyError{
			Op: "openai.StreamComplete", Kind: classifyHTTPStatus(resp.StatusCode), Status: resp.StatusCode,
			Message: string(body),
		}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				out <- Chunk{Done: true}
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- Chunk{Content: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
