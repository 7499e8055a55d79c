// Package llmenvoy is the coordinator's single gateway to language models
// (C1). It normalizes provider differences behind one interface, classifies
// transport/provider errors into the taxonomy consumed by the executor, and
// extracts the structured plan object an LLM response is expected to carry.
package llmenvoy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/config"
)

// Chunk is one piece of a streamed completion. A Chunk with Done set
// carries no further Content — it marks the end of the stream (§4.1's
// [DONE] sentinel), letting a consumer range over the channel without a
// separate close-then-check step.
type Chunk struct {
	Content string
	Done    bool
}

// ErrorKind classifies a failed Complete call for the executor's error
// taxonomy (SPEC_FULL.md §7).
type ErrorKind string

const (
	ErrAuthenticationFailed ErrorKind = "authentication_failed"
	ErrRateLimitExceeded    ErrorKind = "rate_limit_exceeded"
	ErrServerError          ErrorKind = "server_error"
	ErrTimeoutKind          ErrorKind = "timeout"
	ErrHTTPOther            ErrorKind = "http_error"
)

// EnvoyError wraps a provider failure with its classified Kind, in the
// style of core.FrameworkError — Op/Kind/Err, Unwrap-able.
type EnvoyError struct {
	Op      string
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *EnvoyError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *EnvoyError) Unwrap() error { return e.Err }

// classifyHTTPStatus maps a provider HTTP status onto the error taxonomy.
func classifyHTTPStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthenticationFailed
	case status == http.StatusTooManyRequests:
		return ErrRateLimitExceeded
	case status >= 500:
		return ErrServerError
	default:
		return ErrorKind(fmt.Sprintf("http_error_%d", status))
	}
}

// Provider is any backend the Envoy can dispatch a completion request to.
type Provider interface {
	// Complete returns the raw text content of one completion.
	Complete(ctx context.Context, prompt string, opts *core.AIOptions) (*core.AIResponse, error)
	// StreamComplete returns a channel of content-delta Chunks, terminated
	// by a final Chunk with Done set. The channel is never restarted;
	// cancelling ctx closes the underlying stream and the channel.
	StreamComplete(ctx context.Context, prompt string, opts *core.AIOptions) (<-chan Chunk, error)
	// Name identifies the provider for logging/telemetry attributes.
	Name() string
}

// Envoy is the single entry point the plan compiler calls through. It owns
// provider selection and wraps every call with logging and error
// classification. No circuit breaker sits in front of it: the executor's
// breakers guard agent and MCP calls only.
//
// The only mutable state it holds beyond its immutable provider/config is
// the "connection verified" flag: set once by the first Ready probe, read
// on every subsequent /health check. Concurrent reads/writes of this flag
// race benignly (worst case, one extra probe), so it is a plain atomic.Bool
// rather than anything mutex-guarded.
type Envoy struct {
	provider Provider
	cfg      *config.Config
	logger   core.Logger
	verified atomic.Bool
}

// New builds an Envoy from configuration, selecting and constructing the
// concrete Provider named by cfg.LLM.Provider.
func New(cfg *config.Config, logger core.Logger) (*Envoy, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	p, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("framework/llmenvoy")
	}
	return &Envoy{provider: p, cfg: cfg, logger: logger}, nil
}

// Ready reports whether the Envoy's provider is reachable. Until a probe
// has succeeded, each call issues a lightweight 10-token verification
// completion; the first success is cached, and every later call returns
// true without touching the network again, per §4.1/§5's "connection
// verified" flag. A failed probe is not cached.
func (e *Envoy) Ready(ctx context.Context) bool {
	if e.verified.Load() {
		return true
	}
	_, err := e.provider.Complete(ctx, "ping", &core.AIOptions{MaxTokens: 10, Temperature: 0})
	if err != nil {
		return false
	}
	e.verified.Store(true)
	return true
}

func buildProvider(cfg *config.Config, logger core.Logger) (Provider, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		return newOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return newAnthropicProvider(cfg, logger), nil
	case "bedrock":
		return newBedrockProvider(cfg, logger)
	default:
		return nil, &core.FrameworkError{Op: "llmenvoy.New", Kind: "config", Message: fmt.Sprintf("unknown llm provider %q", cfg.LLM.Provider)}
	}
}

// Complete dispatches one completion request, classifying any error.
func (e *Envoy) Complete(ctx context.Context, prompt string, opts *core.AIOptions) (*core.AIResponse, error) {
	start := time.Now()
	resp, err := e.provider.Complete(ctx, prompt, opts)
	elapsed := time.Since(start)

	if err != nil {
		var envErr *EnvoyError
		if errors.As(err, &envErr) {
			e.logger.ErrorWithContext(ctx, "llm completion failed", map[string]interface{}{
				"provider":    e.provider.Name(),
				"kind":        string(envErr.Kind),
				"duration_ms": elapsed.Milliseconds(),
			})
			return nil, err
		}
		kind := ErrServerError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ErrTimeoutKind
		}
		wrapped := &EnvoyError{Op: "llmenvoy.Complete", Kind: kind, Message: err.Error(), Err: err}
		e.logger.ErrorWithContext(ctx, "llm completion failed", map[string]interface{}{
			"provider":    e.provider.Name(),
			"kind":        string(kind),
			"duration_ms": elapsed.Milliseconds(),
		})
		return nil, wrapped
	}

	e.logger.DebugWithContext(ctx, "llm completion succeeded", map[string]interface{}{
		"provider":    e.provider.Name(),
		"duration_ms": elapsed.Milliseconds(),
		"tokens":      resp.Usage.TotalTokens,
	})
	return resp, nil
}

// StreamComplete dispatches one streaming completion request, classifying
// a synchronous (pre-stream) failure the same way Complete does. Errors
// that occur mid-stream surface as the channel simply closing early —
// callers that need the accumulated text should concatenate Chunks and
// treat an early close with no Done chunk as incomplete.
func (e *Envoy) StreamComplete(ctx context.Context, prompt string, opts *core.AIOptions) (<-chan Chunk, error) {
	start := time.Now()
	ch, err := e.provider.StreamComplete(ctx, prompt, opts)
	if err != nil {
		var envErr *EnvoyError
		if errors.As(err, &envErr) {
			e.logger.ErrorWithContext(ctx, "llm stream_complete failed", map[string]interface{}{
				"provider": e.provider.Name(),
				"kind":     string(envErr.Kind),
			})
			return nil, err
		}
		kind := ErrServerError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ErrTimeoutKind
		}
		wrapped := &EnvoyError{Op: "llmenvoy.StreamComplete", Kind: kind, Message: err.Error(), Err: err}
		e.logger.ErrorWithContext(ctx, "llm stream_complete failed", map[string]interface{}{
			"provider": e.provider.Name(),
			"kind":     string(kind),
		})
		return nil, wrapped
	}
	e.logger.DebugWithContext(ctx, "llm stream_complete started", map[string]interface{}{
		"provider":  e.provider.Name(),
		"setup_gap": time.Since(start).Milliseconds(),
	})
	return ch, nil
}
