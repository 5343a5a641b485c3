package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/majiayu000/sage/internal/engerr"
	"github.com/majiayu000/sage/internal/eventbus"
	"github.com/majiayu000/sage/internal/message"
)

// Provider is the capability every backend adapter implements: a
// non-streaming Complete and a streaming Stream that decodes the
// provider's response into StreamChunks. Each method covers request
// construction, transport, and decoding for its call; the interface has
// no separate BuildRequest/DecodeStream steps, and the adapters decode
// through their SDK's own stream iterators rather than internal/sse.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai", "bedrock").
	Name() string

	// Complete performs one non-streaming chat completion.
	Complete(ctx context.Context, req ChatRequest) (message.LlmResponse, error)

	// Stream performs one streaming chat completion, sending chunks to out
	// until the stream ends or ctx is cancelled. Stream closes out before
	// returning.
	Stream(ctx context.Context, req ChatRequest, out chan<- message.StreamChunk) error
}

// ChatRequest is the provider-neutral request shape, generalized from a
// per-provider CompletionRequest.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []message.Message
	Tools     []ToolSpec
	MaxTokens int
	Stream    bool
}

// ToolSpec describes one callable tool exposed to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Logger   *slog.Logger
	Breakers BreakerConfig

	// Bus, if set, receives a KindCircuitStateChanged event every time any
	// provider's breaker transitions state. Overrides Breakers.OnStateChange.
	Bus *eventbus.Bus
}

// Client dispatches chat completions to a named Provider through a
// per-provider circuit breaker, surfacing typed engerr errors so callers
// (the executor) can distinguish retryable failures from a config error.
type Client struct {
	logger    *slog.Logger
	providers map[string]Provider
	breakers  *Registry
}

// NewClient creates a Client with no providers registered; call Register
// for each backend the deployment wires in.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bus != nil {
		bus := cfg.Bus
		cfg.Breakers.OnStateChange = func(name, from, to string) {
			bus.Publish(eventbus.Event{
				Kind: eventbus.KindCircuitStateChanged,
				Text: name + ": " + from + " -> " + to,
				Metadata: map[string]any{
					"provider": name,
					"from":     from,
					"to":       to,
				},
			})
		}
	}
	return &Client{
		logger:    logger.With("component", "llm.client"),
		providers: make(map[string]Provider),
		breakers:  NewRegistry(cfg.Breakers),
	}
}

// Register adds a provider backend, addressable by its Name().
func (c *Client) Register(p Provider) {
	c.providers[p.Name()] = p
}

// resolve looks up a provider by name, returning a ConfigError if unknown.
func (c *Client) resolve(name string) (Provider, error) {
	p, ok := c.providers[name]
	if !ok {
		return nil, engerr.New(engerr.KindConfig, "llm.client", fmt.Sprintf("unknown provider %q", name))
	}
	return p, nil
}

// Chat performs a non-streaming completion against the named provider,
// gated by that provider's circuit breaker.
func (c *Client) Chat(ctx context.Context, provider string, req ChatRequest) (message.LlmResponse, error) {
	p, err := c.resolve(provider)
	if err != nil {
		return message.LlmResponse{}, err
	}

	breaker := c.breakers.Get(provider)
	var resp message.LlmResponse
	execErr := breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.Complete(ctx, req)
		return err
	})
	if execErr != nil {
		if execErr == ErrCircuitOpen {
			return message.LlmResponse{}, engerr.Wrap(engerr.KindCircuitOpen, "llm.client", "provider "+provider+" circuit open", execErr)
		}
		return message.LlmResponse{}, engerr.Wrap(engerr.KindLLM, "llm.client", "completion failed", execErr)
	}
	return resp, nil
}

// ChatStream performs a streaming completion, forwarding chunks to out.
// The breaker wraps the full stream lifetime: a stream that errors mid-way
// counts as one breaker failure. out is always closed before ChatStream
// returns, even when the provider is unresolved or the breaker denies the
// call before Provider.Stream ever runs to close it itself.
func (c *Client) ChatStream(ctx context.Context, provider string, req ChatRequest, out chan<- message.StreamChunk) error {
	p, err := c.resolve(provider)
	if err != nil {
		close(out)
		return err
	}

	breaker := c.breakers.Get(provider)
	streamStarted := false
	execErr := breaker.Execute(ctx, func(ctx context.Context) error {
		streamStarted = true
		return p.Stream(ctx, req, out)
	})
	if !streamStarted {
		close(out)
	}
	if execErr != nil {
		if execErr == ErrCircuitOpen {
			return engerr.Wrap(engerr.KindCircuitOpen, "llm.client", "provider "+provider+" circuit open", execErr)
		}
		return engerr.Wrap(engerr.KindLLM, "llm.client", "stream failed", execErr)
	}
	return nil
}

// BreakerStats returns current breaker state for every provider that has
// handled at least one call; used by health/metrics endpoints.
func (c *Client) BreakerStats() []Stats {
	return c.breakers.AllStats()
}

// ResolveAPIKey looks up credentials for provider, preferring a
// sage-namespaced override over the provider's standard env var.
func ResolveAPIKey(provider string) (string, error) {
	upper := strings.ToUpper(provider)
	if key := os.Getenv("SAGE_" + upper + "_API_KEY"); key != "" {
		return key, nil
	}
	if key := os.Getenv(upper + "_API_KEY"); key != "" {
		return key, nil
	}
	return "", engerr.New(engerr.KindConfig, "llm.client", "no API key configured for provider "+provider)
}
