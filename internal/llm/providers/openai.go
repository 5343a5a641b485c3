package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/majiayu000/sage/internal/llm"
	"github.com/majiayu000/sage/internal/message"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIProvider adapts the Chat Completions API to llm.Provider, grounded
// on the same adapter shape as AnthropicProvider but against go-openai's
// client and its own streaming iterator instead of the Anthropic SDK's.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider validates config and returns a ready provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = openai.GPT4o
	}

	cfg := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *OpenAIProvider) buildRequest(req llm.ChatRequest, stream bool) openai.ChatCompletionRequest {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, convertOpenAIMessage(m)...)
	}

	out := openai.ChatCompletionRequest{
		Model:     p.model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokensOrDefault(req.MaxTokens),
		Stream:    stream,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return out
}

func convertOpenAIMessage(m message.Message) []openai.ChatCompletionMessage {
	switch m.Role {
	case message.RoleUser:
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: m.Content}}
	case message.RoleAssistant:
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		return []openai.ChatCompletionMessage{msg}
	case message.RoleTool:
		var out []openai.ChatCompletionMessage
		for _, tr := range m.ToolResults {
			content := tr.Output
			if !tr.Success {
				content = tr.Error
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: tr.CallID,
			})
		}
		return out
	default:
		return nil
	}
}

// Complete performs a non-streaming completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.ChatRequest) (message.LlmResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return message.LlmResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return message.LlmResponse{}, errors.New("openai: empty choices")
	}
	choice := resp.Choices[0]

	out := message.LlmResponse{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		ID:           resp.ID,
		FinishReason: string(choice.FinishReason),
		Usage: &message.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, message.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// Stream performs a streaming completion using go-openai's own SSE
// iterator; internal/sse is reserved for transports that hand the engine
// raw bytes directly (see AnthropicProvider.Stream for the rationale).
func (p *OpenAIProvider) Stream(ctx context.Context, req llm.ChatRequest, out chan<- message.StreamChunk) error {
	defer close(out)

	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer stream.Close()

	toolArgs := map[int]*message.ToolCall{}
	var order []int

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			select {
			case out <- message.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
			return err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			select {
			case out <- message.StreamChunk{ContentDelta: delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			existing, ok := toolArgs[idx]
			if !ok {
				existing = &message.ToolCall{ID: tc.ID, Name: tc.Function.Name}
				toolArgs[idx] = existing
				order = append(order, idx)
			}
			existing.Arguments = append(existing.Arguments, []byte(tc.Function.Arguments)...)
		}
	}

	final := message.StreamChunk{Final: true}
	if len(order) > 0 {
		final.HasToolCalls = true
		for _, idx := range order {
			final.ToolCallsDone = append(final.ToolCallsDone, *toolArgs[idx])
		}
	}
	select {
	case out <- final:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
