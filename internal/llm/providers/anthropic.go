// Package providers implements Provider backends for the llm package.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/majiayu000/sage/internal/llm"
	"github.com/majiayu000/sage/internal/message"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider adapts the Anthropic Messages API to llm.Provider
// through its Complete and Stream methods, both built on the shared
// buildParams request construction.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicProvider validates config and returns a ready provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: config.DefaultModel,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *AnthropicProvider) buildParams(req llm.ChatRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	params.Messages = convertMessages(req.Messages)
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func convertMessages(msgs []message.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case message.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case message.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				_ = json.Unmarshal(tc.Arguments, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case message.RoleTool:
			for _, tr := range m.ToolResults {
				content := tr.Output
				if !tr.Success {
					content = tr.Error
				}
				out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(tr.CallID, content, !tr.Success)))
			}
		}
	}
	return out
}

func convertTools(tools []llm.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Schema["properties"],
				},
			},
		})
	}
	return out
}

// Complete performs a non-streaming completion.
func (p *AnthropicProvider) Complete(ctx context.Context, req llm.ChatRequest) (message.LlmResponse, error) {
	params := p.buildParams(req)
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return message.LlmResponse{}, err
	}

	out := message.LlmResponse{
		Model:        string(resp.Model),
		ID:           resp.ID,
		FinishReason: string(resp.StopReason),
	}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += variant.Text
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			out.ToolCalls = append(out.ToolCalls, message.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		}
	}
	out.Usage = &message.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		CacheReadTokens:  int(resp.Usage.CacheReadInputTokens),
		CacheWriteTokens: int(resp.Usage.CacheCreationInputTokens),
	}
	return out, nil
}

// Stream performs a streaming completion, decoding incremental content and
// tool-use blocks into StreamChunks. Uses the SDK's own event stream
// rather than internal/sse, since the Anthropic client owns framing over
// a complete HTTP body; internal/sse is for transports that hand the
// engine raw bytes directly.
func (p *AnthropicProvider) Stream(ctx context.Context, req llm.ChatRequest, out chan<- message.StreamChunk) error {
	defer close(out)

	params := p.buildParams(req)
	stream := p.client.Messages.NewStreaming(ctx, params)

	var usage message.Usage
	var toolCalls []message.ToolCall
	var currentToolArgs strings.Builder
	var currentToolID, currentToolName string

	for stream.Next() {
		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if tu, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				currentToolID = tu.ID
				currentToolName = tu.Name
				currentToolArgs.Reset()
			}
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				select {
				case out <- message.StreamChunk{ContentDelta: d.Text}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if d, ok := variant.Delta.AsAny().(anthropic.InputJSONDelta); ok {
				currentToolArgs.WriteString(d.PartialJSON)
			}
		case anthropic.ContentBlockStopEvent:
			if currentToolID != "" {
				toolCalls = append(toolCalls, message.ToolCall{
					ID:        currentToolID,
					Name:      currentToolName,
					Arguments: []byte(currentToolArgs.String()),
				})
				currentToolID = ""
			}
		case anthropic.MessageDeltaEvent:
			usage.CompletionTokens += int(variant.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		select {
		case out <- message.StreamChunk{Err: err}:
		case <-ctx.Done():
		}
		return err
	}

	final := message.StreamChunk{Final: true, Usage: &usage}
	if len(toolCalls) > 0 {
		final.ToolCallsDone = toolCalls
		final.HasToolCalls = true
	}
	select {
	case out <- final:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
