package providers

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/genai"

	"github.com/majiayu000/sage/internal/llm"
	"github.com/majiayu000/sage/internal/message"
)

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
}

// GoogleProvider adapts Google's Gemini Generate Content API to
// llm.Provider via google.golang.org/genai.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
}

// NewGoogleProvider validates config and returns a ready provider.
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	return &GoogleProvider{client: client, defaultModel: config.DefaultModel}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *GoogleProvider) buildConfig(req llm.ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if n := maxTokensOrDefault(req.MaxTokens); n > 0 {
		config.MaxOutputTokens = int32(n)
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGoogleTools(req.Tools)
	}
	return config
}

func convertGoogleContents(msgs []message.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		content := &genai.Content{}
		switch m.Role {
		case message.RoleUser:
			content.Role = genai.RoleUser
		case message.RoleAssistant:
			content.Role = genai.RoleModel
		case message.RoleTool:
			content.Role = genai.RoleUser
		default:
			continue
		}

		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Arguments, &args)
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		for _, tr := range m.ToolResults {
			response := map[string]any{"result": tr.Output}
			if !tr.Success {
				response = map[string]any{"error": tr.Error}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: tr.ToolName, Response: response},
			})
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func convertGoogleTools(tools []llm.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertGoogleSchema(t.Schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func convertGoogleSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out genai.Schema
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}

// Complete performs a non-streaming completion via GenerateContent.
func (p *GoogleProvider) Complete(ctx context.Context, req llm.ChatRequest) (message.LlmResponse, error) {
	model := p.model(req.Model)
	resp, err := p.client.Models.GenerateContent(ctx, model, convertGoogleContents(req.Messages), p.buildConfig(req))
	if err != nil {
		return message.LlmResponse{}, err
	}

	out := message.LlmResponse{Model: model}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		out.FinishReason = string(candidate.FinishReason)
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				out.Content += part.Text
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				out.ToolCalls = append(out.ToolCalls, message.ToolCall{
					ID:        part.FunctionCall.Name,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}
	if resp.UsageMetadata != nil {
		out.Usage = &message.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// Stream performs a streaming completion, decoding incremental text and
// function-call parts into StreamChunks. Uses the SDK's own
// GenerateContentStream iterator rather than internal/sse, since the
// client owns framing over its own HTTP body.
func (p *GoogleProvider) Stream(ctx context.Context, req llm.ChatRequest, out chan<- message.StreamChunk) error {
	defer close(out)

	model := p.model(req.Model)
	streamIter := p.client.Models.GenerateContentStream(ctx, model, convertGoogleContents(req.Messages), p.buildConfig(req))

	var usage message.Usage
	var toolCalls []message.ToolCall

	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			select {
			case out <- message.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
			return err
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					select {
					case out <- message.StreamChunk{ContentDelta: part.Text}:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					toolCalls = append(toolCalls, message.ToolCall{
						ID:        part.FunctionCall.Name,
						Name:      part.FunctionCall.Name,
						Arguments: args,
					})
				}
			}
		}
		if resp.UsageMetadata != nil {
			usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
		}
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
