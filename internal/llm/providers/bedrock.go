package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/majiayu000/sage/internal/llm"
	"github.com/majiayu000/sage/internal/message"
)

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// BedrockProvider adapts AWS Bedrock's Converse/ConverseStream APIs to
// llm.Provider. Uses the model-agnostic Converse API rather than
// per-model invoke bodies, since providers are treated uniformly and
// Converse is the one Bedrock surface that accepts a single message/tool
// shape across models.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockProvider resolves AWS credentials and returns a ready provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: loading AWS config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *BedrockProvider) buildConverseInput(req llm.ChatRequest) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.model(req.Model)),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokensOrDefault(req.MaxTokens))),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	input.Messages = convertBedrockMessages(req.Messages)
	if len(req.Tools) > 0 {
		input.ToolConfig = convertBedrockTools(req.Tools)
	}
	return input
}

func convertBedrockMessages(msgs []message.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case message.RoleUser:
			out = append(out, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case message.RoleAssistant:
			var blocks []types.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				_ = json.Unmarshal(tc.Arguments, &input)
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(input),
					},
				})
			}
			out = append(out, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})
		case message.RoleTool:
			var blocks []types.ContentBlock
			for _, tr := range m.ToolResults {
				status := types.ToolResultStatusSuccess
				content := tr.Output
				if !tr.Success {
					status = types.ToolResultStatusError
					content = tr.Error
				}
				blocks = append(blocks, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(tr.CallID),
						Status:    status,
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: content}},
					},
				})
			}
			out = append(out, types.Message{Role: types.ConversationRoleUser, Content: blocks})
		}
	}
	return out
}

func convertBedrockTools(tools []llm.ToolSpec) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(t.Schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

// Complete performs a non-streaming completion via bedrockruntime.Converse.
func (p *BedrockProvider) Complete(ctx context.Context, req llm.ChatRequest) (message.LlmResponse, error) {
	resp, err := p.client.Converse(ctx, p.buildConverseInput(req))
	if err != nil {
		return message.LlmResponse{}, err
	}

	out := message.LlmResponse{Model: p.model(req.Model)}
	if msgOutput, ok := resp.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msgOutput.Value.Content {
			switch variant := block.(type) {
			case *types.ContentBlockMemberText:
				out.Content += variant.Value
			case *types.ContentBlockMemberToolUse:
				args, _ := json.Marshal(variant.Value.Input)
				out.ToolCalls = append(out.ToolCalls, message.ToolCall{
					ID:        aws.ToString(variant.Value.ToolUseId),
					Name:      aws.ToString(variant.Value.Name),
					Arguments: args,
				})
			}
		}
	}
	if resp.Usage != nil {
		out.Usage = &message.Usage{
			PromptTokens:     int(aws.ToInt32(resp.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(resp.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(resp.Usage.TotalTokens)),
		}
	}
	out.FinishReason = string(resp.StopReason)
	return out, nil
}

// Stream performs a streaming completion via ConverseStream.
func (p *BedrockProvider) Stream(ctx context.Context, req llm.ChatRequest, out chan<- message.StreamChunk) error {
	defer close(out)

	resp, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         p.buildConverseInput(req).ModelId,
		InferenceConfig: p.buildConverseInput(req).InferenceConfig,
		System:          p.buildConverseInput(req).System,
		Messages:        p.buildConverseInput(req).Messages,
		ToolConfig:      p.buildConverseInput(req).ToolConfig,
	})
	if err != nil {
		return err
	}

	stream := resp.GetStream()
	defer stream.Close()

	var toolCalls []message.ToolCall
	var currentID, currentName string
	var currentArgs []byte

	for event := range stream.Events() {
		switch variant := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := variant.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				currentID = aws.ToString(tu.Value.ToolUseId)
				currentName = aws.ToString(tu.Value.Name)
				currentArgs = nil
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := variant.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				select {
				case out <- message.StreamChunk{ContentDelta: delta.Value}:
				case <-ctx.Done():
					return ctx.Err()
				}
			case *types.ContentBlockDeltaMemberToolUse:
				currentArgs = append(currentArgs, []byte(aws.ToString(delta.Value.Input))...)
			}
		case *types.ConverseStreamOutputMemberContentBlockStop:
			if currentID != "" {
				toolCalls = append(toolCalls, message.ToolCall{ID: currentID, Name: currentName, Arguments: currentArgs})
				currentID = ""
			}
		}
	}
	if err := stream.Err(); err != nil {
		select {
		case out <- message.StreamChunk{Err: err}:
		case <-ctx.Done():
		}
		return err
	}

	final := message.StreamChunk{Final: true}
	if len(toolCalls) > 0 {
		final.HasToolCalls = true
		final.ToolCallsDone = toolCalls
	}
	select {
	case out <- final:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

