// Package message defines the core conversation data model shared by the
// executor, tool orchestrator, context manager, and session recorder:
// messages, tool calls/results, and LLM responses.
package message

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message in a transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a session transcript.
//
// Invariant: every ToolCallID referenced by a tool-role message must be
// emitted by the immediately preceding assistant message (or an earlier
// one in the same turn).
type Message struct {
	ID           string         `json:"id"`
	ParentUUID   string         `json:"parent_uuid,omitempty"`
	Role         Role           `json:"role"`
	Content      string         `json:"content"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult   `json:"tool_results,omitempty"`
	ToolCallID   string         `json:"tool_call_id,omitempty"`
	CacheControl string         `json:"cache_control,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ToolCall is a structured request emitted by the model naming a tool and
// its arguments. ID is unique within a turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing one ToolCall. The orchestrator
// produces exactly one ToolResult per emitted ToolCall.
type ToolResult struct {
	CallID          string         `json:"call_id"`
	ToolName        string         `json:"tool_name"`
	Success         bool           `json:"success"`
	Output          string         `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Usage captures token accounting and cost for a single LLM call.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// LlmResponse is the assembled, non-streaming result of a chat completion.
type LlmResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Model        string     `json:"model,omitempty"`
	ID           string     `json:"id,omitempty"`
}

// StreamChunk is one element of a streamed chat completion. Intermediate
// chunks carry a ContentDelta or an Err; the Final chunk can carry Usage,
// FinishReason, ToolCallsDone and HasToolCalls together.
type StreamChunk struct {
	ContentDelta    string     `json:"content_delta,omitempty"`
	ToolCallsDone   []ToolCall `json:"tool_calls_complete,omitempty"`
	HasToolCalls    bool       `json:"-"`
	Final           bool       `json:"-"`
	Usage           *Usage     `json:"usage,omitempty"`
	FinishReason    string     `json:"finish_reason,omitempty"`
	Err             error      `json:"-"`
}

// IsTaskDone reports whether a tool call name is the terminal "task done"
// marker tool. Only TaskDoneTool matches; no other name is treated as
// terminal.
func IsTaskDone(name string) bool {
	return name == TaskDoneTool
}

// TaskDoneTool is the conventional name of the terminal tool call that ends
// an agentic run.
const TaskDoneTool = "task_done"
