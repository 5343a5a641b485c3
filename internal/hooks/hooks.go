// Package hooks implements the tool-orchestrator lifecycle hook points:
// PreToolUse, PostToolUse, PostToolUseFailure, and the PreCompact/Submit/
// Stop session events, built around a ToolHookManager with
// Priority-ordered registration, simplified to a Continue/Block(reason)
// outcome contract rather than free-form Modified/Canceled flags.
package hooks

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/majiayu000/sage/internal/message"
)

// Event names the lifecycle point a hook is attached to.
type Event string

const (
	EventPreToolUse         Event = "pre_tool_use"
	EventPostToolUse        Event = "post_tool_use"
	EventPostToolUseFailure Event = "post_tool_use_failure"
	EventPreCompact         Event = "pre_compact"
	EventSubmit             Event = "submit"
	EventStop               Event = "stop"
)

// Priority orders hook execution within the same Event; lower runs first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 50
	PriorityLow    Priority = 100
)

// ToolContext carries the data a tool-lifecycle hook may read or patch.
type ToolContext struct {
	ToolCall   message.ToolCall
	ToolResult *message.ToolResult // nil for PreToolUse
	SessionID  string
	Metadata   map[string]any
}

// Outcome is what a hook decided. A Block outcome halts the phase the
// hook ran in; Continue lets the orchestrator proceed, optionally with a
// patched tool call.
type Outcome struct {
	Blocked     bool
	Reason      string
	PatchedCall *message.ToolCall
}

// Continue is the zero-value non-blocking outcome.
func Continue() Outcome { return Outcome{} }

// Block returns a blocking outcome with the given reason.
func Block(reason string) Outcome { return Outcome{Blocked: true, Reason: reason} }

// Handler is a single hook callback.
type Handler func(ctx context.Context, tc *ToolContext) (Outcome, error)

type entry struct {
	name     string
	priority Priority
	tools    []string // empty means all tools
	handler  Handler
}

// Manager registers and runs hooks for each lifecycle Event.
type Manager struct {
	mu     sync.RWMutex
	byKind map[Event][]entry
	logger *slog.Logger
}

// NewManager creates an empty hook Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byKind: make(map[Event][]entry),
		logger: logger.With("component", "hooks"),
	}
}

// Register attaches handler to event, optionally scoped to specific tool
// names (empty scopes it to every tool).
func (m *Manager) Register(event Event, name string, priority Priority, tools []string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKind[event] = append(m.byKind[event], entry{name: name, priority: priority, tools: tools, handler: handler})
	sort.SliceStable(m.byKind[event], func(i, j int) bool {
		return m.byKind[event][i].priority < m.byKind[event][j].priority
	})
}

// Run executes every registered handler for event against tc, in
// priority order, short-circuiting on the first Block outcome or error.
func (m *Manager) Run(ctx context.Context, event Event, tc *ToolContext) (Outcome, error) {
	m.mu.RLock()
	entries := append([]entry(nil), m.byKind[event]...)
	m.mu.RUnlock()

	for _, e := range entries {
		if len(e.tools) > 0 && !contains(e.tools, tc.ToolCall.Name) {
			continue
		}
		outcome, err := e.handler(ctx, tc)
		if err != nil {
			m.logger.Error("hook failed", "event", event, "hook", e.name, "error", err)
			return Outcome{}, err
		}
		if outcome.Blocked {
			m.logger.Info("hook blocked execution", "event", event, "hook", e.name, "reason", outcome.Reason)
			return outcome, nil
		}
		if outcome.PatchedCall != nil {
			tc.ToolCall = *outcome.PatchedCall
		}
	}
	return Continue(), nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
