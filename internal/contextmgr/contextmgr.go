// Package contextmgr implements auto-compaction of a session transcript
// once it nears the model's context window, inserting a CompactBoundary
// marker so the executor can replay a shorter history without losing the
// conversation's durable state.
//
// Token-budget math and the CompactionState enum follow a
// CompactionManager shape; the summarization workflow itself differs,
// since that manager asks the model to flush memory and waits for a
// confirmation reply rather than summarizing the compactable span
// inline.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/majiayu000/sage/internal/llm"
	"github.com/majiayu000/sage/internal/message"
)

// State tracks compaction status for a session.
type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateCompacting State = "compacting"
)

// Summarizer condenses a span of messages into a short text the manager
// wraps into a CompactBoundary. The executor's LLM client satisfies this
// via a narrow wrapper; tests supply a deterministic fake.
type Summarizer interface {
	Summarize(ctx context.Context, messages []message.Message) (string, error)
}

// LlmSummarizer adapts an llm.Client into a Summarizer using a fixed
// provider/model pair, kept narrow so contextmgr never needs the full
// llm.Client surface.
type LlmSummarizer struct {
	Client   *llm.Client
	Provider string
	Model    string
}

func (s *LlmSummarizer) Summarize(ctx context.Context, messages []message.Message) (string, error) {
	req := llm.ChatRequest{
		Model:  s.Model,
		System: "Summarize the following conversation span concisely, preserving durable facts, decisions, and open threads. Do not include pleasantries.",
		Messages: append([]message.Message{{
			Role:    message.RoleUser,
			Content: renderTranscript(messages),
		}}),
		MaxTokens: 1024,
	}
	resp, err := s.Client.Chat(ctx, s.Provider, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func renderTranscript(messages []message.Message) string {
	out := ""
	for _, m := range messages {
		out += fmt.Sprintf("[%s] %s\n", m.Role, m.Content)
	}
	return out
}

// Config configures auto-compaction thresholds.
type Config struct {
	// ContextWindow is the model's total token budget.
	ContextWindow int

	// ThresholdPercent is the usage percentage (0-100) that triggers
	// compaction. Default 80.
	ThresholdPercent int

	// KeepRecent is the number of most recent messages always retained
	// uncompacted, regardless of token usage. Default 10.
	KeepRecent int

	Logger *slog.Logger
}

func (c *Config) sanitize() {
	if c.ContextWindow <= 0 {
		c.ContextWindow = 200000
	}
	if c.ThresholdPercent <= 0 {
		c.ThresholdPercent = 80
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = 10
	}
}

// Manager monitors transcript token usage and performs compaction.
type Manager struct {
	config     Config
	summarizer Summarizer
	logger     *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates a Manager. summarizer may be nil, in which case Compact
// falls back to a deterministic heuristic summary (message count and
// role breakdown) instead of an LLM call - used when no model budget is
// available for summarization itself.
func New(config Config, summarizer Summarizer) *Manager {
	config.sanitize()
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:     config,
		summarizer: summarizer,
		logger:     logger.With("component", "contextmgr"),
		state:      StateIdle,
	}
}

// UsagePercent returns current token usage as a percentage of the context
// window for the given transcript.
func (m *Manager) UsagePercent(messages []message.Message) int {
	used := llm.EstimateMessagesTokens(messages)
	pct := used * 100 / m.config.ContextWindow
	if pct > 100 {
		pct = 100
	}
	return pct
}

// NeedsCompaction reports whether usage has crossed the configured
// threshold.
func (m *Manager) NeedsCompaction(messages []message.Message) bool {
	return m.UsagePercent(messages) >= m.config.ThresholdPercent
}

// CheckAndCompact runs NeedsCompaction and, if triggered, compacts the
// transcript. It is the single entry point the executor calls once per
// turn.
//
// Idempotence: calling CheckAndCompact again immediately on the returned
// transcript is a no-op whenever the system prefix, the three replacement
// messages and the retained tail together sit below threshold, since the
// threshold check runs first. When the retained KeepRecent tail alone
// reaches the threshold, a second call compacts again.
func (m *Manager) CheckAndCompact(ctx context.Context, messages []message.Message) ([]message.Message, bool, error) {
	if !m.NeedsCompaction(messages) {
		return messages, false, nil
	}

	m.mu.Lock()
	m.state = StateCompacting
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
	}()

	compacted, err := m.Compact(ctx, messages)
	if err != nil {
		return messages, false, err
	}
	return compacted, true, nil
}

// compactAckContent is the assistant's acknowledgment of the injected
// summary, closing out the synthetic boundary/summary/ack triple with a
// turn shape the model has actually seen before (a user turn followed by
// an assistant reply) rather than a bare system aside.
const compactAckContent = "Understood. I have the summarized context from the conversation above and will continue from there."

// Compact splits messages into a leading system prefix, a compactable
// middle span, and a retained tail of the KeepRecent most recent
// messages, summarizes the middle span, and replaces it with a
// CompactBoundary marker, a user-turn-shaped summary message, and an
// assistant acknowledgment - a three-message replacement rather than one
// collapsed system message, so the retained tail still reads as a
// continuation of an ordinary user/assistant exchange.
func (m *Manager) Compact(ctx context.Context, messages []message.Message) ([]message.Message, error) {
	systemPrefix, rest := splitSystemPrefix(messages)

	keep := m.config.KeepRecent
	if keep >= len(rest) {
		// nothing eligible to drop; compaction would be a no-op.
		return messages, nil
	}

	compactable := rest[:len(rest)-keep]
	tail := rest[len(rest)-keep:]

	summary, err := m.summarize(ctx, compactable)
	if err != nil {
		return nil, err
	}

	boundary := message.Message{
		Role: message.RoleSystem,
		Metadata: map[string]any{
			"compact_boundary":  true,
			"messages_replaced": len(compactable),
		},
	}
	summaryUser := message.Message{
		Role:     message.RoleUser,
		Content:  summary,
		Metadata: map[string]any{"compact_summary": true},
	}
	summaryAck := message.Message{
		Role:     message.RoleAssistant,
		Content:  compactAckContent,
		Metadata: map[string]any{"compact_summary_ack": true},
	}

	out := make([]message.Message, 0, len(systemPrefix)+3+len(tail))
	out = append(out, systemPrefix...)
	out = append(out, boundary, summaryUser, summaryAck)
	out = append(out, tail...)

	m.logger.Info("compacted transcript",
		"messages_replaced", len(compactable),
		"messages_kept", len(tail))
	return out, nil
}

func (m *Manager) summarize(ctx context.Context, messages []message.Message) (string, error) {
	if m.summarizer != nil {
		return m.summarizer.Summarize(ctx, messages)
	}
	return heuristicSummary(messages), nil
}

// heuristicSummary produces a deterministic fallback summary with no LLM
// call, used when the deployment has no summarization budget configured.
func heuristicSummary(messages []message.Message) string {
	counts := map[message.Role]int{}
	for _, m := range messages {
		counts[m.Role]++
	}
	return fmt.Sprintf(
		"[compacted %d messages: %d user, %d assistant, %d tool]",
		len(messages), counts[message.RoleUser], counts[message.RoleAssistant], counts[message.RoleTool],
	)
}

// splitSystemPrefix peels off any leading system messages, which are
// never compacted away.
func splitSystemPrefix(messages []message.Message) (prefix, rest []message.Message) {
	i := 0
	for i < len(messages) && messages[i].Role == message.RoleSystem {
		i++
	}
	return messages[:i], messages[i:]
}

// State returns the manager's current compaction state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
