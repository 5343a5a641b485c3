// Package executor implements the Unified Executor: the agentic loop
// that drives one model turn, dispatches its tool batch, feeds results
// back, and repeats until the model emits task_done, a terminal error
// occurs, or a configured limit is hit.
//
// The iteration structure (Idle -> Thinking -> ToolBatch -> {Completed,
// Continue, Error}) and step/wall-time/tool-count limits follow an
// AgenticLoop.Run main loop. The termination rule resolves task_done
// appearing alongside other tool calls in one batch by executing every
// call in that batch and only then terminating, rather than
// short-circuiting the other calls - see DESIGN.md.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/majiayu000/sage/internal/contextmgr"
	"github.com/majiayu000/sage/internal/engerr"
	"github.com/majiayu000/sage/internal/eventbus"
	"github.com/majiayu000/sage/internal/llm"
	"github.com/majiayu000/sage/internal/message"
	"github.com/majiayu000/sage/internal/session"
	"github.com/majiayu000/sage/internal/toolorch"
)

// Phase names a stage in one iteration of the loop, mirroring a
// LoopPhase enum.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseThinking  Phase = "thinking"
	PhaseToolBatch Phase = "tool_batch"
	PhaseCompleted Phase = "completed"
	PhaseContinue  Phase = "continue"
	PhaseError     Phase = "error"
)

// Options bounds one Run invocation.
type Options struct {
	Provider      string
	Model         string
	System        string
	Tools         []llm.ToolSpec
	MaxIterations int
	MaxToolCalls  int
	WallTimeLimit time.Duration
}

func (o *Options) sanitize() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 25
	}
	if o.WallTimeLimit <= 0 {
		o.WallTimeLimit = 30 * time.Minute
	}
}

// StepResult describes one loop iteration in finer detail than the final
// outcome. Run does not produce StepResults; it returns only the Outcome.
type StepResult struct {
	Phase     Phase
	Iteration int
	Response  *message.LlmResponse
	Results   []message.ToolResult
	Err       error
}

// Outcome is Run's final result.
type Outcome struct {
	Phase      Phase
	Iterations int
	Messages   []message.Message
	Err        error
}

// Executor composes the LLM client, tool orchestrator, context manager,
// session recorder, and event bus into the unified loop.
type Executor struct {
	client    *llm.Client
	orch      *toolorch.Orchestrator
	compactor *contextmgr.Manager
	recorder  *session.Recorder
	bus       *eventbus.Bus
	logger    *slog.Logger
}

// New composes an Executor. compactor, recorder, and bus may be nil to
// disable their respective concerns (e.g. a unit test exercising only
// tool dispatch).
func New(client *llm.Client, orch *toolorch.Orchestrator, compactor *contextmgr.Manager, recorder *session.Recorder, bus *eventbus.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:    client,
		orch:      orch,
		compactor: compactor,
		recorder:  recorder,
		bus:       bus,
		logger:    logger.With("component", "executor"),
	}
}

// Run drives the loop for one session starting from messages (the full
// transcript so far, including the new inbound user message) until
// termination.
func (e *Executor) Run(ctx context.Context, sessionID string, messages []message.Message, opts Options) Outcome {
	opts.sanitize()

	runCtx, cancel := context.WithTimeout(ctx, opts.WallTimeLimit)
	defer cancel()

	iteration := 0
	totalToolCalls := 0

	for iteration < opts.MaxIterations {
		select {
		case <-runCtx.Done():
			return Outcome{Phase: PhaseError, Iterations: iteration, Messages: messages, Err: runCtx.Err()}
		default:
		}

		if e.compactor != nil {
			compacted, didCompact, err := e.compactor.CheckAndCompact(runCtx, messages)
			if err != nil {
				e.logger.Error("compaction failed", "session", sessionID, "error", err)
			} else if didCompact {
				messages = compacted
				e.publish(eventbus.Event{Kind: eventbus.KindCompacted, SessionID: sessionID})
			}
		}

		resp, err := e.stream(runCtx, sessionID, llm.ChatRequest{
			Model:     opts.Model,
			System:    opts.System,
			Messages:  messages,
			Tools:     opts.Tools,
			MaxTokens: 4096,
		}, opts.Provider)
		if err != nil {
			return Outcome{Phase: PhaseError, Iterations: iteration, Messages: messages, Err: err}
		}

		if opts.MaxToolCalls > 0 && totalToolCalls+len(resp.ToolCalls) > opts.MaxToolCalls {
			return Outcome{
				Phase:      PhaseError,
				Iterations: iteration,
				Messages:   messages,
				Err:        engerr.New(engerr.KindAgent, "executor", "tool call budget exceeded"),
			}
		}
		totalToolCalls += len(resp.ToolCalls)

		assistantMsg := message.Message{
			Role:      message.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			CreatedAt: time.Now(),
		}
		messages = append(messages, assistantMsg)
		e.record(runCtx, sessionID, assistantMsg)

		if len(resp.ToolCalls) == 0 {
			if !continuationSignaled(resp) {
				e.publish(eventbus.Event{Kind: eventbus.KindTurnCompleted, SessionID: sessionID})
				return Outcome{Phase: PhaseCompleted, Iterations: iteration, Messages: messages}
			}
			// The model was cut off (e.g. truncated by a max-token limit)
			// without issuing any tool calls: loop again so it can continue
			// generating from where it left off, rather than treating a
			// tool-call-free turn as the end of the task.
			iteration++
			continue
		}

		results := e.orch.ExecuteBatch(runCtx, sessionID, resp.ToolCalls)

		toolMsg := message.Message{
			Role:        message.RoleTool,
			ToolResults: results,
			CreatedAt:   time.Now(),
		}
		messages = append(messages, toolMsg)
		e.record(runCtx, sessionID, toolMsg)

		for i, call := range resp.ToolCalls {
			kind := eventbus.KindToolSucceeded
			if !results[i].Success {
				kind = eventbus.KindToolFailed
			}
			e.publish(eventbus.Event{Kind: kind, SessionID: sessionID, ToolCall: &call, ToolResult: &results[i]})
		}

		// Every call in this batch runs and its result is appended even
		// when task_done is among them: terminating only after the full
		// batch completes keeps sibling tool effects (and their
		// checkpoints/rollbacks) consistent with what the model saw when
		// it issued them together.
		if hasTaskDone(resp.ToolCalls) {
			e.publish(eventbus.Event{Kind: eventbus.KindTurnCompleted, SessionID: sessionID})
			return Outcome{Phase: PhaseCompleted, Iterations: iteration, Messages: messages}
		}

		iteration++
	}

	return Outcome{
		Phase:      PhaseError,
		Iterations: iteration,
		Messages:   messages,
		Err:        engerr.New(engerr.KindAgent, "executor", "max iterations exceeded"),
	}
}

// stream drives one turn through the streaming path, publishing a
// KindAssistantDelta event per content chunk as it arrives and assembling
// the final LlmResponse from the stream's terminal chunk.
func (e *Executor) stream(ctx context.Context, sessionID string, req llm.ChatRequest, provider string) (message.LlmResponse, error) {
	chunks := make(chan message.StreamChunk, 16)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- e.client.ChatStream(ctx, provider, req, chunks)
	}()

	var resp message.LlmResponse
	for chunk := range chunks {
		if chunk.Err != nil {
			continue
		}
		if chunk.ContentDelta != "" {
			resp.Content += chunk.ContentDelta
			e.publish(eventbus.Event{Kind: eventbus.KindAssistantDelta, SessionID: sessionID, Text: chunk.ContentDelta})
		}
		if chunk.HasToolCalls {
			resp.ToolCalls = chunk.ToolCallsDone
		}
		if chunk.Usage != nil {
			resp.Usage = chunk.Usage
		}
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
	}

	if err := <-streamErr; err != nil {
		return message.LlmResponse{}, err
	}
	return resp, nil
}

// continuationSignaled reports whether resp's finish reason indicates the
// provider cut the turn short (e.g. a max-token truncation) rather than
// the model choosing to stop, so a tool-call-free turn still isn't the
// end of the task.
func continuationSignaled(resp message.LlmResponse) bool {
	switch resp.FinishReason {
	case "length", "max_tokens", "incomplete":
		return true
	default:
		return false
	}
}

func hasTaskDone(calls []message.ToolCall) bool {
	for _, c := range calls {
		if message.IsTaskDone(c.Name) {
			return true
		}
	}
	return false
}

func (e *Executor) record(ctx context.Context, sessionID string, msg message.Message) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, sessionID, msg); err != nil {
		e.logger.Error("failed to record message", "session", sessionID, "error", err)
	}
}

func (e *Executor) publish(ev eventbus.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev)
}
