package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/majiayu000/sage/internal/eventbus"
	"github.com/majiayu000/sage/internal/llm"
	"github.com/majiayu000/sage/internal/message"
	"github.com/majiayu000/sage/internal/permission"
	"github.com/majiayu000/sage/internal/toolorch"
)

// scriptedProvider returns one queued response per Complete call, letting
// a test drive the loop through several iterations deterministically.
type scriptedProvider struct {
	responses []message.LlmResponse
	errs      []error
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.ChatRequest) (message.LlmResponse, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return message.LlmResponse{}, p.errs[i]
	}
	if i >= len(p.responses) {
		return message.LlmResponse{}, errors.New("scriptedProvider: ran out of responses")
	}
	return p.responses[i], nil
}

// Stream drives the same queued-response script as Complete, so tests
// written against the non-streaming shape still exercise Run's (now
// streaming) turn loop: content is emitted as one ContentDelta chunk,
// followed by a final chunk carrying tool calls/finish reason.
func (p *scriptedProvider) Stream(ctx context.Context, req llm.ChatRequest, out chan<- message.StreamChunk) error {
	defer close(out)

	i := p.calls
	p.calls++

	sendErr := func(err error) error {
		select {
		case out <- message.StreamChunk{Err: err}:
		case <-ctx.Done():
		}
		return err
	}

	if i < len(p.errs) && p.errs[i] != nil {
		return sendErr(p.errs[i])
	}
	if i >= len(p.responses) {
		return sendErr(errors.New("scriptedProvider: ran out of responses"))
	}

	resp := p.responses[i]
	if resp.Content != "" {
		select {
		case out <- message.StreamChunk{ContentDelta: resp.Content}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	final := message.StreamChunk{Final: true, FinishReason: resp.FinishReason}
	if len(resp.ToolCalls) > 0 {
		final.ToolCallsDone = resp.ToolCalls
		final.HasToolCalls = true
	}
	select {
	case out <- final:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

type recordingExecutor struct {
	ran []string
}

func (r *recordingExecutor) Execute(ctx context.Context, call message.ToolCall) (string, error) {
	r.ran = append(r.ran, call.Name)
	return "output:" + call.Name, nil
}

func (r *recordingExecutor) SnapshotPaths(call message.ToolCall) []string { return nil }

func newTestExecutor(provider *scriptedProvider, toolExec toolorch.Executor) *Executor {
	client := llm.NewClient(llm.ClientConfig{})
	client.Register(provider)
	orch := toolorch.New(toolorch.Config{}, toolExec, permission.NewGate(nil), nil, nil, nil, nil, nil)
	return New(client, orch, nil, nil, nil, nil)
}

func TestRunCompletesWhenNoToolCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []message.LlmResponse{{Content: "all done"}}}
	exec := newTestExecutor(provider, &recordingExecutor{})

	outcome := exec.Run(context.Background(), "s1", nil, Options{Provider: "scripted"})
	if outcome.Phase != PhaseCompleted {
		t.Fatalf("Phase = %v, want %v (err=%v)", outcome.Phase, PhaseCompleted, outcome.Err)
	}
	if len(outcome.Messages) != 1 || outcome.Messages[0].Content != "all done" {
		t.Fatalf("got %#v", outcome.Messages)
	}
}

func TestRunExecutesToolBatchThenContinues(t *testing.T) {
	toolExec := &recordingExecutor{}
	provider := &scriptedProvider{
		responses: []message.LlmResponse{
			{ToolCalls: []message.ToolCall{{ID: "1", Name: "read_file", Arguments: json.RawMessage(`{}`)}}},
			{Content: "final answer"},
		},
	}
	exec := newTestExecutor(provider, toolExec)

	outcome := exec.Run(context.Background(), "s1", nil, Options{Provider: "scripted"})
	if outcome.Phase != PhaseCompleted {
		t.Fatalf("Phase = %v, want %v (err=%v)", outcome.Phase, PhaseCompleted, outcome.Err)
	}
	if len(toolExec.ran) != 1 || toolExec.ran[0] != "read_file" {
		t.Fatalf("toolExec.ran = %v, want [read_file]", toolExec.ran)
	}

	// assistant(tool call) + tool(result) + assistant(final) = 3
	if len(outcome.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3: %#v", len(outcome.Messages), outcome.Messages)
	}
	if outcome.Messages[1].Role != message.RoleTool {
		t.Fatalf("Messages[1].Role = %v, want tool", outcome.Messages[1].Role)
	}
}

// TestRunExecutesFullBatchBeforeTerminatingOnTaskDone verifies the
// documented resolution for task_done appearing alongside other calls in
// the same batch: every call in that batch runs and its result is
// appended before the loop terminates.
func TestRunExecutesFullBatchBeforeTerminatingOnTaskDone(t *testing.T) {
	toolExec := &recordingExecutor{}
	provider := &scriptedProvider{
		responses: []message.LlmResponse{
			{ToolCalls: []message.ToolCall{
				{ID: "1", Name: "write_file", Arguments: json.RawMessage(`{}`)},
				{ID: "2", Name: message.TaskDoneTool, Arguments: json.RawMessage(`{}`)},
			}},
		},
	}
	exec := newTestExecutor(provider, toolExec)

	outcome := exec.Run(context.Background(), "s1", nil, Options{Provider: "scripted"})
	if outcome.Phase != PhaseCompleted {
		t.Fatalf("Phase = %v, want %v (err=%v)", outcome.Phase, PhaseCompleted, outcome.Err)
	}
	if len(toolExec.ran) != 2 {
		t.Fatalf("expected both calls in the batch to run, ran = %v", toolExec.ran)
	}

	toolMsg := outcome.Messages[1]
	if len(toolMsg.ToolResults) != 2 {
		t.Fatalf("expected both tool results recorded, got %#v", toolMsg.ToolResults)
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	toolExec := &recordingExecutor{}
	responses := make([]message.LlmResponse, 0, 5)
	for i := 0; i < 5; i++ {
		responses = append(responses, message.LlmResponse{
			ToolCalls: []message.ToolCall{{ID: "x", Name: "loopy", Arguments: json.RawMessage(`{}`)}},
		})
	}
	provider := &scriptedProvider{responses: responses}
	exec := newTestExecutor(provider, toolExec)

	outcome := exec.Run(context.Background(), "s1", nil, Options{Provider: "scripted", MaxIterations: 3})
	if outcome.Phase != PhaseError {
		t.Fatalf("Phase = %v, want %v", outcome.Phase, PhaseError)
	}
	if outcome.Err == nil {
		t.Fatalf("expected a max-iterations error")
	}
}

func TestRunPropagatesToolCallBudgetError(t *testing.T) {
	toolExec := &recordingExecutor{}
	provider := &scriptedProvider{
		responses: []message.LlmResponse{
			{ToolCalls: []message.ToolCall{
				{ID: "1", Name: "a", Arguments: json.RawMessage(`{}`)},
				{ID: "2", Name: "b", Arguments: json.RawMessage(`{}`)},
			}},
		},
	}
	exec := newTestExecutor(provider, toolExec)

	outcome := exec.Run(context.Background(), "s1", nil, Options{Provider: "scripted", MaxToolCalls: 1})
	if outcome.Phase != PhaseError {
		t.Fatalf("Phase = %v, want %v", outcome.Phase, PhaseError)
	}
	if len(toolExec.ran) != 0 {
		t.Fatalf("no tool should run once the batch itself exceeds the budget, ran = %v", toolExec.ran)
	}
}

// TestRunContinuesPastATruncatedToolFreeTurn verifies the resolved
// Open Question: a turn with no tool calls but a "length" finish reason
// is a provider truncation, not the model choosing to stop, so the loop
// continues instead of completing.
func TestRunContinuesPastATruncatedToolFreeTurn(t *testing.T) {
	toolExec := &recordingExecutor{}
	provider := &scriptedProvider{
		responses: []message.LlmResponse{
			{Content: "first half", FinishReason: "length"},
			{Content: "second half"},
		},
	}
	exec := newTestExecutor(provider, toolExec)

	outcome := exec.Run(context.Background(), "s1", nil, Options{Provider: "scripted"})
	if outcome.Phase != PhaseCompleted {
		t.Fatalf("Phase = %v, want %v (err=%v)", outcome.Phase, PhaseCompleted, outcome.Err)
	}
	if provider.calls != 2 {
		t.Fatalf("provider.calls = %d, want 2 (a truncated turn must not terminate the loop)", provider.calls)
	}
	if len(outcome.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2: %#v", len(outcome.Messages), outcome.Messages)
	}
}

func TestRunPublishesAssistantDeltaAndTurnCompleted(t *testing.T) {
	client := llm.NewClient(llm.ClientConfig{})
	provider := &scriptedProvider{responses: []message.LlmResponse{{Content: "streamed reply"}}}
	client.Register(provider)
	orch := toolorch.New(toolorch.Config{}, &recordingExecutor{}, permission.NewGate(nil), nil, nil, nil, nil, nil)
	bus := eventbus.New(0, nil)
	sub := bus.Subscribe("test")
	exec := New(client, orch, nil, nil, bus, nil)

	outcome := exec.Run(context.Background(), "s1", nil, Options{Provider: "scripted"})
	if outcome.Phase != PhaseCompleted {
		t.Fatalf("Phase = %v, want %v (err=%v)", outcome.Phase, PhaseCompleted, outcome.Err)
	}

	bus.Unsubscribe("test")
	var sawDelta, sawTurnCompleted bool
	for ev := range sub.Ch {
		switch ev.Kind {
		case eventbus.KindAssistantDelta:
			if ev.Text == "streamed reply" {
				sawDelta = true
			}
		case eventbus.KindTurnCompleted:
			sawTurnCompleted = true
		}
	}
	if !sawDelta {
		t.Fatalf("expected a KindAssistantDelta event carrying the streamed content")
	}
	if !sawTurnCompleted {
		t.Fatalf("expected a KindTurnCompleted event on loop completion")
	}
}

func TestRunSurfacesProviderError(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("provider down")}}
	exec := newTestExecutor(provider, &recordingExecutor{})

	outcome := exec.Run(context.Background(), "s1", nil, Options{Provider: "scripted"})
	if outcome.Phase != PhaseError {
		t.Fatalf("Phase = %v, want %v", outcome.Phase, PhaseError)
	}
	if outcome.Err == nil {
		t.Fatalf("expected a propagated provider error")
	}
}
