package toolorch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/majiayu000/sage/internal/checkpoint"
	"github.com/majiayu000/sage/internal/hooks"
	"github.com/majiayu000/sage/internal/input"
	"github.com/majiayu000/sage/internal/message"
	"github.com/majiayu000/sage/internal/permission"
	"github.com/majiayu000/sage/internal/supervisor"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeExecutor) Execute(ctx context.Context, call message.ToolCall) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.calls = append(f.calls, call.Name)
	f.mu.Unlock()
	if f.fail[call.Name] {
		return "", fmt.Errorf("%s failed", call.Name)
	}
	return "ok:" + call.Name, nil
}

func (f *fakeExecutor) SnapshotPaths(call message.ToolCall) []string { return nil }

func TestExecuteBatchPreservesCallOrder(t *testing.T) {
	exec := &fakeExecutor{}
	o := New(Config{Concurrency: 4}, exec, permission.NewGate(nil), nil, nil, nil, nil, nil)

	calls := []message.ToolCall{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "fast"},
		{ID: "3", Name: "medium"},
	}
	results := o.ExecuteBatch(context.Background(), "s1", calls)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.CallID != calls[i].ID {
			t.Fatalf("results[%d].CallID = %q, want %q (result order must match call order)", i, r.CallID, calls[i].ID)
		}
		if !r.Success {
			t.Fatalf("results[%d] unexpectedly failed: %s", i, r.Error)
		}
	}
}

func TestExecuteBatchReportsPerCallFailure(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]bool{"bad": true}}
	o := New(Config{}, exec, permission.NewGate(nil), nil, nil, nil, nil, nil)

	calls := []message.ToolCall{{ID: "1", Name: "good"}, {ID: "2", Name: "bad"}}
	results := o.ExecuteBatch(context.Background(), "s1", calls)

	if !results[0].Success {
		t.Fatalf("expected the first call to succeed")
	}
	if results[1].Success {
		t.Fatalf("expected the second call to fail")
	}
}

func TestExecuteBatchBlocksDenylistedTool(t *testing.T) {
	exec := &fakeExecutor{}
	gate := permission.NewGate(&permission.Policy{Denylist: []string{"forbidden"}})
	o := New(Config{}, exec, gate, nil, nil, nil, nil, nil)

	results := o.ExecuteBatch(context.Background(), "s1", []message.ToolCall{{ID: "1", Name: "forbidden"}})

	if results[0].Success {
		t.Fatalf("expected the denylisted call to fail")
	}
	exec.mu.Lock()
	ran := len(exec.calls)
	exec.mu.Unlock()
	if ran != 0 {
		t.Fatalf("the underlying executor should never run for a blocked call")
	}
}

func TestExecuteBatchCancelledContextShortCircuits(t *testing.T) {
	exec := &fakeExecutor{}
	o := New(Config{Concurrency: 1}, exec, permission.NewGate(nil), nil, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := o.ExecuteBatch(ctx, "s1", []message.ToolCall{{ID: "1", Name: "whatever"}})
	if results[0].Success {
		t.Fatalf("expected a cancelled-context result to be unsuccessful")
	}
}

// mutatingExecutor overwrites the file at path with "mutated" every call
// and fails every call, to exercise checkpoint rollback.
type mutatingExecutor struct{ path string }

func (m *mutatingExecutor) Execute(ctx context.Context, call message.ToolCall) (string, error) {
	if err := os.WriteFile(m.path, []byte("mutated"), 0o644); err != nil {
		return "", err
	}
	return "", errors.New("tool failed")
}

func (m *mutatingExecutor) SnapshotPaths(call message.ToolCall) []string { return []string{"f.txt"} }

func TestExecuteOneRestoresFilesBeforeFailureHookFires(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(root+"/f.txt", []byte("original"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	cp, err := checkpoint.NewManager(context.Background(), root, root+"/checkpoints.db")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer cp.Close()

	var sawDuringHook string
	hookMgr := hooks.NewManager(nil)
	hookMgr.Register(hooks.EventPostToolUseFailure, "observe", hooks.PriorityNormal, nil, func(ctx context.Context, tc *hooks.ToolContext) (hooks.Outcome, error) {
		content, _ := os.ReadFile(root + "/f.txt")
		sawDuringHook = string(content)
		return hooks.Continue(), nil
	})

	exec := &mutatingExecutor{path: root + "/f.txt"}
	o := New(Config{}, exec, permission.NewGate(nil), cp, hookMgr, nil, nil, nil)

	results := o.ExecuteBatch(context.Background(), "s1", []message.ToolCall{{ID: "1", Name: "mutate"}})
	if results[0].Success {
		t.Fatalf("expected the call to fail")
	}
	if sawDuringHook != "original" {
		t.Fatalf("PostToolUseFailure observed %q, want the file already restored to %q", sawDuringHook, "original")
	}
}

func TestExecuteOneUsesSupervisorAndSurfacesResumedError(t *testing.T) {
	sup := supervisor.New(supervisor.Policy{Decide: func(error) supervisor.Action { return supervisor.ActionResume }}, nil)
	exec := &fakeExecutor{fail: map[string]bool{"flaky": true}}
	o := New(Config{}, exec, permission.NewGate(nil), nil, nil, sup, nil, nil)

	results := o.ExecuteBatch(context.Background(), "s1", []message.ToolCall{{ID: "1", Name: "flaky"}})
	if results[0].Success {
		t.Fatalf("expected the supervised call to still report failure")
	}
	if results[0].Error == "" {
		t.Fatalf("expected the original error to surface through the supervisor")
	}
}

// inputRequestingExecutor implements InputRequester: every call demands
// the answer to prompt before it runs, and echoes it back as output.
type inputRequestingExecutor struct{ prompt string }

func (e *inputRequestingExecutor) Execute(ctx context.Context, call message.ToolCall) (string, error) {
	var args map[string]any
	_ = json.Unmarshal(call.Arguments, &args)
	answer, _ := args["user_input"].(string)
	return "answer:" + answer, nil
}

func (e *inputRequestingExecutor) SnapshotPaths(call message.ToolCall) []string { return nil }

func (e *inputRequestingExecutor) RequiresInput(call message.ToolCall) (input.Request, bool) {
	return input.Request{ID: call.ID, Prompt: e.prompt}, true
}

func TestExecuteOneBlocksOnInputAndThreadsTheAnswerThrough(t *testing.T) {
	ch := input.New(1)
	go input.AutoResponder(context.Background(), ch, func(req input.Request) string { return "yes" })

	exec := &inputRequestingExecutor{prompt: "proceed?"}
	o := New(Config{}, exec, permission.NewGate(nil), nil, nil, nil, ch, nil)

	results := o.ExecuteBatch(context.Background(), "s1", []message.ToolCall{{ID: "1", Name: "ask"}})
	if !results[0].Success || results[0].Output != "answer:yes" {
		t.Fatalf("got %#v, want a successful result threading the answer through", results[0])
	}
}

func TestExecuteOneFailsInputRequiredWithoutChannel(t *testing.T) {
	exec := &inputRequestingExecutor{prompt: "proceed?"}
	o := New(Config{}, exec, permission.NewGate(nil), nil, nil, nil, nil, nil)

	results := o.ExecuteBatch(context.Background(), "s1", []message.ToolCall{{ID: "1", Name: "ask"}})
	if results[0].Success {
		t.Fatalf("expected the call to fail without an input channel configured")
	}
}
