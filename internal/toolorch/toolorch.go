// Package toolorch implements the Tool Orchestrator: the six-phase gate
// every tool call passes through (pre-validation/permission, checkpoint,
// pre-hook, supervised execution, post-hook/rollback, clear state),
// blocking on user input between the pre-hook and execution when a call
// demands it, and concurrent dispatch across a batch of calls with
// stable, call-order result assembly regardless of completion order.
//
// Concurrency shape (semaphore-bounded goroutines writing into a
// pre-sized result slice by index, then sync.WaitGroup) follows a
// ToolExecutor.ExecuteConcurrently pattern.
package toolorch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/majiayu000/sage/internal/checkpoint"
	"github.com/majiayu000/sage/internal/eventbus"
	"github.com/majiayu000/sage/internal/hooks"
	"github.com/majiayu000/sage/internal/input"
	"github.com/majiayu000/sage/internal/message"
	"github.com/majiayu000/sage/internal/permission"
	"github.com/majiayu000/sage/internal/supervisor"
)

// InputRequester is an optional Executor capability: a tool call that
// needs a value only a human can supply (e.g. an approval, a missing
// parameter) reports so here instead of running unattended. Executors
// with nothing that ever requires input simply don't implement it.
type InputRequester interface {
	RequiresInput(call message.ToolCall) (input.Request, bool)
}

// Executor runs one named tool call and returns its output. Implementations
// live alongside the concrete tools this deployment exposes; the
// orchestrator only needs this narrow capability.
type Executor interface {
	Execute(ctx context.Context, call message.ToolCall) (string, error)

	// SnapshotPaths returns the workspace-relative paths a call may
	// mutate, used to scope the pre-call checkpoint. A tool that only
	// reads returns nil.
	SnapshotPaths(call message.ToolCall) []string
}

// maxDefaultConcurrency ceilings the per-batch default concurrency
// computed when Config.Concurrency is left unset: a batch defaults to
// running every one of its calls in parallel, up to this limit.
const maxDefaultConcurrency = 8

// Config configures the Orchestrator.
type Config struct {
	// Concurrency bounds how many calls in a single ExecuteBatch run in
	// parallel. Zero means "default to the batch's own size", capped at
	// maxDefaultConcurrency, rather than a fixed constant: a batch of two
	// calls shouldn't wait behind four idle semaphore slots, and a batch
	// of fifty shouldn't flood the host.
	Concurrency    int
	PerCallTimeout time.Duration
	Logger         *slog.Logger
}

func (c *Config) sanitize() {
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = 2 * time.Minute
	}
}

// concurrencyFor returns the effective semaphore width for a batch of n
// calls, applying the default-to-batch-size rule when Concurrency is
// unset.
func (c *Config) concurrencyFor(n int) int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	if n <= 0 {
		return 1
	}
	if n > maxDefaultConcurrency {
		return maxDefaultConcurrency
	}
	return n
}

// Orchestrator gates and dispatches tool calls.
type Orchestrator struct {
	config     Config
	executor   Executor
	gate       *permission.Gate
	checkpoint *checkpoint.Manager
	hookMgr    *hooks.Manager
	supervisor *supervisor.Supervisor
	input      *input.Channel
	bus        *eventbus.Bus
	logger     *slog.Logger
}

// New creates an Orchestrator. checkpoint may be nil to disable
// snapshot/rollback (e.g. in a sandboxed dry-run deployment). sup may be
// nil to call the executor directly with no restart/resume policy
// wrapped around it. in may be nil to reject any call an Executor
// reports as RequiresInput instead of blocking for an answer. bus may be
// nil to skip publishing tool lifecycle events.
func New(config Config, executor Executor, gate *permission.Gate, cp *checkpoint.Manager, hookMgr *hooks.Manager, sup *supervisor.Supervisor, in *input.Channel, bus *eventbus.Bus) *Orchestrator {
	config.sanitize()
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config:     config,
		executor:   executor,
		gate:       gate,
		checkpoint: cp,
		hookMgr:    hookMgr,
		supervisor: sup,
		input:      in,
		bus:        bus,
		logger:     logger.With("component", "toolorch"),
	}
}

func (o *Orchestrator) publish(ev eventbus.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ev)
}

// ExecuteBatch runs every call in calls concurrently (bounded by
// Config.Concurrency) and returns one ToolResult per call, in the same
// order as calls regardless of which goroutine finishes first.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, sessionID string, calls []message.ToolCall) []message.ToolResult {
	results := make([]message.ToolResult, len(calls))
	sem := make(chan struct{}, o.config.concurrencyFor(len(calls)))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call message.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = cancelledResult(call)
				return
			}
			results[idx] = o.executeOne(ctx, sessionID, call)
		}(i, call)
	}

	wg.Wait()
	return results
}

func cancelledResult(call message.ToolCall) message.ToolResult {
	return message.ToolResult{
		CallID:   call.ID,
		ToolName: call.Name,
		Success:  false,
		Error:    "context cancelled before execution",
	}
}

// executeOne runs the full six-phase gate for a single call.
func (o *Orchestrator) executeOne(ctx context.Context, sessionID string, call message.ToolCall) message.ToolResult {
	start := time.Now()
	o.publish(eventbus.Event{Kind: eventbus.KindToolRequested, SessionID: sessionID, ToolCall: &call})

	// Phase 1: pre-validation / permission.
	if o.gate != nil {
		verdict := o.gate.Check(call)
		if verdict.Decision == permission.Block {
			o.publish(eventbus.Event{Kind: eventbus.KindToolDenied, SessionID: sessionID, ToolCall: &call, Text: verdict.Reason})
			return errorResult(call, start, "blocked by permission gate: "+verdict.Reason)
		}
	}

	// Phase 2: checkpoint.
	var checkpointID string
	if o.checkpoint != nil {
		if paths := o.executor.SnapshotPaths(call); len(paths) > 0 {
			checkpointID = call.ID
			if _, err := o.checkpoint.Snapshot(ctx, checkpointID, call.Name, paths); err != nil {
				o.logger.Error("checkpoint snapshot failed", "tool", call.Name, "error", err)
				return errorResult(call, start, fmt.Sprintf("checkpoint failed: %v", err))
			}
		}
	}

	// Phase 3: pre-hook.
	toolCtx := &hooks.ToolContext{ToolCall: call, SessionID: sessionID}
	if o.hookMgr != nil {
		outcome, err := o.hookMgr.Run(ctx, hooks.EventPreToolUse, toolCtx)
		if err != nil {
			o.discardCheckpoint(ctx, checkpointID)
			return errorResult(call, start, "pre-hook error: "+err.Error())
		}
		if outcome.Blocked {
			o.discardCheckpoint(ctx, checkpointID)
			return errorResult(call, start, "blocked by pre-hook: "+outcome.Reason)
		}
		call = toolCtx.ToolCall
	}

	// If this call demands a value only a human can supply, block here
	// until it's answered rather than handing it to the executor.
	if ir, ok := o.executor.(InputRequester); ok {
		if req, needs := ir.RequiresInput(call); needs {
			o.publish(eventbus.Event{Kind: eventbus.KindToolApprovalRequired, SessionID: sessionID, ToolCall: &call, Text: req.Prompt})
			if o.input == nil {
				o.discardCheckpoint(ctx, checkpointID)
				return errorResult(call, start, "requires user input but no input channel is configured")
			}
			resp, err := o.input.Ask(ctx, req)
			if err != nil {
				o.discardCheckpoint(ctx, checkpointID)
				return errorResult(call, start, "blocked on user input: "+err.Error())
			}
			call = withUserInput(call, resp.Text)
			toolCtx.ToolCall = call
		}
	}

	// Phase 4: supervised execution.
	o.publish(eventbus.Event{Kind: eventbus.KindToolStarted, SessionID: sessionID, ToolCall: &call})
	callCtx, cancel := context.WithTimeout(ctx, o.config.PerCallTimeout)
	var output string
	var execErr error
	if o.supervisor != nil {
		execErr = o.supervisor.Run(callCtx, func(ctx context.Context, attempt int) error {
			out, err := o.executor.Execute(ctx, call)
			output = out
			return err
		})
	} else {
		output, execErr = o.executor.Execute(callCtx, call)
	}
	cancel()

	result := message.ToolResult{
		CallID:          call.ID,
		ToolName:        call.Name,
		Success:         execErr == nil,
		Output:          output,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	if execErr != nil {
		result.Error = execErr.Error()
	}
	toolCtx.ToolResult = &result

	// Phase 5: rollback / post-hook. On failure, files are restored from
	// the checkpoint before the failure hook fires, so PostToolUseFailure
	// observers always see a workspace already back to its pre-call state.
	if execErr != nil {
		o.rollback(ctx, checkpointID)
	}
	postEvent := hooks.EventPostToolUse
	if execErr != nil {
		postEvent = hooks.EventPostToolUseFailure
	}
	if o.hookMgr != nil {
		outcome, err := o.hookMgr.Run(ctx, postEvent, toolCtx)
		if err != nil {
			o.logger.Error("post-hook error", "tool", call.Name, "error", err)
		} else if outcome.Blocked {
			o.logger.Warn("post-hook rejected effects, rolling back", "tool", call.Name, "reason", outcome.Reason)
			o.rollback(ctx, checkpointID)
			result.Success = false
			result.Error = "rolled back: " + outcome.Reason
		}
	}

	// Phase 6: clear state.
	if result.Success {
		o.discardCheckpoint(ctx, checkpointID)
	}

	return result
}

func (o *Orchestrator) rollback(ctx context.Context, checkpointID string) {
	if o.checkpoint == nil || checkpointID == "" {
		return
	}
	if err := o.checkpoint.Restore(ctx, checkpointID); err != nil {
		o.logger.Error("checkpoint restore failed", "checkpoint", checkpointID, "error", err)
	}
	o.discardCheckpoint(ctx, checkpointID)
}

func (o *Orchestrator) discardCheckpoint(ctx context.Context, checkpointID string) {
	if o.checkpoint == nil || checkpointID == "" {
		return
	}
	if err := o.checkpoint.Discard(ctx, checkpointID); err != nil {
		o.logger.Error("checkpoint discard failed", "checkpoint", checkpointID, "error", err)
	}
}

// withUserInput merges a user's answer into call's arguments under
// "user_input", returning a new ToolCall so the original is left intact
// for callers still holding a reference to it.
func withUserInput(call message.ToolCall, answer string) message.ToolCall {
	args := map[string]any{}
	if len(call.Arguments) > 0 {
		_ = json.Unmarshal(call.Arguments, &args)
	}
	args["user_input"] = answer
	if merged, err := json.Marshal(args); err == nil {
		call.Arguments = merged
	}
	return call
}

func errorResult(call message.ToolCall, start time.Time, msg string) message.ToolResult {
	return message.ToolResult{
		CallID:          call.ID,
		ToolName:        call.Name,
		Success:         false,
		Error:           msg,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}
