// Package supervisor implements the SupervisionPolicy dispatch (Restart,
// Resume, Stop, Escalate) that governs how the tool orchestrator reacts
// to a failed tool execution. Restart backoff follows the same
// exponential/jitter shape as a hand-rolled Backoff/BackoffWithJitter pair,
// but built on top of cenkalti/backoff/v5 instead of reimplementing it.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Action names the recovery action a SupervisionPolicy selects.
type Action string

const (
	ActionRestart  Action = "restart"
	ActionResume   Action = "resume"
	ActionStop     Action = "stop"
	ActionEscalate Action = "escalate"
)

// Policy decides, given a failure, what Action to take. MaxRestarts bounds
// restarts within Window; once exceeded the policy escalates regardless of
// what Decide would otherwise return.
type Policy struct {
	Decide      func(err error) Action
	MaxRestarts int
	Window      time.Duration
	MaxBackoff  time.Duration
}

func (p *Policy) sanitize() {
	if p.Decide == nil {
		p.Decide = func(error) Action { return ActionRestart }
	}
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = 5
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
}

// ErrEscalated is returned by Run when the policy escalates a failure
// instead of restarting it - the caller must handle the failure itself.
var ErrEscalated = errors.New("supervisor: escalated to caller")

// ErrStopped is returned by Run when the policy decides to stop rather
// than restart.
var ErrStopped = errors.New("supervisor: stopped by policy")

// restartRecord tracks restart timestamps within the sliding window.
type restartRecord struct {
	mu    sync.Mutex
	times []time.Time
}

func (r *restartRecord) record(now time.Time, window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-window)
	kept := r.times[:0]
	for _, t := range r.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	r.times = kept
	return len(r.times)
}

// Supervisor runs a unit of work under a Policy, restarting it with
// bounded exponential backoff on failures the policy classifies as
// restartable, and otherwise resuming, stopping, or escalating.
type Supervisor struct {
	policy Policy
	logger *slog.Logger
	record restartRecord
}

// New creates a Supervisor for policy.
func New(policy Policy, logger *slog.Logger) *Supervisor {
	policy.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{policy: policy, logger: logger.With("component", "supervisor")}
}

// Run invokes work repeatedly until it succeeds, the context is
// cancelled, or the policy decides to stop/escalate/exhaust restarts.
// work is called with the current attempt number, starting at 1.
func (s *Supervisor) Run(ctx context.Context, work func(ctx context.Context, attempt int) error) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := work(ctx, attempt)
		if err == nil {
			return struct{}{}, nil
		}

		action := s.policy.Decide(err)
		switch action {
		case ActionResume:
			// The unit is resumable without a restart, but the failure
			// itself is not swallowed: Run still surfaces err to the
			// caller, classified as a resumed (not retried) outcome.
			s.logger.Warn("resuming after failure", "attempt", attempt, "error", err)
			return struct{}{}, backoff.Permanent(err)
		case ActionStop:
			return struct{}{}, backoff.Permanent(ErrStopped)
		case ActionEscalate:
			return struct{}{}, backoff.Permanent(ErrEscalated)
		case ActionRestart:
			count := s.record.record(time.Now(), s.policy.Window)
			if count > s.policy.MaxRestarts {
				s.logger.Warn("restart budget exhausted, escalating", "attempts", count, "window", s.policy.Window)
				return struct{}{}, backoff.Permanent(ErrEscalated)
			}
			s.logger.Warn("restarting after failure", "attempt", attempt, "error", err)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(ErrEscalated)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = s.policy.MaxBackoff

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.policy.MaxRestarts)+1))
	return err
}
