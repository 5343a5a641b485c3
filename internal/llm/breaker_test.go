package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})

	fail := func(context.Context) error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), fail); err == nil {
			t.Fatalf("call %d: expected the underlying failure to propagate", i)
		}
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want %s", got, StateOpen)
	}

	if err := b.Execute(context.Background(), fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen once open, got %v", err)
	}
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Millisecond, SuccessThreshold: 1})

	b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want %s", got, StateOpen)
	}

	time.Sleep(5 * time.Millisecond)

	succeeded := false
	if err := b.Execute(context.Background(), func(context.Context) error { succeeded = true; return nil }); err != nil {
		t.Fatalf("probe should have been admitted: %v", err)
	}
	if !succeeded {
		t.Fatalf("probe function never ran")
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after one success with SuccessThreshold=1 = %s, want %s", got, StateClosed)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Millisecond})
	b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	time.Sleep(5 * time.Millisecond)

	b.Execute(context.Background(), func(context.Context) error { return errors.New("still broken") })
	if got := b.State(); got != StateOpen {
		t.Fatalf("a half-open probe failure must reopen the breaker, got state %s", got)
	}
}

func TestBreakerHalfOpenBoundsConcurrentProbes(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Millisecond, HalfOpenMaxRequests: 1})
	b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	time.Sleep(5 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("first half-open probe should be admitted: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("a second concurrent probe beyond HalfOpenMaxRequests=1 should be rejected, got %v", err)
	}
}

func TestRegistryReturnsSameBreakerPerName(t *testing.T) {
	r := NewRegistry(BreakerConfig{})
	a := r.Get("anthropic")
	b := r.Get("anthropic")
	if a != b {
		t.Fatalf("Get should return the same *Breaker instance for the same name")
	}
	if other := r.Get("openai"); other == a {
		t.Fatalf("different names should get different breakers")
	}
}

func TestResetForcesClosed(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want %s", got, StateOpen)
	}
	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after Reset = %s, want %s", got, StateClosed)
	}
}
