// Package llm implements the provider-neutral LLM client: request
// construction, circuit-breaker protected dispatch, and response assembly.
package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Breaker states, following a Closed/Open/HalfOpen machine. Generalized
// from a circuit breaker that only tracked a flat failure/success
// counter; this adds bounded half-open probe admission instead of
// letting every caller through once the reset timeout elapses.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// ErrCircuitOpen is returned by Breaker.Allow when the breaker is open (or
// when half-open probe admission is exhausted).
var ErrCircuitOpen = errors.New("llm: circuit breaker is open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Name identifies this breaker (per-provider, typically).
	Name string

	// FailureThreshold is consecutive failures before Closed -> Open.
	// Default 5.
	FailureThreshold int

	// SuccessThreshold is consecutive half-open successes before
	// HalfOpen -> Closed. Default 2.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays Open before trying
	// HalfOpen. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxRequests bounds the number of concurrent probes allowed
	// while HalfOpen. Default 2.
	HalfOpenMaxRequests int

	// OnStateChange is called (asynchronously) on every transition, named
	// by the breaker's own Name so one callback can serve every breaker in
	// a Registry.
	OnStateChange func(name, from, to string)
}

func (c *BreakerConfig) sanitize() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 2
	}
}

// Breaker is a per-dependency health gate. State transitions and
// admission checks happen under a short critical section on the state
// mutex; the half-open probe count is kept as an atomic counter.
type Breaker struct {
	config BreakerConfig

	mu              sync.Mutex
	state           string
	failures        int
	successes       int
	lastStateChange time.Time
	totalFailures   int
	totalCalls      int

	halfOpenInFlight int32
	probeLimiter     *rate.Limiter
}

// NewBreaker creates a Breaker with the given config, applying defaults
// for any zero fields.
func NewBreaker(config BreakerConfig) *Breaker {
	config.sanitize()
	return &Breaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		// one probe admission per 10ms ceiling paces half-open traffic
		// without materially slowing a single legitimate probe.
		probeLimiter: rate.NewLimiter(rate.Every(10*time.Millisecond), config.HalfOpenMaxRequests),
	}
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// if the reset timeout has elapsed. It does not perform the call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastStateChange) >= b.config.ResetTimeout {
			b.transitionLocked(StateHalfOpen)
		} else {
			return ErrCircuitOpen
		}
	}

	if b.state == StateHalfOpen {
		if atomic.LoadInt32(&b.halfOpenInFlight) >= int32(b.config.HalfOpenMaxRequests) {
			return ErrCircuitOpen
		}
		if !b.probeLimiter.Allow() {
			return ErrCircuitOpen
		}
		atomic.AddInt32(&b.halfOpenInFlight, 1)
	}
	return nil
}

// Execute runs fn with breaker protection: it calls Allow, invokes fn if
// admitted, and records the result.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	wasHalfOpen := b.State() == StateHalfOpen
	err := fn(ctx)
	if wasHalfOpen {
		atomic.AddInt32(&b.halfOpenInFlight, -1)
	}
	b.recordResult(err)
	return err
}

func (b *Breaker) recordResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	if err != nil {
		b.totalFailures++
		b.recordFailureLocked()
		return
	}
	b.recordSuccessLocked()
}

func (b *Breaker) recordFailureLocked() {
	b.failures++
	b.successes = 0

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) recordSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

func (b *Breaker) transitionLocked(to string) {
	from := b.state
	b.state = to
	b.lastStateChange = time.Now()
	b.failures = 0
	b.successes = 0
	if to != StateHalfOpen {
		atomic.StoreInt32(&b.halfOpenInFlight, 0)
	}
	if b.config.OnStateChange != nil && from != to {
		go b.config.OnStateChange(b.config.Name, from, to)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Name          string
	State         string
	Failures      int
	Successes     int
	TotalFailures int
	TotalCalls    int
}

// Stats returns current breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:          b.config.Name,
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		TotalFailures: b.totalFailures,
		TotalCalls:    b.totalCalls,
	}
}

// Reset forces the breaker back to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
}

// Registry manages one Breaker per provider name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults BreakerConfig
}

// NewRegistry creates a breaker registry with the given default config
// applied to breakers created on demand via Get.
func NewRegistry(defaults BreakerConfig) *Registry {
	defaults.sanitize()
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the named breaker, creating it from the registry defaults on
// first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	cfg.Name = name
	b = NewBreaker(cfg)
	r.breakers[name] = b
	return b
}

// AllStats returns stats for every breaker created so far.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
