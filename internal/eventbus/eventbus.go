// Package eventbus implements the bounded pub/sub event bus the executor
// uses to broadcast RuntimeEvents to observers (CLI renderer, metrics,
// trace writers) without letting a slow subscriber stall the loop.
//
// Generalized from a single EventCallback func(*models.RuntimeEvent)
// invoked synchronously from the loop and tool-exec path into a proper
// bounded multi-subscriber bus with drop-oldest backpressure, since that
// shape only ever supported one callback per run.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/majiayu000/sage/internal/message"
)

// Kind names the stage of a RuntimeEvent, mirroring a
// RuntimeEventType/ToolEvent set of stage constants.
type Kind string

const (
	KindToolRequested         Kind = "tool_requested"
	KindToolStarted           Kind = "tool_started"
	KindToolSucceeded         Kind = "tool_succeeded"
	KindToolFailed            Kind = "tool_failed"
	KindToolDenied            Kind = "tool_denied"
	KindToolApprovalRequired  Kind = "tool_approval_required"
	KindAssistantDelta        Kind = "assistant_delta"
	KindTurnCompleted         Kind = "turn_completed"
	KindCompacted             Kind = "compacted"
	KindCircuitStateChanged   Kind = "circuit_state_changed"
)

// Event is one runtime notification broadcast on the bus.
type Event struct {
	Kind      Kind
	SessionID string
	ToolCall  *message.ToolCall
	ToolResult *message.ToolResult
	Text      string
	Metadata  map[string]any
}

// Subscriber receives events on Ch. A full Ch causes the bus to drop the
// subscriber's oldest buffered event rather than block the publisher,
// trading that subscriber's completeness for the publisher's liveness.
type Subscriber struct {
	Ch   chan Event
	name string
}

// Bus is a bounded, multi-subscriber publisher. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	capacity    int
	logger      *slog.Logger
}

// New creates a Bus whose per-subscriber channel holds capacity events
// before dropping the oldest. Default capacity 256.
func New(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		capacity:    capacity,
		logger:      logger.With("component", "eventbus"),
	}
}

// Subscribe registers a new subscriber under name, replacing any existing
// subscriber of the same name.
func (b *Bus) Subscribe(name string) *Subscriber {
	sub := &Subscriber{Ch: make(chan Event, b.capacity), name: name}
	b.mu.Lock()
	b.subscribers[name] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes the named subscriber's channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subscribers[name]
	delete(b.subscribers, name)
	b.mu.Unlock()
	if ok {
		close(sub.Ch)
	}
}

// Publish broadcasts ev to every subscriber. Publication to each
// subscriber is independent: a full channel drops its own oldest queued
// event (non-blocking), never the publisher's call.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.Ch <- ev:
		default:
			// channel full: drop the oldest queued event, then enqueue.
			select {
			case <-sub.Ch:
				b.logger.Warn("subscriber backpressure, dropped oldest event", "subscriber", sub.name)
			default:
			}
			select {
			case sub.Ch <- ev:
			default:
				// subscriber is being drained concurrently and refilled
				// faster than we can insert; drop this event instead of
				// blocking the publisher.
			}
		}
	}
}
