// Package session implements the Session Recorder: start/append/
// update_metadata/close lifecycle over a session's transcript, backed by
// a pluggable Storage implementation (JSONLStore by default,
// PostgresStore as a supplemental deployment option).
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/majiayu000/sage/internal/message"
)

// Well-known Metadata.Extra keys, opportunistically maintained by
// Recorder.Record as messages are appended.
const (
	MetaFirstPrompt  = "first_prompt"
	MetaLastPrompt   = "last_prompt"
	MetaMessageCount = "message_count"
	MetaState        = "state"
)

// Metadata is the free-form session header record for a Session entity.
type Metadata struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Extra     map[string]any `json:"extra,omitempty"`

	// FirstPrompt and LastPrompt are the content of the first and most
	// recent user messages, hydrated from Extra for convenient access.
	FirstPrompt string
	LastPrompt  string
	// MessageCount is the number of transcript messages recorded so far.
	MessageCount int
	// State is a free-form lifecycle marker (e.g. "summary_pending").
	State string
}

// Hydrate populates the typed convenience fields from Extra, called after
// a store loads metadata from its backing representation.
func (m *Metadata) Hydrate() {
	if m.Extra == nil {
		return
	}
	if s, ok := m.Extra[MetaFirstPrompt].(string); ok {
		m.FirstPrompt = s
	}
	if s, ok := m.Extra[MetaLastPrompt].(string); ok {
		m.LastPrompt = s
	}
	if s, ok := m.Extra[MetaState].(string); ok {
		m.State = s
	}
	switch v := m.Extra[MetaMessageCount].(type) {
	case int:
		m.MessageCount = v
	case float64:
		m.MessageCount = int(v)
	}
}

// ShouldUpdateSummary reports whether the accumulated message count
// warrants regenerating the session's stored summary. Triggering every
// 20 messages bounds a resumed session's catch-up cost without
// regenerating on every single turn.
func ShouldUpdateSummary(messageCount int) bool {
	return messageCount > 0 && messageCount%20 == 0
}

// ValidateParentChain checks the Session invariant that message i+1's
// ParentUUID equals message i's ID. Violations are logged as warnings
// and otherwise ignored: a broken chain (e.g. from a pre-ParentUUID
// transcript, or hand-edited history) should not block resume.
func ValidateParentChain(logger *slog.Logger, sessionID string, messages []message.Message) {
	if logger == nil {
		logger = slog.Default()
	}
	for i := 0; i+1 < len(messages); i++ {
		if messages[i].ID == "" || messages[i+1].ParentUUID == "" {
			continue
		}
		if messages[i+1].ParentUUID != messages[i].ID {
			logger.Warn("session: parent_uuid chain broken",
				"session", sessionID, "index", i+1,
				"expected_parent", messages[i].ID, "got_parent", messages[i+1].ParentUUID)
		}
	}
}

// Storage is the narrow persistence contract the Recorder needs.
// Implementations: JSONLStore (default, append-only local files) and
// PostgresStore (supplemental, for centralized deployments).
type Storage interface {
	// Start creates a new session record and returns its initial metadata.
	Start(ctx context.Context, id string) (Metadata, error)

	// Append persists one message to the session transcript. Implementations
	// must make this crash-safe: a process killed mid-write must not
	// corrupt previously committed messages.
	Append(ctx context.Context, id string, msg message.Message) error

	// UpdateMetadata merges extra into the session's metadata.
	UpdateMetadata(ctx context.Context, id string, extra map[string]any) error

	// Load returns a session's metadata and full transcript.
	Load(ctx context.Context, id string) (Metadata, []message.Message, error)

	// Close releases any resources held for id (e.g. closes an open file
	// handle). It does not delete data.
	Close(ctx context.Context, id string) error
}

// Recorder is the executor-facing API over Storage: it exists so the
// executor depends on a minimal interface rather than the full Storage
// contract (which also serves session-management CLI commands like list
// and resume).
type Recorder struct {
	store Storage

	mu     sync.Mutex
	counts map[string]int
}

// NewRecorder wraps a Storage implementation.
func NewRecorder(store Storage) *Recorder {
	return &Recorder{store: store, counts: make(map[string]int)}
}

func (r *Recorder) Start(ctx context.Context, id string) (Metadata, error) {
	meta, err := r.store.Start(ctx, id)
	if err == nil {
		meta.Hydrate()
		r.mu.Lock()
		r.counts[id] = meta.MessageCount
		r.mu.Unlock()
	}
	return meta, err
}

func (r *Recorder) Append(ctx context.Context, id string, msg message.Message) error {
	return r.store.Append(ctx, id, msg)
}

// Record appends msg to the transcript and opportunistically updates the
// session's metadata: message_count is bumped for every message, user
// messages also refresh last_prompt, and a user message that is the first
// one recorded also sets first_prompt. Crossing a
// ShouldUpdateSummary boundary marks the session summary_pending so a
// separate summarization pass can pick it up.
func (r *Recorder) Record(ctx context.Context, id string, msg message.Message) error {
	if err := r.store.Append(ctx, id, msg); err != nil {
		return err
	}

	r.mu.Lock()
	count := r.counts[id] + 1
	r.counts[id] = count
	r.mu.Unlock()

	extra := map[string]any{MetaMessageCount: count}
	if msg.Role == message.RoleUser {
		extra[MetaLastPrompt] = msg.Content
		if count == 1 {
			extra[MetaFirstPrompt] = msg.Content
		}
	}
	if ShouldUpdateSummary(count) {
		extra[MetaState] = "summary_pending"
	}
	return r.store.UpdateMetadata(ctx, id, extra)
}

func (r *Recorder) UpdateMetadata(ctx context.Context, id string, extra map[string]any) error {
	return r.store.UpdateMetadata(ctx, id, extra)
}

func (r *Recorder) Load(ctx context.Context, id string) (Metadata, []message.Message, error) {
	meta, messages, err := r.store.Load(ctx, id)
	if err != nil {
		return meta, messages, err
	}
	meta.Hydrate()
	ValidateParentChain(nil, id, messages)
	r.mu.Lock()
	r.counts[id] = meta.MessageCount
	r.mu.Unlock()
	return meta, messages, nil
}

func (r *Recorder) Close(ctx context.Context, id string) error {
	return r.store.Close(ctx, id)
}
