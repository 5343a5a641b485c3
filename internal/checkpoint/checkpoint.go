// Package checkpoint implements workspace file-subtree snapshot and
// restore around tool calls that mutate files, so the tool orchestrator
// can roll back a failed or rejected call.
//
// Re-targeted from a checkpoint package's execution-state (agent
// phase/iteration) semantics to file-snapshot semantics: a Checkpoint
// here captures file content, not agent state.
// The Phase naming convention (Created/Deleted/lifecycle states) carries
// over from that reference file even though the payload differs entirely.
// The index is backed by modernc.org/sqlite, the cgo-free SQLite driver
// also used for this module's other small embedded-storage needs.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileState describes one file's condition at checkpoint time.
type FileState string

const (
	FileStateExists  FileState = "exists"
	FileStateDeleted FileState = "deleted" // file did not exist before the call
)

// FileSnapshot is the before-image of one file captured in a Checkpoint.
type FileSnapshot struct {
	Path    string
	State   FileState
	Hash    string // sha256 of content, empty if State == FileStateDeleted
	Content []byte
}

// Checkpoint is a named, restorable snapshot of one or more files,
// created immediately before a tool call that may mutate them.
type Checkpoint struct {
	ID        string
	ToolCall  string
	CreatedAt time.Time
	Files     []FileSnapshot
}

// Manager snapshots and restores files under Root, indexing checkpoint
// metadata in a SQLite database so a crashed process can enumerate and
// clean up stale checkpoints on restart.
type Manager struct {
	root string
	db   *sql.DB
}

// NewManager opens (creating if needed) the checkpoint index at
// indexPath, rooted at root for sandboxing relative paths.
func NewManager(ctx context.Context, root, indexPath string) (*Manager, error) {
	db, err := sql.Open("sqlite", indexPath)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening index: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Manager{root: root, db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	tool_call TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoint_files (
	checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id),
	path TEXT NOT NULL,
	state TEXT NOT NULL,
	hash TEXT,
	content BLOB
);
`)
	return err
}

// Close closes the underlying index database.
func (m *Manager) Close() error { return m.db.Close() }

// Snapshot captures the current on-disk state of the given paths (which
// must be relative to root) under a new checkpoint named id.
func (m *Manager) Snapshot(ctx context.Context, id, toolCall string, paths []string) (*Checkpoint, error) {
	cp := &Checkpoint{ID: id, ToolCall: toolCall, CreatedAt: time.Now()}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoints (id, tool_call, created_at) VALUES (?, ?, ?)`,
		id, toolCall, cp.CreatedAt); err != nil {
		return nil, err
	}

	for _, p := range paths {
		full := filepath.Join(m.root, p)
		content, err := os.ReadFile(full)
		var snap FileSnapshot
		switch {
		case err == nil:
			sum := sha256.Sum256(content)
			snap = FileSnapshot{Path: p, State: FileStateExists, Hash: hex.EncodeToString(sum[:]), Content: content}
		case os.IsNotExist(err):
			snap = FileSnapshot{Path: p, State: FileStateDeleted}
		default:
			return nil, fmt.Errorf("checkpoint: reading %s: %w", p, err)
		}
		cp.Files = append(cp.Files, snap)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoint_files (checkpoint_id, path, state, hash, content) VALUES (?, ?, ?, ?, ?)`,
			id, snap.Path, string(snap.State), snap.Hash, snap.Content,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cp, nil
}

// Restore replays a checkpoint's file snapshots back onto disk: files
// that existed are rewritten byte-for-byte, files that did not exist are
// removed. This is the rollback path the orchestrator calls when a post-
// hook rejects a tool's effects.
func (m *Manager) Restore(ctx context.Context, id string) error {
	rows, err := m.db.QueryContext(ctx,
		`SELECT path, state, content FROM checkpoint_files WHERE checkpoint_id = ?`, id)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var path, state string
		var content []byte
		if err := rows.Scan(&path, &state, &content); err != nil {
			return err
		}
		full := filepath.Join(m.root, path)
		switch FileState(state) {
		case FileStateExists:
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(full, content, 0o644); err != nil {
				return err
			}
		case FileStateDeleted:
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return rows.Err()
}

// Discard removes a checkpoint's index entries without touching disk
// state, used once a tool call's effects have been accepted.
func (m *Manager) Discard(ctx context.Context, id string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM checkpoint_files WHERE checkpoint_id = ?`, id); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	return err
}
