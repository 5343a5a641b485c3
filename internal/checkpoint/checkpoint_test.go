package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	indexPath := filepath.Join(t.TempDir(), "index.db")
	m, err := NewManager(context.Background(), root, indexPath)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, root
}

func TestSnapshotAndRestoreExistingFile(t *testing.T) {
	m, root := newTestManager(t)
	ctx := context.Background()

	target := filepath.Join(root, "a.txt")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if _, err := m.Snapshot(ctx, "cp1", "write_file", []string{"a.txt"}); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if err := os.WriteFile(target, []byte("mutated"), 0o644); err != nil {
		t.Fatalf("mutate file: %v", err)
	}

	if err := m.Restore(ctx, "cp1"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("content after restore = %q, want %q", got, "original")
	}
}

func TestSnapshotAndRestoreDeletesNewlyCreatedFile(t *testing.T) {
	m, root := newTestManager(t)
	ctx := context.Background()

	// a.txt does not exist yet: this checkpoint captures FileStateDeleted.
	if _, err := m.Snapshot(ctx, "cp2", "write_file", []string{"a.txt"}); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	target := filepath.Join(root, "a.txt")
	if err := os.WriteFile(target, []byte("newly created"), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}

	if err := m.Restore(ctx, "cp2"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected the newly created file to be removed on restore, stat err = %v", err)
	}
}

func TestDiscardRemovesIndexWithoutTouchingDisk(t *testing.T) {
	m, root := newTestManager(t)
	ctx := context.Background()

	target := filepath.Join(root, "a.txt")
	os.WriteFile(target, []byte("original"), 0o644)
	m.Snapshot(ctx, "cp3", "write_file", []string{"a.txt"})
	os.WriteFile(target, []byte("mutated"), 0o644)

	if err := m.Discard(ctx, "cp3"); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	got, _ := os.ReadFile(target)
	if string(got) != "mutated" {
		t.Fatalf("Discard must not touch disk state, got %q", got)
	}

	// Restoring a discarded checkpoint is a no-op: no rows, no error.
	if err := m.Restore(ctx, "cp3"); err != nil {
		t.Fatalf("Restore after Discard: %v", err)
	}
	got, _ = os.ReadFile(target)
	if string(got) != "mutated" {
		t.Fatalf("content changed after restoring a discarded checkpoint: %q", got)
	}
}
