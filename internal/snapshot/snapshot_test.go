package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	s, err := New(cfg, log)
	if err != nil {
		t.Fatalf("failed to create snapshot store: %v", err)
	}
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "CLAUDE.md"), "be helpful")
	writeFile(t, filepath.Join(workspace, "src", "main.py"), "print('hi')")
	writeFile(t, filepath.Join(workspace, "notes.txt"), "remember")

	if !s.Persist(ctx, "sess-1", workspace, "support-bot") {
		t.Fatal("expected persist to succeed")
	}
	if !s.Has(ctx, "sess-1") {
		t.Fatal("expected snapshot to exist")
	}

	target := t.TempDir()
	if !s.Restore(ctx, "sess-1", target) {
		t.Fatal("expected restore to succeed")
	}

	for _, rel := range []string{"CLAUDE.md", filepath.Join("src", "main.py"), "notes.txt"} {
		want, _ := os.ReadFile(filepath.Join(workspace, rel))
		got, err := os.ReadFile(filepath.Join(target, rel))
		if err != nil {
			t.Fatalf("missing restored file %s: %v", rel, err)
		}
		if string(got) != string(want) {
			t.Errorf("file %s: expected %q, got %q", rel, want, got)
		}
	}
}

func TestPersistSkipsExcludedPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "keep.txt"), "keep")
	writeFile(t, filepath.Join(workspace, "node_modules", "lodash", "index.js"), "junk")
	writeFile(t, filepath.Join(workspace, ".git", "HEAD"), "ref: main")
	writeFile(t, filepath.Join(workspace, "__pycache__", "mod.pyc"), "bytecode")
	writeFile(t, filepath.Join(workspace, "bridge.sock"), "")
	writeFile(t, filepath.Join(workspace, "run.pid"), "1234")
	writeFile(t, filepath.Join(workspace, "nested", ".venv", "bin", "python"), "")

	if !s.Persist(ctx, "sess-2", workspace, "bot") {
		t.Fatal("expected persist to succeed")
	}

	target := t.TempDir()
	if !s.Restore(ctx, "sess-2", target) {
		t.Fatal("expected restore to succeed")
	}

	if _, err := os.Stat(filepath.Join(target, "keep.txt")); err != nil {
		t.Error("expected keep.txt to survive")
	}
	for _, rel := range []string{
		"node_modules", ".git", "__pycache__", "bridge.sock", "run.pid",
		filepath.Join("nested", ".venv"),
	} {
		if _, err := os.Stat(filepath.Join(target, rel)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be excluded from snapshot", rel)
		}
	}
}

func TestPersistWritesMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "a.txt"), "a")

	if !s.Persist(ctx, "sess-3", workspace, "triage-bot") {
		t.Fatal("expected persist to succeed")
	}

	meta, err := s.Metadata("sess-3")
	if err != nil {
		t.Fatalf("failed to read metadata: %v", err)
	}
	if meta.SessionID != "sess-3" {
		t.Errorf("expected session id sess-3, got %q", meta.SessionID)
	}
	if meta.AgentName != "triage-bot" {
		t.Errorf("expected agent triage-bot, got %q", meta.AgentName)
	}
	if meta.PersistedAt.IsZero() {
		t.Error("expected persistedAt to be set")
	}
}

func TestPersistReplacesPreviousSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "old.txt"), "old")
	if !s.Persist(ctx, "sess-4", workspace, "bot") {
		t.Fatal("expected first persist to succeed")
	}

	if err := os.Remove(filepath.Join(workspace, "old.txt")); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}
	writeFile(t, filepath.Join(workspace, "new.txt"), "new")
	if !s.Persist(ctx, "sess-4", workspace, "bot") {
		t.Fatal("expected second persist to succeed")
	}

	target := t.TempDir()
	if !s.Restore(ctx, "sess-4", target) {
		t.Fatal("expected restore to succeed")
	}
	if _, err := os.Stat(filepath.Join(target, "old.txt")); !os.IsNotExist(err) {
		t.Error("expected old.txt to be gone after re-persist")
	}
	if _, err := os.Stat(filepath.Join(target, "new.txt")); err != nil {
		t.Error("expected new.txt in refreshed snapshot")
	}
}

func TestRestoreMissingSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if s.Restore(ctx, "nope", t.TempDir()) {
		t.Error("expected restore of missing snapshot to return false")
	}
	if s.Has(ctx, "nope") {
		t.Error("expected Has to be false for missing snapshot")
	}
}

func TestDeleteSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "a.txt"), "a")
	if !s.Persist(ctx, "sess-5", workspace, "bot") {
		t.Fatal("expected persist to succeed")
	}

	if !s.Delete(ctx, "sess-5") {
		t.Error("expected delete to succeed")
	}
	if s.Has(ctx, "sess-5") {
		t.Error("expected snapshot gone after delete")
	}
	// Deleting again is a no-op, not a failure.
	if !s.Delete(ctx, "sess-5") {
		t.Error("expected deleting a missing snapshot to succeed")
	}
}

func TestTarballRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "workspace", "main.go"), "package main")
	writeFile(t, filepath.Join(src, "metadata.json"), `{"sessionId":"x"}`)

	tarPath := filepath.Join(t.TempDir(), "snap.tar.gz")
	if err := createTarball(src, tarPath); err != nil {
		t.Fatalf("failed to create tarball: %v", err)
	}

	dst := t.TempDir()
	if err := extractTarball(tarPath, dst); err != nil {
		t.Fatalf("failed to extract tarball: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "workspace", "main.go"))
	if err != nil {
		t.Fatalf("missing extracted file: %v", err)
	}
	if string(got) != "package main" {
		t.Errorf("expected file content to round-trip, got %q", got)
	}
}
