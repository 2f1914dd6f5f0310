package agents

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/snapshot"
	"github.com/ashrun/ash/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := &config.Config{DBDriver: config.DriverSQLite, DataDir: t.TempDir()}

	pool, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatal(err)
	}

	reg, err := New(cfg, st, nil, log)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return reg
}

func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDeployAndGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	src := writeBundle(t, map[string]string{
		"CLAUDE.md":  "# reviewer",
		".mcp.json":  `{"mcpServers":{}}`,
		"install.sh": "#!/bin/sh\n",
	})

	agent, err := reg.Deploy(ctx, store.DefaultTenant, "reviewer", src)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if agent.Version != 1 {
		t.Errorf("version = %d, want 1", agent.Version)
	}

	got, err := reg.Get(ctx, store.DefaultTenant, "reviewer")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Path != reg.BundleDir("reviewer") {
		t.Errorf("path = %q, want %q", got.Path, reg.BundleDir("reviewer"))
	}
	data, err := os.ReadFile(filepath.Join(got.Path, InstructionsFile))
	if err != nil {
		t.Fatalf("deployed bundle unreadable: %v", err)
	}
	if string(data) != "# reviewer" {
		t.Errorf("%s = %q", InstructionsFile, data)
	}
}

func TestRedeployBumpsVersionAndSwapsContent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	v1 := writeBundle(t, map[string]string{"CLAUDE.md": "v1", "old.txt": "stale"})
	if _, err := reg.Deploy(ctx, store.DefaultTenant, "coder", v1); err != nil {
		t.Fatalf("first Deploy: %v", err)
	}

	v2 := writeBundle(t, map[string]string{"CLAUDE.md": "v2", "new.txt": "fresh"})
	agent, err := reg.Deploy(ctx, store.DefaultTenant, "coder", v2)
	if err != nil {
		t.Fatalf("second Deploy: %v", err)
	}
	if agent.Version != 2 {
		t.Errorf("version = %d, want 2", agent.Version)
	}

	dir := reg.BundleDir("coder")
	if data, _ := os.ReadFile(filepath.Join(dir, "CLAUDE.md")); string(data) != "v2" {
		t.Errorf("CLAUDE.md after redeploy = %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !os.IsNotExist(err) {
		t.Error("old bundle file survived the swap")
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); err != nil {
		t.Error("new bundle file missing after swap")
	}
}

func TestDeployRejectsBundleWithoutInstructions(t *testing.T) {
	reg := newTestRegistry(t)
	src := writeBundle(t, map[string]string{"readme.txt": "not an agent"})

	_, err := reg.Deploy(context.Background(), store.DefaultTenant, "broken", src)
	if !errs.Is(err, errs.KindBadRequest) {
		t.Fatalf("Deploy without %s: want KindBadRequest, got %v", InstructionsFile, err)
	}
	if _, err := reg.Get(context.Background(), store.DefaultTenant, "broken"); !errs.Is(err, errs.KindNotFound) {
		t.Error("failed deploy must not register the agent")
	}
}

func TestRedeployFailureKeepsPreviousVersion(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	good := writeBundle(t, map[string]string{"CLAUDE.md": "keep me"})
	if _, err := reg.Deploy(ctx, store.DefaultTenant, "stable", good); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	bad := writeBundle(t, map[string]string{"junk.txt": "no instructions"})
	if _, err := reg.Deploy(ctx, store.DefaultTenant, "stable", bad); err == nil {
		t.Fatal("invalid redeploy should fail")
	}

	agent, err := reg.Get(ctx, store.DefaultTenant, "stable")
	if err != nil {
		t.Fatalf("Get after failed redeploy: %v", err)
	}
	if agent.Version != 1 {
		t.Errorf("version = %d, want 1 after failed redeploy", agent.Version)
	}
	if data, _ := os.ReadFile(filepath.Join(reg.BundleDir("stable"), "CLAUDE.md")); string(data) != "keep me" {
		t.Errorf("bundle content after failed redeploy = %q", data)
	}
}

func TestDeployRejectsBadNames(t *testing.T) {
	reg := newTestRegistry(t)
	src := writeBundle(t, map[string]string{"CLAUDE.md": "x"})

	for _, name := range []string{"", "..", "a/b", `a\b`, ".hidden"} {
		if _, err := reg.Deploy(context.Background(), store.DefaultTenant, name, src); !errs.Is(err, errs.KindBadRequest) {
			t.Errorf("Deploy(%q): want KindBadRequest, got %v", name, err)
		}
	}
}

func TestDeployBundleFromArchive(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	src := writeBundle(t, map[string]string{
		"CLAUDE.md":      "# packaged",
		"skills/todo.md": "steps",
	})

	var buf bytes.Buffer
	if err := snapshot.WriteBundleArchive(&buf, src); err != nil {
		t.Fatalf("WriteBundleArchive: %v", err)
	}

	agent, err := reg.DeployBundle(ctx, store.DefaultTenant, "packaged", &buf)
	if err != nil {
		t.Fatalf("DeployBundle: %v", err)
	}
	if agent.Version != 1 {
		t.Errorf("version = %d", agent.Version)
	}

	entries, err := reg.Files(ctx, store.DefaultTenant, "packaged")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	var sawInstructions, sawSkill bool
	for _, e := range entries {
		switch e.Path {
		case "CLAUDE.md":
			sawInstructions = true
		case "skills/todo.md":
			sawSkill = true
		}
	}
	if !sawInstructions || !sawSkill {
		t.Errorf("bundle listing incomplete: %+v", entries)
	}
}

func TestDeployBundleRejectsGarbageArchive(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.DeployBundle(context.Background(), store.DefaultTenant, "garbage", bytes.NewReader([]byte("not a tarball")))
	if !errs.Is(err, errs.KindBadRequest) {
		t.Fatalf("garbage archive: want KindBadRequest, got %v", err)
	}
}

func TestDeleteRemovesRowAndBundle(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	src := writeBundle(t, map[string]string{"CLAUDE.md": "bye"})

	if _, err := reg.Deploy(ctx, store.DefaultTenant, "doomed", src); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := reg.Delete(ctx, store.DefaultTenant, "doomed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := reg.Get(ctx, store.DefaultTenant, "doomed"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Get after delete: want KindNotFound, got %v", err)
	}
	if _, err := os.Stat(reg.BundleDir("doomed")); !os.IsNotExist(err) {
		t.Error("bundle dir should be removed")
	}

	if err := reg.Delete(ctx, store.DefaultTenant, "doomed"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("double delete: want KindNotFound, got %v", err)
	}
}

func TestReadFileGuards(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	src := writeBundle(t, map[string]string{"CLAUDE.md": "content"})

	if _, err := reg.Deploy(ctx, store.DefaultTenant, "guarded", src); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	data, err := reg.ReadFile(ctx, store.DefaultTenant, "guarded", "CLAUDE.md")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "content" {
		t.Errorf("ReadFile = %q", data)
	}

	if _, err := reg.ReadFile(ctx, store.DefaultTenant, "guarded", "../../etc/passwd"); !errs.Is(err, errs.KindBadRequest) {
		t.Errorf("traversal: want KindBadRequest, got %v", err)
	}
	if _, err := reg.ReadFile(ctx, store.DefaultTenant, "guarded", "absent.txt"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("missing file: want KindNotFound, got %v", err)
	}
}

func TestListAgents(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta"} {
		src := writeBundle(t, map[string]string{"CLAUDE.md": name})
		if _, err := reg.Deploy(ctx, store.DefaultTenant, name, src); err != nil {
			t.Fatalf("Deploy %s: %v", name, err)
		}
	}

	agents, err := reg.List(ctx, store.DefaultTenant)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("List returned %d agents, want 2", len(agents))
	}
}
