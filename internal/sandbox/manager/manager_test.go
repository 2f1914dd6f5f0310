package manager

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/protocol"
	"github.com/ashrun/ash/internal/sandbox/limits"
)

// fakeSpawner runs an in-process NDJSON responder on the socket named in
// the spawn env, standing in for a real bridge process.
type fakeSpawner struct {
	mu    sync.Mutex
	procs map[string]*fakeProcess
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{procs: make(map[string]*fakeProcess)}
}

func (f *fakeSpawner) Spawn(ctx context.Context, spec limits.SpawnSpec) (limits.Process, error) {
	socket := spec.Env["ASH_BRIDGE_SOCKET"]
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, err
	}
	proc := &fakeProcess{ln: ln, exited: make(chan struct{})}
	f.mu.Lock()
	f.procs[spec.Name] = proc
	f.mu.Unlock()

	go proc.serve()
	return proc, nil
}

func (f *fakeSpawner) proc(name string) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[name]
}

type fakeProcess struct {
	ln       net.Listener
	exitOnce sync.Once
	exited   chan struct{}
}

func (p *fakeProcess) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *fakeProcess) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)

	_ = enc.Encode(protocol.Ready())
	for {
		cmd, err := dec.NextCommand()
		if err != nil {
			return
		}
		switch cmd.Cmd {
		case protocol.CmdExec:
			_ = enc.Encode(protocol.ExecResult(0, "ran: "+cmd.Command, ""))
		case protocol.CmdQuery:
			_ = enc.Encode(protocol.Message([]byte(`{"type":"result"}`)))
			_ = enc.Encode(protocol.Done("up-1"))
		case protocol.CmdShutdown:
			p.exit()
			return
		}
	}
}

func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		_ = p.ln.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) Wait() limits.ExitStatus {
	<-p.exited
	return limits.ExitStatus{Code: 0}
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.exit()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProcess) Caps() limits.Capabilities {
	return limits.Capabilities{CPUCapped: true, MemCapped: true, ProcessCapped: true}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		Timeouts: config.TimeoutsConfig{
			BridgeReady:   5,
			Install:       10,
			ShutdownGrace: 2,
			ExecDefault:   5,
		},
	}
}

func testManager(t *testing.T) (*Manager, *fakeSpawner) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatal(err)
	}
	spawner := newFakeSpawner()
	return New(testConfig(t), spawner, log), spawner
}

func writeAgentBundle(t *testing.T, install string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("# test agent"), 0o644); err != nil {
		t.Fatal(err)
	}
	if install != "" {
		if err := os.WriteFile(filepath.Join(dir, "install.sh"), []byte(install), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestCreateExecDestroy(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	agentDir := writeAgentBundle(t, "echo ok > installed.txt\n")

	info, err := m.Create(ctx, CreateSpec{
		SandboxID: "sess-1",
		AgentName: "coder",
		AgentDir:  agentDir,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.PID != 4242 {
		t.Errorf("PID = %d", info.PID)
	}
	if !m.Alive("sess-1") {
		t.Fatal("sandbox should be alive")
	}

	if _, err := os.Stat(filepath.Join(info.WorkspaceDir, "CLAUDE.md")); err != nil {
		t.Error("agent bundle not copied into workspace")
	}
	if _, err := os.Stat(filepath.Join(info.WorkspaceDir, "installed.txt")); err != nil {
		t.Error("install.sh did not run")
	}

	res, err := m.Exec(ctx, "sess-1", "ls", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "ran: ls" {
		t.Errorf("Exec stdout = %q", res.Stdout)
	}

	live, _ := m.Counts()
	if live != 1 {
		t.Errorf("live = %d, want 1", live)
	}

	if err := m.Destroy(ctx, "sess-1", true); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if m.Alive("sess-1") {
		t.Error("sandbox should be gone after destroy")
	}
	if _, err := os.Stat(info.WorkspaceDir); !os.IsNotExist(err) {
		t.Error("workspace should be removed")
	}
	if _, err := os.Stat(info.SocketPath); !os.IsNotExist(err) {
		t.Error("socket should be removed")
	}

	// Idempotent.
	if err := m.Destroy(ctx, "sess-1", true); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
}

func TestCreateRollsBackOnInstallFailure(t *testing.T) {
	m, _ := testManager(t)
	agentDir := writeAgentBundle(t, "echo boom >&2\nexit 3\n")

	_, err := m.Create(context.Background(), CreateSpec{
		SandboxID: "sess-bad",
		AgentName: "coder",
		AgentDir:  agentDir,
	})
	if err == nil {
		t.Fatal("Create should fail when install.sh fails")
	}
	if m.Alive("sess-bad") {
		t.Error("failed create must not leave an instance")
	}
	if _, statErr := os.Stat(m.WorkspacePath("sess-bad")); !os.IsNotExist(statErr) {
		t.Error("failed create must remove the workspace")
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	agentDir := writeAgentBundle(t, "")

	if _, err := m.Create(ctx, CreateSpec{SandboxID: "dup", AgentName: "a", AgentDir: agentDir}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = m.Destroy(ctx, "dup", true) })

	_, err := m.Create(ctx, CreateSpec{SandboxID: "dup", AgentName: "a", AgentDir: agentDir})
	if !errs.Is(err, errs.KindInvalidState) {
		t.Errorf("duplicate create: want KindInvalidState, got %v", err)
	}
}

func TestCreateRunsRestoreBeforeSpawn(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	agentDir := writeAgentBundle(t, "")

	restored := false
	_, err := m.Create(ctx, CreateSpec{
		SandboxID: "sess-restore",
		AgentName: "coder",
		AgentDir:  agentDir,
		Restore: func(ws string) bool {
			restored = true
			return os.WriteFile(filepath.Join(ws, "state.json"), []byte("{}"), 0o644) == nil
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = m.Destroy(ctx, "sess-restore", true) })

	if !restored {
		t.Fatal("restore hook did not run")
	}
	data, err := m.ReadFile("sess-restore", "state.json")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("restored content = %q", data)
	}
}

func TestWorkspaceFileOps(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	agentDir := writeAgentBundle(t, "")

	if _, err := m.Create(ctx, CreateSpec{SandboxID: "sess-f", AgentName: "a", AgentDir: agentDir}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = m.Destroy(ctx, "sess-f", true) })

	if err := m.WriteFile("sess-f", "src/app.py", []byte("x = 1\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := m.ReadFiles("sess-f")
	if err != nil {
		t.Fatalf("ReadFiles: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Path == "src/app.py" && !e.Dir {
			found = true
		}
	}
	if !found {
		t.Errorf("listing missing src/app.py: %+v", entries)
	}

	if _, err := m.ReadFile("sess-f", "../escape"); !errs.Is(err, errs.KindBadRequest) {
		t.Errorf("traversal read: want KindBadRequest, got %v", err)
	}
	if _, err := m.ReadFile("sess-f", "missing.txt"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("missing read: want KindNotFound, got %v", err)
	}

	if err := m.DeleteFile("sess-f", "src/app.py"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := m.ReadFile("sess-f", "src/app.py"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("deleted read: want KindNotFound, got %v", err)
	}
}

func TestUnexpectedExitNotifiesHandler(t *testing.T) {
	m, spawner := testManager(t)
	ctx := context.Background()
	agentDir := writeAgentBundle(t, "")

	exitCh := make(chan string, 1)
	m.SetExitHandler(func(id string, status limits.ExitStatus) {
		exitCh <- id
	})

	if _, err := m.Create(ctx, CreateSpec{SandboxID: "sess-x", AgentName: "a", AgentDir: agentDir}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	spawner.proc("sess-x").exit()

	select {
	case id := <-exitCh:
		if id != "sess-x" {
			t.Errorf("exit handler id = %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("exit handler not called")
	}
	if m.Alive("sess-x") {
		t.Error("dead sandbox should be untracked")
	}
}
