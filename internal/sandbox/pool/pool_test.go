package pool

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
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/events"
	"github.com/ashrun/ash/internal/protocol"
	"github.com/ashrun/ash/internal/runner"
	"github.com/ashrun/ash/internal/sandbox/limits"
	"github.com/ashrun/ash/internal/sandbox/manager"
	"github.com/ashrun/ash/internal/snapshot"
	"github.com/ashrun/ash/internal/store"
)

// fakeSpawner runs an in-process NDJSON responder on the socket named in
// the spawn env, standing in for a real bridge process.
type fakeSpawner struct {
	mu      sync.Mutex
	procs   map[string]*fakeProcess
	spawned int
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
	f.spawned++
	f.mu.Unlock()

	go proc.serve()
	return proc, nil
}

func (f *fakeSpawner) proc(name string) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[name]
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned
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

// testLocks is the minimal SessionLocks the pool needs: one channel-mutex
// per session id. The real lock map lives with the session service, which
// sits above this package.
type testLocks struct {
	mu sync.Mutex
	ch map[string]chan struct{}
}

func newTestLocks() *testLocks {
	return &testLocks{ch: make(map[string]chan struct{})}
}

func (l *testLocks) slot(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.ch[id]
	if !ok {
		c = make(chan struct{}, 1)
		l.ch[id] = c
	}
	return c
}

func (l *testLocks) TryLock(id string) (func(), bool) {
	c := l.slot(id)
	select {
	case c <- struct{}{}:
		return func() { <-c }, true
	default:
		return nil, false
	}
}

func (l *testLocks) Lock(ctx context.Context, id string) (func(), error) {
	c := l.slot(id)
	select {
	case c <- struct{}{}:
		return func() { <-c }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type poolRig struct {
	cfg     *config.Config
	st      *store.Store
	snaps   *snapshot.Store
	mgr     *manager.Manager
	spawner *fakeSpawner
	locks   *testLocks
	pool    *Pool
}

func newPoolRig(t *testing.T, maxSandboxes int) *poolRig {
	t.Helper()
	cfg := &config.Config{
		Mode:             config.ModeStandalone,
		DBDriver:         config.DriverSQLite,
		DataDir:          t.TempDir(),
		MaxSandboxes:     maxSandboxes,
		IdleTimeoutMS:    60_000,
		ColdCleanupTTLMS: 3_600_000,
		Timeouts: config.TimeoutsConfig{
			BridgeReady:   5,
			Install:       10,
			ShutdownGrace: 2,
			ExecDefault:   5,
		},
	}

	database, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	st, err := store.New(database)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatal(err)
	}

	snaps, err := snapshot.New(cfg, log)
	if err != nil {
		t.Fatalf("failed to create snapshot store: %v", err)
	}

	spawner := newFakeSpawner()
	mgr := manager.New(cfg, spawner, log)
	t.Cleanup(func() { _ = mgr.DestroyAll(context.Background()) })

	local := runner.NewLocalNode(mgr, snaps, log)
	registry := runner.NewRegistry(st, nil, cfg, log)
	router := runner.NewRouter(cfg, local, registry, snaps, log)
	locks := newTestLocks()

	return &poolRig{
		cfg:     cfg,
		st:      st,
		snaps:   snaps,
		mgr:     mgr,
		spawner: spawner,
		locks:   locks,
		pool:    New(cfg, st, router, snaps, nil, locks, log),
	}
}

func (r *poolRig) newSession(t *testing.T, id string) *store.Session {
	t.Helper()
	sess := &store.Session{ID: id, AgentName: "coder", Status: store.SessionActive}
	if err := r.st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func (r *poolRig) acquire(t *testing.T, sess *store.Session, agentDir string) runner.Node {
	t.Helper()
	node, err := r.pool.AcquireForSession(context.Background(), sess, runner.CreateRequest{AgentDir: agentDir})
	if err != nil {
		t.Fatalf("AcquireForSession(%s): %v", sess.ID, err)
	}
	return node
}

func (r *poolRig) sandboxState(t *testing.T, id string) store.SandboxState {
	t.Helper()
	sb, err := r.st.GetSandbox(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSandbox(%s): %v", id, err)
	}
	return sb.State
}

func (r *poolRig) sessionStatus(t *testing.T, id string) (store.SessionStatus, string) {
	t.Helper()
	sess, err := r.st.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession(%s): %v", id, err)
	}
	return sess.Status, sess.ErrorMessage
}

func writeAgentBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("# test agent"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestAcquireColdThenWarm(t *testing.T) {
	rig := newPoolRig(t, 2)
	ctx := context.Background()
	agentDir := writeAgentBundle(t)
	sess := rig.newSession(t, "s1")

	node := rig.acquire(t, sess, agentDir)
	if !node.Alive(ctx, "s1") {
		t.Fatal("sandbox should be alive after acquire")
	}
	if got := rig.sandboxState(t, "s1"); got != store.SandboxWaiting {
		t.Errorf("state after create = %q, want waiting", got)
	}
	if m := rig.pool.Metrics(); m.ResumeColdHits != 1 || m.ResumeWarmHits != 0 {
		t.Errorf("metrics after cold create = %+v", m)
	}

	again := rig.acquire(t, sess, agentDir)
	if again != node {
		t.Error("warm acquire should return the same node")
	}
	if rig.spawner.count() != 1 {
		t.Errorf("spawn count = %d, warm acquire must not respawn", rig.spawner.count())
	}
	if m := rig.pool.Metrics(); m.ResumeWarmHits != 1 {
		t.Errorf("metrics after warm acquire = %+v", m)
	}
}

func TestEvictSnapshotsAndPausesSession(t *testing.T) {
	rig := newPoolRig(t, 1)
	ctx := context.Background()
	agentDir := writeAgentBundle(t)
	sess := rig.newSession(t, "s1")
	rig.acquire(t, sess, agentDir)

	if err := rig.mgr.WriteFile("s1", "notes.txt", []byte("keep me")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := rig.pool.Evict(ctx, "s1", events.EvictReasonIdle); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if got := rig.sandboxState(t, "s1"); got != store.SandboxCold {
		t.Errorf("state after evict = %q, want cold", got)
	}
	if status, _ := rig.sessionStatus(t, "s1"); status != store.SessionPaused {
		t.Errorf("session status after idle evict = %q, want paused", status)
	}
	if rig.mgr.Alive("s1") {
		t.Error("process should be gone after evict")
	}
	if !rig.snaps.Has(ctx, "s1") {
		t.Fatal("evict should leave a workspace snapshot")
	}

	// Idempotent on a cold record.
	if err := rig.pool.Evict(ctx, "s1", events.EvictReasonIdle); err != nil {
		t.Errorf("second Evict: %v", err)
	}

	// Cold resume restores the workspace into a fresh sandbox.
	rig.acquire(t, sess, agentDir)
	data, err := rig.mgr.ReadFile("s1", "notes.txt")
	if err != nil {
		t.Fatalf("ReadFile after cold resume: %v", err)
	}
	if string(data) != "keep me" {
		t.Errorf("restored content = %q", data)
	}
	if m := rig.pool.Metrics(); m.ResumeColdHits != 2 || m.Evictions != 1 {
		t.Errorf("metrics after cold resume = %+v", m)
	}
}

func TestAcquireEvictsLRUAtCapacity(t *testing.T) {
	rig := newPoolRig(t, 1)
	ctx := context.Background()
	agentDir := writeAgentBundle(t)

	s1 := rig.newSession(t, "s1")
	rig.acquire(t, s1, agentDir)

	s2 := rig.newSession(t, "s2")
	rig.acquire(t, s2, agentDir)

	if got := rig.sandboxState(t, "s1"); got != store.SandboxCold {
		t.Errorf("s1 state = %q, want cold after LRU eviction", got)
	}
	if status, _ := rig.sessionStatus(t, "s1"); status != store.SessionPaused {
		t.Errorf("s1 status = %q, want paused", status)
	}
	if !rig.snaps.Has(ctx, "s1") {
		t.Error("LRU eviction should snapshot the victim")
	}
	if got := rig.sandboxState(t, "s2"); got != store.SandboxWaiting {
		t.Errorf("s2 state = %q, want waiting", got)
	}

	count, err := rig.st.CountLiveSandboxes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("live count = %d, capacity cap is 1", count)
	}
}

func TestAcquireCapacityExceededWhenNothingEvictable(t *testing.T) {
	rig := newPoolRig(t, 1)
	ctx := context.Background()
	agentDir := writeAgentBundle(t)

	s1 := rig.newSession(t, "s1")
	rig.acquire(t, s1, agentDir)
	s2 := rig.newSession(t, "s2")

	// A running sandbox is never an eviction candidate.
	if err := rig.pool.MarkRunning(ctx, "s1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	_, err := rig.pool.AcquireForSession(ctx, s2, runner.CreateRequest{AgentDir: agentDir})
	if !errs.Is(err, errs.KindCapacityExceeded) {
		t.Fatalf("acquire with running occupant: want KindCapacityExceeded, got %v", err)
	}

	// Waiting but mid-operation: the session lock is held, so it is skipped.
	if err := rig.pool.MarkWaiting(ctx, "s1"); err != nil {
		t.Fatalf("MarkWaiting: %v", err)
	}
	release, ok := rig.locks.TryLock("s1")
	if !ok {
		t.Fatal("test lock on s1 should succeed")
	}
	_, err = rig.pool.AcquireForSession(ctx, s2, runner.CreateRequest{AgentDir: agentDir})
	if !errs.Is(err, errs.KindCapacityExceeded) {
		t.Fatalf("acquire with locked occupant: want KindCapacityExceeded, got %v", err)
	}
	release()

	// The failed reservations must not leave records behind.
	if _, err := rig.st.GetSandbox(ctx, "s2"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("failed acquire left a sandbox record: %v", err)
	}

	// Once the occupant is unlocked the acquire goes through.
	rig.acquire(t, s2, agentDir)
	if got := rig.sandboxState(t, "s1"); got != store.SandboxCold {
		t.Errorf("s1 state = %q, want cold", got)
	}
}

func TestMarkRunningAndWaiting(t *testing.T) {
	rig := newPoolRig(t, 1)
	ctx := context.Background()
	sess := rig.newSession(t, "s1")
	rig.acquire(t, sess, writeAgentBundle(t))

	if err := rig.pool.MarkRunning(ctx, "s1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if got := rig.sandboxState(t, "s1"); got != store.SandboxRunning {
		t.Errorf("state = %q, want running", got)
	}

	if err := rig.pool.MarkWaiting(ctx, "s1"); err != nil {
		t.Fatalf("MarkWaiting: %v", err)
	}
	if got := rig.sandboxState(t, "s1"); got != store.SandboxWaiting {
		t.Errorf("state = %q, want waiting", got)
	}

	// A cold record stays cold; the transitions must not resurrect it.
	if err := rig.pool.Evict(ctx, "s1", events.EvictReasonIdle); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if err := rig.pool.MarkRunning(ctx, "s1"); err != nil {
		t.Errorf("MarkRunning on cold record: %v", err)
	}
	if got := rig.sandboxState(t, "s1"); got != store.SandboxCold {
		t.Errorf("state = %q, cold record must not transition", got)
	}
}

func TestHandleSandboxExitFailsSession(t *testing.T) {
	rig := newPoolRig(t, 2)
	sess := rig.newSession(t, "s1")
	rig.mgr.SetExitHandler(rig.pool.HandleSandboxExit)
	rig.acquire(t, sess, writeAgentBundle(t))

	rig.spawner.proc("s1").exit()

	deadline := time.Now().Add(3 * time.Second)
	for {
		status, msg := rig.sessionStatus(t, "s1")
		if status == store.SessionError {
			if msg != "sandbox process exited unexpectedly" {
				t.Errorf("error message = %q", msg)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session status = %q, want error after sandbox exit", status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if got := rig.sandboxState(t, "s1"); got != store.SandboxCold {
		t.Errorf("state = %q, want cold", got)
	}
	if m := rig.pool.Metrics(); m.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", m.Evictions)
	}
}

func TestHandleSandboxExitOOM(t *testing.T) {
	rig := newPoolRig(t, 1)
	sess := rig.newSession(t, "s1")
	rig.acquire(t, sess, writeAgentBundle(t))

	rig.pool.HandleSandboxExit("s1", limits.ExitStatus{Code: 137, OOM: true})

	status, msg := rig.sessionStatus(t, "s1")
	if status != store.SessionError {
		t.Fatalf("status = %q, want error", status)
	}
	if msg != "sandbox killed: out of memory" {
		t.Errorf("error message = %q", msg)
	}

	// A second report for the now-cold record is a no-op.
	rig.pool.HandleSandboxExit("s1", limits.ExitStatus{Code: 1})
	if m := rig.pool.Metrics(); m.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", m.Evictions)
	}
}

func TestRecoverReconcilesRecords(t *testing.T) {
	rig := newPoolRig(t, 3)
	ctx := context.Background()

	// s1 has a live process, left in running by a crash mid-query.
	s1 := rig.newSession(t, "s1")
	rig.acquire(t, s1, writeAgentBundle(t))
	if err := rig.pool.MarkRunning(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	// s2 has a record but no process behind it.
	rig.newSession(t, "s2")
	if err := rig.st.CreateSandbox(ctx, &store.Sandbox{
		ID: "s2", SessionID: "s2", AgentName: "coder", State: store.SandboxWaiting,
	}); err != nil {
		t.Fatal(err)
	}

	if err := rig.pool.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if got := rig.sandboxState(t, "s1"); got != store.SandboxWaiting {
		t.Errorf("s1 state = %q, survivors return to waiting", got)
	}
	if got := rig.sandboxState(t, "s2"); got != store.SandboxCold {
		t.Errorf("s2 state = %q, dead records go cold", got)
	}
}

func TestSweepIdleEvictsStaleSandboxes(t *testing.T) {
	rig := newPoolRig(t, 2)
	rig.cfg.IdleTimeoutMS = 1000
	ctx := context.Background()

	sess := rig.newSession(t, "s1")
	rig.acquire(t, sess, writeAgentBundle(t))

	// Not idle yet.
	rig.pool.sweepIdle(ctx)
	if got := rig.sandboxState(t, "s1"); got != store.SandboxWaiting {
		t.Fatalf("state = %q, fresh sandbox must survive the sweep", got)
	}

	// Outlast the 1s timeout with margin for the cutoff's one-second
	// resolution.
	time.Sleep(2200 * time.Millisecond)

	// Mid-operation sessions are skipped even when idle.
	release, _ := rig.locks.TryLock("s1")
	rig.pool.sweepIdle(ctx)
	if got := rig.sandboxState(t, "s1"); got != store.SandboxWaiting {
		t.Fatalf("state = %q, locked session must survive the sweep", got)
	}
	release()

	rig.pool.sweepIdle(ctx)
	if got := rig.sandboxState(t, "s1"); got != store.SandboxCold {
		t.Errorf("state = %q, want cold after idle sweep", got)
	}
	if status, _ := rig.sessionStatus(t, "s1"); status != store.SessionPaused {
		t.Errorf("status = %q, want paused", status)
	}
}

func TestCleanupColdDeletesStaleRecords(t *testing.T) {
	rig := newPoolRig(t, 1)
	rig.cfg.ColdCleanupTTLMS = 1000
	ctx := context.Background()

	sess := rig.newSession(t, "s1")
	rig.acquire(t, sess, writeAgentBundle(t))
	if err := rig.pool.Evict(ctx, "s1", events.EvictReasonIdle); err != nil {
		t.Fatal(err)
	}
	if err := rig.st.UpdateSessionStatus(ctx, "s1", store.SessionEnded, ""); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2200 * time.Millisecond)
	rig.pool.cleanupCold(ctx)

	if _, err := rig.st.GetSandbox(ctx, "s1"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("cold record should be deleted, got %v", err)
	}
	if rig.snaps.Has(ctx, "s1") {
		t.Error("ended session's snapshot should be deleted with the record")
	}
}
