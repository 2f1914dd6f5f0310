// Package manager creates and destroys the sandboxes hosted by this
// process: workspace preparation, agent install, bridge spawn under the
// resource-limits layer, and the bridge client handshake.
//
// The manager is deliberately store-free. It owns processes, workspaces,
// and sockets; durable state (sandbox records, session status) belongs to
// the pool on the coordinator.
package manager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ashrun/ash/internal/bridge/client"
	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/fsutil"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/protocol"
	"github.com/ashrun/ash/internal/sandbox/limits"
	"github.com/ashrun/ash/internal/snapshot"
)

// BridgeBinary is the executable spawned inside each sandbox. It is looked
// up next to the current executable first, then on PATH.
const BridgeBinary = "ash-bridge"

// CreateSpec describes one sandbox to create. Exactly one of AgentDir or
// AgentArchive must be set; WorkspaceArchive and Restore are optional and
// mutually exclusive ways to lay a previous workspace over the agent copy
// before install runs.
type CreateSpec struct {
	SandboxID string
	AgentName string

	// AgentDir is a local agent bundle to copy into the workspace.
	AgentDir string
	// AgentArchive is a gzip tarball of the agent bundle; runners receive
	// bundles this way.
	AgentArchive io.Reader

	// Restore lays a snapshot into the prepared workspace. It reports
	// whether anything was restored.
	Restore func(workspaceDir string) bool
	// WorkspaceArchive is a workspace tarball to unpack instead of Restore.
	WorkspaceArchive io.Reader

	// CredentialEnv and ExtraEnv are merged into the bridge environment on
	// top of the host allowlist; ExtraEnv wins on collisions.
	CredentialEnv map[string]string
	ExtraEnv      map[string]string

	// StartupScript is shell source run in the workspace after install,
	// before the bridge spawns.
	StartupScript string
}

// Info is the manager's public view of one live sandbox.
type Info struct {
	SandboxID    string              `json:"sandboxId"`
	AgentName    string              `json:"agentName"`
	WorkspaceDir string              `json:"workspaceDir"`
	SocketPath   string              `json:"socketPath"`
	Caps         limits.Capabilities `json:"caps"`
	PID          int                 `json:"pid"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// ExitHandler is notified when a sandbox process exits outside a deliberate
// destroy. The pool uses it to mark records cold and fail the session.
type ExitHandler func(sandboxID string, status limits.ExitStatus)

// DiskHandler is notified when a sandbox crosses its disk cap. It runs on
// the monitor goroutine and must only schedule work.
type DiskHandler func(sandboxID string, sizeBytes int64)

// LogSink receives every bridge log event for a sandbox, in arrival order.
type LogSink func(sandboxID string, entry LogEntry)

type instance struct {
	info    Info
	proc    limits.Process
	client  *client.Client
	diskMon *limits.DiskMonitor
	logs    *logRing

	// exited closes once the process watcher sees the process end.
	exited chan struct{}
	status limits.ExitStatus
}

// Manager tracks the sandboxes hosted by this process.
type Manager struct {
	cfg     *config.Config
	spawner limits.Spawner
	log     *logger.Logger

	mu        sync.RWMutex
	instances map[string]*instance

	warming atomic.Int32

	onExit ExitHandler
	onDisk DiskHandler
	sink   LogSink
}

// New builds a Manager on the given spawner.
func New(cfg *config.Config, spawner limits.Spawner, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		spawner:   spawner,
		log:       log.WithFields(zap.String("component", "sandbox-manager")),
		instances: make(map[string]*instance),
	}
}

// SetExitHandler registers the unexpected-exit callback. Call before the
// first Create.
func (m *Manager) SetExitHandler(h ExitHandler) { m.onExit = h }

// SetDiskHandler registers the disk-cap callback. Call before the first
// Create.
func (m *Manager) SetDiskHandler(h DiskHandler) { m.onDisk = h }

// SetLogSink registers the bridge log fan-out. Call before the first Create.
func (m *Manager) SetLogSink(s LogSink) { m.sink = s }

func (m *Manager) workspaceDir(id string) string {
	return filepath.Join(m.cfg.DataDir, "workspaces", id)
}

func (m *Manager) socketPath(id string) string {
	return filepath.Join(m.cfg.DataDir, "run", id+".sock")
}

// WorkspacePath returns the workspace directory a sandbox with this id uses
// or used. The path is deterministic so sweeps can prune workspaces of
// sandboxes that no longer have an instance.
func (m *Manager) WorkspacePath(id string) string {
	return m.workspaceDir(id)
}

// PruneWorkspace removes the workspace directory left behind by a sandbox
// that is no longer tracked. Live sandboxes are never pruned.
func (m *Manager) PruneWorkspace(id string) {
	m.mu.RLock()
	_, tracked := m.instances[id]
	m.mu.RUnlock()
	if tracked {
		return
	}
	_ = os.RemoveAll(m.workspaceDir(id))
}

// Create builds a sandbox end to end: workspace, agent copy, optional
// restore, install, startup script, bridge spawn, ready handshake. On any
// failure everything already built is rolled back.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*Info, error) {
	if spec.SandboxID == "" {
		return nil, errs.New(errs.KindBadRequest, "sandbox id is required")
	}
	m.mu.Lock()
	if _, exists := m.instances[spec.SandboxID]; exists {
		m.mu.Unlock()
		return nil, errs.Newf(errs.KindInvalidState, "sandbox already exists: %s", spec.SandboxID)
	}
	m.mu.Unlock()

	m.warming.Add(1)
	defer m.warming.Add(-1)

	log := m.log.WithSandboxID(spec.SandboxID)
	start := time.Now()

	workspace := m.workspaceDir(spec.SandboxID)
	if err := os.RemoveAll(workspace); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "clear stale workspace", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "create workspace", err)
	}
	rollback := func() { _ = os.RemoveAll(workspace) }

	switch {
	case spec.AgentArchive != nil:
		if err := snapshot.ExtractWorkspaceArchive(spec.AgentArchive, workspace); err != nil {
			rollback()
			return nil, errs.Wrap(errs.KindBadRequest, "unpack agent bundle", err)
		}
	case spec.AgentDir != "":
		if err := fsutil.CopyTree(spec.AgentDir, workspace); err != nil {
			rollback()
			return nil, errs.Wrap(errs.KindInternal, "copy agent bundle", err)
		}
	default:
		rollback()
		return nil, errs.New(errs.KindBadRequest, "agent bundle is required")
	}

	restored := false
	if spec.WorkspaceArchive != nil {
		if err := snapshot.ExtractWorkspaceArchive(spec.WorkspaceArchive, workspace); err != nil {
			rollback()
			return nil, errs.Wrap(errs.KindInternal, "restore workspace archive", err)
		}
		restored = true
	} else if spec.Restore != nil {
		restored = spec.Restore(workspace)
	}

	if err := m.runInstall(ctx, workspace, log); err != nil {
		rollback()
		return nil, err
	}
	if spec.StartupScript != "" {
		if err := m.runScript(ctx, workspace, spec.StartupScript); err != nil {
			rollback()
			return nil, errs.Wrap(errs.KindInternal, "startup script failed", err)
		}
	}

	socket := m.socketPath(spec.SandboxID)
	if err := os.MkdirAll(filepath.Dir(socket), 0o755); err != nil {
		rollback()
		return nil, errs.Wrap(errs.KindInternal, "create socket dir", err)
	}
	_ = os.Remove(socket)

	env := make(map[string]string, len(spec.CredentialEnv)+len(spec.ExtraEnv)+4)
	for k, v := range spec.CredentialEnv {
		env[k] = v
	}
	for k, v := range spec.ExtraEnv {
		env[k] = v
	}
	env["ASH_BRIDGE_SOCKET"] = socket
	env["ASH_WORKSPACE_DIR"] = workspace
	env["ASH_AGENT_DIR"] = workspace
	env["ASH_SESSION_ID"] = spec.SandboxID

	ring := newLogRing(logRingEntries)

	proc, err := m.spawner.Spawn(ctx, limits.SpawnSpec{
		Name:         spec.SandboxID,
		Command:      bridgeBinary(),
		WorkspaceDir: workspace,
		Env:          env,
		Caps:         limits.CapsFromConfig(m.cfg.Limits),
		Stdout:       ring.writer(protocol.LogSystem),
		Stderr:       ring.writer(protocol.LogSystem),
	})
	if err != nil {
		rollback()
		return nil, errs.Wrap(errs.KindInternal, "spawn bridge", err)
	}

	inst := &instance{
		info: Info{
			SandboxID:    spec.SandboxID,
			AgentName:    spec.AgentName,
			WorkspaceDir: workspace,
			SocketPath:   socket,
			Caps:         proc.Caps(),
			PID:          proc.PID(),
			CreatedAt:    time.Now().UTC(),
		},
		proc:   proc,
		logs:   ring,
		exited: make(chan struct{}),
	}
	// The watcher starts before the handshake so a bridge that dies during
	// startup unblocks the socket wait; it only reports exits for instances
	// that made it into the tracking map.
	go m.watch(inst)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.BridgeReadyTimeout())
	if err := awaitSocket(dialCtx, socket, inst.exited); err != nil {
		cancel()
		_ = proc.Kill()
		proc.Wait()
		rollback()
		return nil, err
	}
	cli, err := client.Dial(dialCtx, socket, client.Options{
		ReadyTimeout: m.cfg.Timeouts.BridgeReadyTimeout(),
		LogHandler: func(ev *protocol.Event) {
			entry := entryFromEvent(ev)
			ring.append(entry)
			if m.sink != nil {
				m.sink(spec.SandboxID, entry)
			}
		},
	}, m.log)
	cancel()
	if err != nil {
		_ = proc.Kill()
		proc.Wait()
		_ = os.Remove(socket)
		rollback()
		return nil, err
	}
	inst.client = cli

	if m.cfg.Limits.DiskMB > 0 {
		inst.diskMon = limits.NewDiskMonitor(workspace, m.cfg.Limits.DiskMB, 0, m.log, func(size int64) {
			if m.onDisk != nil {
				m.onDisk(spec.SandboxID, size)
			}
		})
		inst.diskMon.Start()
	}

	m.mu.Lock()
	m.instances[spec.SandboxID] = inst
	m.mu.Unlock()

	select {
	case <-inst.exited:
		// Died between handshake and registration; the watcher saw an
		// untracked instance, so clean up here.
		m.mu.Lock()
		delete(m.instances, spec.SandboxID)
		m.mu.Unlock()
		cli.CloseNoShutdown()
		if inst.diskMon != nil {
			inst.diskMon.Stop()
		}
		_ = os.Remove(socket)
		rollback()
		return nil, errs.New(errs.KindBridgeUnready, "bridge exited during startup")
	default:
	}

	log.Info("Sandbox created",
		zap.String("agent", spec.AgentName),
		zap.Bool("restored", restored),
		zap.Int("pid", inst.info.PID),
		zap.Duration("elapsed", time.Since(start)))
	info := inst.info
	return &info, nil
}

// watch waits for the process to end. A deliberate Destroy removes the
// instance before the process exits, so anything still registered here died
// on its own.
func (m *Manager) watch(inst *instance) {
	inst.status = inst.proc.Wait()
	close(inst.exited)

	m.mu.Lock()
	current, tracked := m.instances[inst.info.SandboxID]
	if tracked && current == inst {
		delete(m.instances, inst.info.SandboxID)
	} else {
		tracked = false
	}
	m.mu.Unlock()

	if !tracked {
		return
	}

	inst.client.CloseNoShutdown()
	if inst.diskMon != nil {
		inst.diskMon.Stop()
	}
	_ = os.Remove(inst.info.SocketPath)

	m.log.WithSandboxID(inst.info.SandboxID).Warn("Sandbox process exited unexpectedly",
		zap.Int("exit_code", inst.status.Code),
		zap.Bool("oom", inst.status.OOM))
	if m.onExit != nil {
		m.onExit(inst.info.SandboxID, inst.status)
	}
}

// Destroy tears a sandbox down: graceful shutdown over the bridge, then
// SIGTERM, then SIGKILL. Destroying an unknown id is a no-op so lifecycle
// sweeps can be retried safely. The workspace directory is removed when
// removeWorkspace is set; callers snapshot first.
func (m *Manager) Destroy(ctx context.Context, id string, removeWorkspace bool) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	m.mu.Unlock()

	if !ok {
		if removeWorkspace {
			_ = os.RemoveAll(m.workspaceDir(id))
		}
		return nil
	}

	log := m.log.WithSandboxID(id)
	if inst.diskMon != nil {
		inst.diskMon.Stop()
	}

	// Close sends a shutdown command; the bridge exits on its own when it
	// is healthy.
	_ = inst.client.Close()

	grace := m.cfg.Timeouts.ShutdownGraceTimeout()
	if !m.awaitExit(inst, grace) {
		log.Debug("Sandbox ignored shutdown, sending SIGTERM")
		_ = inst.proc.Signal(os.Interrupt)
		if !m.awaitExit(inst, grace) {
			log.Warn("Sandbox ignored SIGTERM, killing")
			_ = inst.proc.Kill()
			m.awaitExit(inst, grace)
		}
	}

	_ = os.Remove(inst.info.SocketPath)
	if removeWorkspace {
		if err := os.RemoveAll(inst.info.WorkspaceDir); err != nil {
			log.Warn("Failed to remove workspace", zap.Error(err))
		}
	}

	log.Info("Sandbox destroyed", zap.Bool("workspace_removed", removeWorkspace))
	return nil
}

func (m *Manager) awaitExit(inst *instance, timeout time.Duration) bool {
	select {
	case <-inst.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

// DestroyAll tears down every live sandbox, in parallel. Used on daemon
// shutdown; workspaces stay on disk for the next recovery pass.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error { return m.Destroy(ctx, id, false) })
	}
	return g.Wait()
}

// Alive reports whether a sandbox with this id has a live bridge process.
func (m *Manager) Alive(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.instances[id]
	return ok
}

// Client returns the bridge client for a live sandbox.
func (m *Manager) Client(id string) (*client.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, errs.Newf(errs.KindBridgeLost, "sandbox not running: %s", id)
	}
	return inst.client, nil
}

// Get returns the Info for a live sandbox.
func (m *Manager) Get(id string) (*Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "sandbox not running: %s", id)
	}
	info := inst.info
	return &info, nil
}

// List returns every live sandbox.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.info)
	}
	return out
}

// Counts reports live and in-flight-create sandbox counts; runner heartbeats
// carry them.
func (m *Manager) Counts() (live, warming int) {
	m.mu.RLock()
	live = len(m.instances)
	m.mu.RUnlock()
	return live, int(m.warming.Load())
}

// Exec runs a one-shot command in the sandbox through the bridge.
func (m *Manager) Exec(ctx context.Context, id, command string, timeout time.Duration) (*client.ExecResult, error) {
	cli, err := m.Client(id)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.cfg.Timeouts.ExecDefaultTimeout()
	}
	return cli.Exec(ctx, command, timeout)
}

// runInstall runs the bundle's install.sh when present, bounded by the
// install timeout. A non-zero exit is fatal; the tail of the combined output
// rides in the error for diagnosis.
func (m *Manager) runInstall(ctx context.Context, workspace string, log *logger.Logger) error {
	script := filepath.Join(workspace, "install.sh")
	if _, err := os.Stat(script); err != nil {
		return nil
	}

	log.Info("Running agent install script")
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.InstallTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "install.sh")
	cmd.Dir = workspace
	cmd.Env = limits.BuildEnv(nil)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return errs.Newf(errs.KindInternal, "install.sh timed out after %s", m.cfg.Timeouts.InstallTimeout())
	}
	if err != nil {
		return errs.Newf(errs.KindInternal, "install.sh failed: %v: %s", err, tailLines(out.String(), 10))
	}

	log.Info("Agent install finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// runScript runs inline shell source in the workspace, bounded by the
// install timeout.
func (m *Manager) runScript(ctx context.Context, workspace, source string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.InstallTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", source)
	cmd.Dir = workspace
	cmd.Env = limits.BuildEnv(nil)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %s", err, tailLines(out.String(), 10))
	}
	return nil
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// awaitSocket polls until the bridge's socket file exists, the process
// exits, or the deadline passes.
func awaitSocket(ctx context.Context, socket string, exited <-chan struct{}) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(socket); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errs.New(errs.KindBridgeUnready, "bridge socket never appeared")
		case <-exited:
			return errs.New(errs.KindBridgeUnready, "bridge exited before listening")
		case <-ticker.C:
		}
	}
}

// bridgeBinary locates the bridge executable: alongside the current binary
// first, then PATH.
func bridgeBinary() string {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), BridgeBinary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath(BridgeBinary); err == nil {
		return path
	}
	return BridgeBinary
}
