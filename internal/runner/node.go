// Package runner connects the coordinator to the nodes that host
// sandboxes. A Node is either this process (standalone mode) or a remote
// runner daemon reached over its internal HTTP API; the pool and the
// session service only ever talk to the Node interface, so placement is
// invisible to them.
package runner

import (
	"context"
	"time"

	"github.com/ashrun/ash/internal/bridge/client"
	"github.com/ashrun/ash/internal/common/fsutil"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/protocol"
	"github.com/ashrun/ash/internal/sandbox/manager"
	"github.com/ashrun/ash/internal/snapshot"
)

// CreateRequest describes a sandbox create in coordinator terms: the agent
// bundle is a local directory and the snapshot store is local. Remote nodes
// take care of shipping both over the wire.
type CreateRequest struct {
	SandboxID string
	AgentName string
	// AgentDir is the deployed bundle directory on the coordinator.
	AgentDir string
	// RestoreSnapshot lays the session's workspace snapshot over the bundle
	// before install runs.
	RestoreSnapshot bool
	CredentialEnv   map[string]string
	ExtraEnv        map[string]string
	StartupScript   string
}

// Node hosts sandboxes. All operations address sandboxes by id (the owning
// session's id).
type Node interface {
	// ID is the runner id, or "" for the local node.
	ID() string

	CreateSandbox(ctx context.Context, req CreateRequest) (*manager.Info, error)
	DestroySandbox(ctx context.Context, id string, removeWorkspace bool) error
	// SnapshotSandbox persists the sandbox's live workspace into the
	// coordinator's snapshot store. Best-effort, like the store itself.
	SnapshotSandbox(ctx context.Context, id, agentName string) bool
	Alive(ctx context.Context, id string) bool

	// Query starts a bridge command and streams its events. The channel
	// closes after the terminal event.
	Query(ctx context.Context, id string, cmd *protocol.Command) (<-chan *protocol.Event, error)
	Interrupt(ctx context.Context, id string) error
	Exec(ctx context.Context, id, command string, timeout time.Duration) (*client.ExecResult, error)

	ReadFiles(ctx context.Context, id string) ([]fsutil.Entry, error)
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	WriteFile(ctx context.Context, id, path string, data []byte) error
	DeleteFile(ctx context.Context, id, path string) error

	Logs(ctx context.Context, id string, limit int) ([]manager.LogEntry, error)
}

// LocalNode serves sandboxes hosted in this process.
type LocalNode struct {
	mgr   *manager.Manager
	snaps *snapshot.Store
	log   *logger.Logger
}

// NewLocalNode wraps the local sandbox manager as a Node.
func NewLocalNode(mgr *manager.Manager, snaps *snapshot.Store, log *logger.Logger) *LocalNode {
	return &LocalNode{mgr: mgr, snaps: snaps, log: log}
}

// Manager exposes the underlying manager for surfaces that are local-only,
// like the debug terminal.
func (n *LocalNode) Manager() *manager.Manager { return n.mgr }

func (n *LocalNode) ID() string { return "" }

func (n *LocalNode) CreateSandbox(ctx context.Context, req CreateRequest) (*manager.Info, error) {
	spec := manager.CreateSpec{
		SandboxID:     req.SandboxID,
		AgentName:     req.AgentName,
		AgentDir:      req.AgentDir,
		CredentialEnv: req.CredentialEnv,
		ExtraEnv:      req.ExtraEnv,
		StartupScript: req.StartupScript,
	}
	if req.RestoreSnapshot {
		spec.Restore = func(workspaceDir string) bool {
			return n.snaps.Restore(ctx, req.SandboxID, workspaceDir)
		}
	}
	return n.mgr.Create(ctx, spec)
}

func (n *LocalNode) DestroySandbox(ctx context.Context, id string, removeWorkspace bool) error {
	return n.mgr.Destroy(ctx, id, removeWorkspace)
}

func (n *LocalNode) SnapshotSandbox(ctx context.Context, id, agentName string) bool {
	info, err := n.mgr.Get(id)
	if err != nil {
		return false
	}
	return n.snaps.Persist(ctx, id, info.WorkspaceDir, agentName)
}

func (n *LocalNode) Alive(ctx context.Context, id string) bool {
	return n.mgr.Alive(id)
}

func (n *LocalNode) Query(ctx context.Context, id string, cmd *protocol.Command) (<-chan *protocol.Event, error) {
	cli, err := n.mgr.Client(id)
	if err != nil {
		return nil, err
	}
	return cli.Send(ctx, cmd)
}

func (n *LocalNode) Interrupt(ctx context.Context, id string) error {
	cli, err := n.mgr.Client(id)
	if err != nil {
		return err
	}
	return cli.Interrupt()
}

func (n *LocalNode) Exec(ctx context.Context, id, command string, timeout time.Duration) (*client.ExecResult, error) {
	return n.mgr.Exec(ctx, id, command, timeout)
}

func (n *LocalNode) ReadFiles(ctx context.Context, id string) ([]fsutil.Entry, error) {
	return n.mgr.ReadFiles(id)
}

func (n *LocalNode) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	return n.mgr.ReadFile(id, path)
}

func (n *LocalNode) WriteFile(ctx context.Context, id, path string, data []byte) error {
	return n.mgr.WriteFile(id, path, data)
}

func (n *LocalNode) DeleteFile(ctx context.Context, id, path string) error {
	return n.mgr.DeleteFile(id, path)
}

func (n *LocalNode) Logs(ctx context.Context, id string, limit int) ([]manager.LogEntry, error) {
	return n.mgr.Logs(id, limit)
}
