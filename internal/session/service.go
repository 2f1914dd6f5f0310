// Package session implements the orchestration layer: session lifecycle,
// message turns, forking, exec, and workspace file access. It ties the
// store, the agent registry, the sandbox pool, and the runner router
// together and fans live activity out on the event bus.
package session

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/agents"
	"github.com/ashrun/ash/internal/bridge/client"
	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/fsutil"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/events"
	"github.com/ashrun/ash/internal/events/bus"
	"github.com/ashrun/ash/internal/runner"
	"github.com/ashrun/ash/internal/sandbox/limits"
	"github.com/ashrun/ash/internal/sandbox/manager"
	"github.com/ashrun/ash/internal/sandbox/pool"
	"github.com/ashrun/ash/internal/snapshot"
	"github.com/ashrun/ash/internal/store"
)

// Where a workspace read was served from.
const (
	SourceSandbox  = "sandbox"
	SourceSnapshot = "snapshot"
)

// Service owns every tenant-facing session operation. Lifecycle operations
// serialize on the per-session lock shared with the pool's evictor; Send
// takes the same lock non-blocking so a concurrent turn answers busy instead
// of queueing behind one.
type Service struct {
	cfg    *config.Config
	st     *store.Store
	agents *agents.Registry
	pool   *pool.Pool
	router *runner.Router
	snaps  *snapshot.Store
	bus    bus.EventBus
	locks  *Locks
	log    *logger.Logger
}

// NewService builds the session service. locks must be the same instance the
// pool evicts through, otherwise eviction and lifecycle stop excluding each
// other.
func NewService(cfg *config.Config, st *store.Store, reg *agents.Registry, p *pool.Pool, router *runner.Router, snaps *snapshot.Store, eventBus bus.EventBus, locks *Locks, log *logger.Logger) *Service {
	return &Service{
		cfg:    cfg,
		st:     st,
		agents: reg,
		pool:   p,
		router: router,
		snaps:  snaps,
		bus:    eventBus,
		locks:  locks,
		log:    log.WithFields(zap.String("component", "session")),
	}
}

// CreateOptions tunes session creation. Env and StartupScript apply to the
// initial sandbox only; a sandbox recreated after eviction gets the agent's
// own environment.
type CreateOptions struct {
	TenantID      string
	Model         string
	Env           map[string]string
	StartupScript string
}

// Create deploys a new session for the named agent and starts its sandbox.
// The session row is persisted before the sandbox exists, so a create that
// fails midway leaves an error-status row behind rather than nothing.
func (s *Service) Create(ctx context.Context, agentName string, opts CreateOptions) (*store.Session, error) {
	if agentName == "" {
		return nil, errs.New(errs.KindBadRequest, "agent name is required")
	}
	agent, err := s.agents.Get(ctx, opts.TenantID, agentName)
	if err != nil {
		return nil, err
	}

	sess := &store.Session{
		TenantID:  opts.TenantID,
		AgentName: agent.Name,
		Status:    store.SessionStarting,
		Model:     opts.Model,
	}
	if err := s.st.CreateSession(ctx, sess); err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "failed to persist session", err)
	}

	release, err := s.locks.Lock(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	req := s.createRequest(agent, opts.Env, opts.StartupScript)
	if err := s.startSandbox(ctx, sess, req); err != nil {
		s.failSession(ctx, sess.ID, err)
		return nil, err
	}

	s.appendLifecycle(ctx, sess.ID, store.SessionActive, "create")
	created, err := s.st.GetSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	s.publishLifecycle(ctx, created, events.SessionCreated)
	s.log.WithSessionID(sess.ID).Info("Session created",
		zap.String("agent", agent.Name),
		zap.String("runnerId", created.RunnerID))
	return created, nil
}

// Get returns one session scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*store.Session, error) {
	return s.load(ctx, tenantID, id)
}

// List returns the tenant's sessions, newest first.
func (s *Service) List(ctx context.Context, tenantID string, filter store.SessionFilter) ([]*store.Session, error) {
	return s.st.ListSessions(ctx, tenantID, filter)
}

// Pause evicts the session's sandbox after persisting a workspace snapshot
// and parks the session. Only active sessions pause.
func (s *Service) Pause(ctx context.Context, tenantID, id string) (*store.Session, error) {
	return s.suspend(ctx, tenantID, id, store.SessionPaused, events.EvictReasonPause, events.SessionPaused)
}

// Stop is pause with intent: the session will not be swept back in by
// background activity, but its snapshot stays resumable.
func (s *Service) Stop(ctx context.Context, tenantID, id string) (*store.Session, error) {
	return s.suspend(ctx, tenantID, id, store.SessionStopped, events.EvictReasonStop, events.SessionStopped)
}

// Resume brings a paused, stopped, evicted, or failed session back to
// active. A still-live sandbox is reattached as-is; an evicted one is
// recreated with the workspace snapshot restored before the bridge starts.
// Resuming an already-active session succeeds without touching anything, so
// two callers racing on resume both come back winners.
func (s *Service) Resume(ctx context.Context, tenantID, id string) (*store.Session, error) {
	release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case store.SessionEnded:
		return nil, errs.Newf(errs.KindGone, "session has ended: %s", id)
	case store.SessionActive:
		return sess, nil
	}

	agent, err := s.agents.Get(ctx, tenantID, sess.AgentName)
	if err != nil {
		return nil, err
	}
	// Resume failures leave the previous status in place so the caller can
	// retry once capacity frees up.
	if err := s.startSandbox(ctx, sess, s.createRequest(agent, nil, "")); err != nil {
		return nil, err
	}

	s.appendLifecycle(ctx, id, store.SessionActive, "resume")
	resumed, err := s.st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publishLifecycle(ctx, resumed, events.SessionResumed)
	s.log.WithSessionID(id).Info("Session resumed",
		zap.String("agent", sess.AgentName),
		zap.String("runnerId", resumed.RunnerID))
	return resumed, nil
}

// End terminates the session for good. The transcript and the final
// workspace snapshot stay readable until retention removes them, but no
// operation short of fork can act on the session again. Ending twice is a
// no-op.
func (s *Service) End(ctx context.Context, tenantID, id string) (*store.Session, error) {
	release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionEnded {
		return sess, nil
	}
	if err := s.pool.Evict(ctx, id, events.EvictReasonEnd); err != nil {
		return nil, err
	}
	if err := s.st.UpdateSessionStatus(ctx, id, store.SessionEnded, ""); err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "failed to update session status", err)
	}
	s.appendLifecycle(ctx, id, store.SessionEnded, "end")
	ended, err := s.st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publishLifecycle(ctx, ended, events.SessionEnded)
	s.log.WithSessionID(id).Info("Session ended", zap.String("agent", sess.AgentName))
	return ended, nil
}

// Fork clones a session at its current state: the transcript is copied row
// by row and the workspace snapshot is duplicated so the child resumes from
// the same files. The child gets a fresh upstream conversation; agent SDK
// state lives outside the workspace and does not survive the copy.
func (s *Service) Fork(ctx context.Context, tenantID, id string) (*store.Session, error) {
	release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	agent, err := s.agents.Get(ctx, tenantID, sess.AgentName)
	if err != nil {
		return nil, err
	}

	// A live parent snapshots in place so the child sees the latest files.
	// Fork durability is hard: a snapshot that should exist but can't be
	// taken fails the whole operation.
	if node, nerr := s.router.NodeFor(ctx, sess.RunnerID); nerr == nil && node.Alive(ctx, id) {
		if !node.SnapshotSandbox(ctx, id, sess.AgentName) {
			return nil, errs.Newf(errs.KindPersistence, "failed to snapshot workspace for fork: %s", id)
		}
	}

	child := &store.Session{
		TenantID:        sess.TenantID,
		AgentName:       sess.AgentName,
		Status:          store.SessionStarting,
		ParentSessionID: sess.ID,
		Model:           sess.Model,
	}
	if err := s.st.CreateSession(ctx, child); err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "failed to persist forked session", err)
	}

	childRelease, err := s.locks.Lock(ctx, child.ID)
	if err != nil {
		return nil, err
	}
	defer childRelease()

	if _, err := s.st.CopyMessages(ctx, sess.ID, child.ID); err != nil {
		wrapped := errs.Wrap(errs.KindPersistence, "failed to copy transcript", err)
		s.failSession(ctx, child.ID, wrapped)
		return nil, wrapped
	}
	if s.snaps.Has(ctx, id) && !s.snaps.Clone(ctx, id, child.ID, sess.AgentName) {
		cause := errs.Newf(errs.KindPersistence, "failed to clone workspace snapshot for fork: %s", id)
		s.failSession(ctx, child.ID, cause)
		return nil, cause
	}

	if err := s.startSandbox(ctx, child, s.createRequest(agent, nil, "")); err != nil {
		s.failSession(ctx, child.ID, err)
		return nil, err
	}

	s.appendLifecycle(ctx, child.ID, store.SessionActive, "fork")
	forked, err := s.st.GetSession(ctx, child.ID)
	if err != nil {
		return nil, err
	}
	s.publishLifecycle(ctx, forked, events.SessionForked)
	s.log.WithSessionID(id).Info("Session forked",
		zap.String("childSessionId", child.ID),
		zap.String("agent", sess.AgentName))
	return forked, nil
}

// Exec runs one shell command inside the session's sandbox, outside the
// agent conversation. It needs a live sandbox; it does not take the session
// lock, so a command can run next to an in-flight turn. The bridge rejects
// overlapping execs on its own.
func (s *Service) Exec(ctx context.Context, tenantID, id, command string, timeout time.Duration) (*client.ExecResult, error) {
	if command == "" {
		return nil, errs.New(errs.KindBadRequest, "command is required")
	}
	sess, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	node, err := s.router.NodeFor(ctx, sess.RunnerID)
	if err != nil {
		return nil, err
	}
	if !node.Alive(ctx, id) {
		return nil, errs.Newf(errs.KindInvalidState, "session %s has no running sandbox; resume it first", id)
	}
	res, err := node.Exec(ctx, id, command, timeout)
	if err != nil {
		return nil, err
	}
	_ = s.st.TouchSession(ctx, id)
	return res, nil
}

// FileListing is a workspace tree, read from the live sandbox or from the
// session's snapshot when the sandbox is evicted.
type FileListing struct {
	Source  string         `json:"source"`
	Entries []fsutil.Entry `json:"entries"`
}

// Files lists the session's workspace. Evicted sessions serve the snapshot
// on coordinator disk; a snapshot that only exists in object storage reads
// as absent until the session is resumed.
func (s *Service) Files(ctx context.Context, tenantID, id string) (*FileListing, error) {
	sess, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if node, nerr := s.router.NodeFor(ctx, sess.RunnerID); nerr == nil && node.Alive(ctx, id) {
		entries, err := node.ReadFiles(ctx, id)
		if err != nil {
			return nil, err
		}
		return &FileListing{Source: SourceSandbox, Entries: entries}, nil
	}

	root := s.snaps.WorkspacePath(id)
	if _, err := os.Stat(root); err != nil {
		return nil, errs.Newf(errs.KindNotFound, "session %s has no readable workspace", id)
	}
	entries, err := fsutil.ListTree(root, snapshot.ExcludedDir, snapshot.ExcludedFile)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to list snapshot workspace", err)
	}
	return &FileListing{Source: SourceSnapshot, Entries: entries}, nil
}

// ReadFile reads one workspace file, live or from the snapshot. The returned
// source tells the caller which one served it.
func (s *Service) ReadFile(ctx context.Context, tenantID, id, path string) ([]byte, string, error) {
	sess, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, "", err
	}

	if node, nerr := s.router.NodeFor(ctx, sess.RunnerID); nerr == nil && node.Alive(ctx, id) {
		data, err := node.ReadFile(ctx, id, path)
		if err != nil {
			return nil, "", err
		}
		return data, SourceSandbox, nil
	}

	root := s.snaps.WorkspacePath(id)
	if _, err := os.Stat(root); err != nil {
		return nil, "", errs.Newf(errs.KindNotFound, "session %s has no readable workspace", id)
	}
	data, err := manager.ReadWorkspaceFile(root, path)
	if err != nil {
		return nil, "", err
	}
	return data, SourceSnapshot, nil
}

// WriteFile writes one workspace file. Writes go through the live sandbox
// only; snapshots are immutable between runs.
func (s *Service) WriteFile(ctx context.Context, tenantID, id, path string, data []byte) error {
	sess, err := s.load(ctx, tenantID, id)
	if err != nil {
		return err
	}
	node, err := s.router.NodeFor(ctx, sess.RunnerID)
	if err != nil {
		return err
	}
	if !node.Alive(ctx, id) {
		return errs.New(errs.KindInvalidState, "workspace is read-only while the sandbox is evicted; resume the session first")
	}
	if err := node.WriteFile(ctx, id, path, data); err != nil {
		return err
	}
	_ = s.st.TouchSession(ctx, id)
	return nil
}

// DeleteFile removes one workspace file in the live sandbox.
func (s *Service) DeleteFile(ctx context.Context, tenantID, id, path string) error {
	sess, err := s.load(ctx, tenantID, id)
	if err != nil {
		return err
	}
	node, err := s.router.NodeFor(ctx, sess.RunnerID)
	if err != nil {
		return err
	}
	if !node.Alive(ctx, id) {
		return errs.New(errs.KindInvalidState, "workspace is read-only while the sandbox is evicted; resume the session first")
	}
	if err := node.DeleteFile(ctx, id, path); err != nil {
		return err
	}
	_ = s.st.TouchSession(ctx, id)
	return nil
}

// Logs returns the sandbox's recent bridge log lines. Logs live in the
// bridge's ring buffer, so they exist only while the sandbox does.
func (s *Service) Logs(ctx context.Context, tenantID, id string, limit int) ([]manager.LogEntry, error) {
	sess, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	node, err := s.router.NodeFor(ctx, sess.RunnerID)
	if err != nil {
		return nil, err
	}
	return node.Logs(ctx, id, limit)
}

// Messages returns the persisted transcript after the given sequence.
func (s *Service) Messages(ctx context.Context, tenantID, id string, afterSeq int64, limit int) ([]*store.Message, error) {
	if _, err := s.load(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.st.ListMessages(ctx, id, afterSeq, limit)
}

// Events returns the persisted timeline, optionally filtered by type and
// sequence cursor.
func (s *Service) Events(ctx context.Context, tenantID, id string, filter store.EventFilter) ([]*store.SessionEvent, error) {
	if _, err := s.load(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.st.ListEvents(ctx, id, filter)
}

// load fetches a session scoped to the tenant. A session owned by another
// tenant reads as absent, not forbidden.
func (s *Service) load(ctx context.Context, tenantID, id string) (*store.Session, error) {
	sess, err := s.st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		tenantID = store.DefaultTenant
	}
	if sess.TenantID != tenantID {
		return nil, errs.Newf(errs.KindNotFound, "session not found: %s", id)
	}
	return sess, nil
}

// suspend is the shared pause/stop path: snapshot and evict the sandbox,
// then park the session in the target status.
func (s *Service) suspend(ctx context.Context, tenantID, id string, target store.SessionStatus, reason, eventType string) (*store.Session, error) {
	release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.SessionActive {
		return nil, errs.Newf(errs.KindInvalidState, "cannot %s a session in status %s", reason, sess.Status)
	}
	if err := s.pool.Evict(ctx, id, reason); err != nil {
		return nil, err
	}
	if err := s.st.UpdateSessionStatus(ctx, id, target, ""); err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "failed to update session status", err)
	}
	s.appendLifecycle(ctx, id, target, reason)
	updated, err := s.st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publishLifecycle(ctx, updated, eventType)
	s.log.WithSessionID(id).Info("Session "+string(target), zap.String("agent", sess.AgentName))
	return updated, nil
}

// startSandbox acquires a sandbox for the session and flips it active. The
// caller holds the session lock.
func (s *Service) startSandbox(ctx context.Context, sess *store.Session, req runner.CreateRequest) error {
	if _, err := s.pool.AcquireForSession(ctx, sess, req); err != nil {
		return err
	}
	if err := s.st.SetSessionSandbox(ctx, sess.ID, sess.ID); err != nil {
		return errs.Wrap(errs.KindPersistence, "failed to bind sandbox", err)
	}
	if err := s.st.UpdateSessionStatus(ctx, sess.ID, store.SessionActive, ""); err != nil {
		return errs.Wrap(errs.KindPersistence, "failed to update session status", err)
	}
	sess.Status = store.SessionActive
	sess.SandboxID = sess.ID
	return nil
}

func (s *Service) createRequest(agent *store.Agent, env map[string]string, script string) runner.CreateRequest {
	return runner.CreateRequest{
		AgentDir:      agent.Path,
		CredentialEnv: limits.CredentialEnv(),
		ExtraEnv:      env,
		StartupScript: script,
	}
}

// failSession records a failed transition. Best-effort: the original failure
// is what the caller reports.
func (s *Service) failSession(ctx context.Context, id string, cause error) {
	if err := s.st.UpdateSessionStatus(ctx, id, store.SessionError, errs.Message(cause)); err != nil {
		s.log.WithSessionID(id).Error("Failed to mark session as failed", zap.Error(err))
		return
	}
	s.appendLifecycle(ctx, id, store.SessionError, errs.Message(cause))
	if sess, err := s.st.GetSession(ctx, id); err == nil {
		s.publishLifecycle(ctx, sess, events.SessionFailed)
	}
}

// appendLifecycle writes a lifecycle entry to the session's timeline so
// status changes replay in order with the stream events around them.
func (s *Service) appendLifecycle(ctx context.Context, id string, status store.SessionStatus, detail string) {
	data, _ := json.Marshal(map[string]string{"status": string(status), "detail": detail})
	ev := &store.SessionEvent{SessionID: id, Type: store.EventLifecycle, Data: string(data)}
	if err := s.st.AppendEvent(ctx, ev); err != nil {
		s.log.WithSessionID(id).Warn("Failed to append lifecycle event", zap.Error(err))
	}
}

func (s *Service) publishLifecycle(ctx context.Context, sess *store.Session, eventType string) {
	if s.bus == nil {
		return
	}
	payload := events.SessionPayload{
		SessionID: sess.ID,
		AgentName: sess.AgentName,
		Status:    string(sess.Status),
		RunnerID:  sess.RunnerID,
		Error:     sess.ErrorMessage,
	}
	subject := events.BuildSessionEventsSubject(sess.ID)
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "session-service", payload)); err != nil {
		s.log.WithSessionID(sess.ID).Warn("Failed to publish lifecycle event", zap.Error(err))
	}
}
