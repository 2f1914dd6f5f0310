// Package pool owns the fleet's durable sandbox state: the capacity cap,
// the per-sandbox state machine, LRU eviction, the idle sweep, and
// cold-record cleanup. It drives sandboxes exclusively through the Node
// interface, so locally hosted and runner-hosted sandboxes follow the same
// rules, and every transition goes through the store so the fleet is
// recoverable after a restart.
package pool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/events"
	"github.com/ashrun/ash/internal/events/bus"
	"github.com/ashrun/ash/internal/runner"
	"github.com/ashrun/ash/internal/sandbox/limits"
	"github.com/ashrun/ash/internal/snapshot"
	"github.com/ashrun/ash/internal/store"
)

// Sweep cadences. The thresholds they enforce come from config.
const (
	idleSweepInterval   = time.Minute
	coldCleanupInterval = 5 * time.Minute
)

// SessionLocks is the slice of the session lock map the pool needs: TryLock
// to skip sessions mid-operation during eviction scans, Lock for evictions
// that must wait their turn (disk cap).
type SessionLocks interface {
	TryLock(sessionID string) (release func(), ok bool)
	Lock(ctx context.Context, sessionID string) (release func(), err error)
}

// Metrics is the pool's observability snapshot.
type Metrics struct {
	ResumeWarmHits int64 `json:"resumeWarmHits"`
	ResumeColdHits int64 `json:"resumeColdHits"`
	Evictions      int64 `json:"evictions"`
}

// Pool enforces the fleet-wide sandbox capacity invariant.
type Pool struct {
	cfg    *config.Config
	st     *store.Store
	router *runner.Router
	snaps  *snapshot.Store
	bus    bus.EventBus
	locks  SessionLocks
	log    *logger.Logger

	// mu serializes capacity decisions: the live count, the eviction pick,
	// and the warming insert are one atomic step. Node I/O happens outside.
	mu sync.Mutex

	warmHits  atomic.Int64
	coldHits  atomic.Int64
	evictions atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the pool. Start launches the sweeps.
func New(cfg *config.Config, st *store.Store, router *runner.Router, snaps *snapshot.Store, eventBus bus.EventBus, locks SessionLocks, log *logger.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		st:     st,
		router: router,
		snaps:  snaps,
		bus:    eventBus,
		locks:  locks,
		log:    log.WithFields(zap.String("component", "pool")),
		stopCh: make(chan struct{}),
	}
}

// Metrics returns the running counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		ResumeWarmHits: p.warmHits.Load(),
		ResumeColdHits: p.coldHits.Load(),
		Evictions:      p.evictions.Load(),
	}
}

// AcquireForSession returns the node hosting the session's sandbox, creating
// or re-creating the sandbox when necessary. The caller holds the session's
// operation lock. Warm path: the record is live and the node still answers
// for it. Cold path: no record, a cold record, or a live record nothing
// answers for; the sandbox is created fresh and the workspace snapshot, when
// one exists, is restored before the bridge starts.
func (p *Pool) AcquireForSession(ctx context.Context, sess *store.Session, req runner.CreateRequest) (runner.Node, error) {
	req.SandboxID = sess.ID
	req.AgentName = sess.AgentName

	sb, err := p.st.GetSandbox(ctx, sess.ID)
	if err != nil && !errs.Is(err, errs.KindNotFound) {
		return nil, errs.Wrap(errs.KindPersistence, "failed to load sandbox record", err)
	}
	if err == nil && sb.State.Live() {
		node, nerr := p.router.NodeFor(ctx, sess.RunnerID)
		if nerr == nil && node.Alive(ctx, sess.ID) {
			_ = p.st.TouchSandbox(ctx, sess.ID)
			p.warmHits.Add(1)
			return node, nil
		}
		// The record claims a live sandbox but nothing answers for it: the
		// process died or its runner did. Reconcile to cold and recreate.
		p.log.WithSessionID(sess.ID).Warn("Live sandbox record is unreachable, falling back to cold start",
			zap.String("runnerId", sess.RunnerID))
		if merr := p.st.MarkSandboxEvicted(ctx, sess.ID); merr != nil {
			return nil, errs.Wrap(errs.KindPersistence, "failed to reconcile sandbox record", merr)
		}
	}

	return p.createSandbox(ctx, sess, req)
}

// createSandbox runs the cold path: pick a node, reserve a capacity slot,
// create, commit.
func (p *Pool) createSandbox(ctx context.Context, sess *store.Session, req runner.CreateRequest) (runner.Node, error) {
	node, err := p.router.PickNode(ctx)
	if err != nil {
		return nil, err
	}

	if err := p.reserveSlot(ctx, sess); err != nil {
		return nil, err
	}

	req.RestoreSnapshot = p.snaps.Has(ctx, sess.ID)
	info, err := node.CreateSandbox(ctx, req)
	if err != nil {
		// Release the reserved slot; nothing was left behind on the node.
		if derr := p.st.DeleteSandbox(ctx, sess.ID); derr != nil {
			p.log.WithSessionID(sess.ID).Error("Failed to release reserved sandbox slot", zap.Error(derr))
		}
		return nil, err
	}

	if caps, merr := json.Marshal(info.Caps); merr == nil {
		_ = p.st.SetSandboxCaps(ctx, sess.ID, string(caps))
	}
	if err := p.st.ActivateSandbox(ctx, sess.ID, info.WorkspaceDir); err != nil {
		p.log.WithSessionID(sess.ID).Error("Failed to activate sandbox record", zap.Error(err))
	}
	if sess.RunnerID != node.ID() {
		if err := p.st.SetSessionRunner(ctx, sess.ID, node.ID()); err != nil {
			p.log.WithSessionID(sess.ID).Error("Failed to record session runner", zap.Error(err))
		}
		sess.RunnerID = node.ID()
	}

	p.coldHits.Add(1)
	p.publish(ctx, bus.SubjectPoolCreated, events.SandboxCreated, events.SandboxEvictedPayload{
		SandboxID: sess.ID,
		SessionID: sess.ID,
		Snapshot:  req.RestoreSnapshot,
	})
	p.log.WithSessionID(sess.ID).Info("Sandbox created",
		zap.String("agent", sess.AgentName),
		zap.String("runnerId", node.ID()),
		zap.Bool("restored", req.RestoreSnapshot),
		zap.Int("pid", info.PID))
	return node, nil
}

// reserveSlot inserts the warming record once the live count is under the
// cap, evicting the least-recently-used warm or waiting sandbox when it is
// not. Running sandboxes and sessions mid-operation are never evicted; if
// nothing is evictable the caller gets CapacityExceeded.
func (p *Pool) reserveSlot(ctx context.Context, sess *store.Session) error {
	p.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return err
		}

		count, err := p.st.CountLiveSandboxes(ctx)
		if err != nil {
			p.mu.Unlock()
			return errs.Wrap(errs.KindPersistence, "failed to count live sandboxes", err)
		}
		if count < p.cfg.MaxSandboxes {
			// A resume leaves the prior cold record in place for its
			// snapshot link; the fresh insert replaces it.
			if derr := p.st.DeleteSandbox(ctx, sess.ID); derr != nil {
				p.mu.Unlock()
				return errs.Wrap(errs.KindPersistence, "failed to clear cold sandbox record", derr)
			}
			err := p.st.CreateSandbox(ctx, &store.Sandbox{
				ID:        sess.ID,
				TenantID:  sess.TenantID,
				SessionID: sess.ID,
				AgentName: sess.AgentName,
				State:     store.SandboxWarming,
			})
			p.mu.Unlock()
			if err != nil {
				return errs.Wrap(errs.KindPersistence, "failed to insert sandbox record", err)
			}
			return nil
		}

		candidates, err := p.st.ListSandboxesByState(ctx, store.SandboxWarm, store.SandboxWaiting)
		if err != nil {
			p.mu.Unlock()
			return errs.Wrap(errs.KindPersistence, "failed to list eviction candidates", err)
		}

		evicted := false
		for _, cand := range candidates {
			release, ok := p.locks.TryLock(cand.ID)
			if !ok {
				continue
			}
			p.mu.Unlock()
			err := p.evictRecord(ctx, cand, events.EvictReasonLRU)
			release()
			if err != nil {
				return err
			}
			p.mu.Lock()
			evicted = true
			break
		}
		if !evicted {
			p.mu.Unlock()
			return errs.New(errs.KindCapacityExceeded, "sandbox capacity reached and nothing evictable")
		}
	}
}

// Evict pauses, snapshots, and destroys one sandbox, leaving a cold record
// behind. Idempotent: a missing or already-cold record is a no-op. The
// caller holds the session's operation lock.
func (p *Pool) Evict(ctx context.Context, sandboxID, reason string) error {
	sb, err := p.st.GetSandbox(ctx, sandboxID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil
		}
		return errs.Wrap(errs.KindPersistence, "failed to load sandbox record", err)
	}
	if !sb.State.Live() {
		return nil
	}
	return p.evictRecord(ctx, sb, reason)
}

func (p *Pool) evictRecord(ctx context.Context, sb *store.Sandbox, reason string) error {
	log := p.log.WithSandboxID(sb.ID)

	runnerID := ""
	if sess, err := p.st.GetSession(ctx, sb.ID); err == nil {
		runnerID = sess.RunnerID
	}

	snapOK := false
	node, err := p.router.NodeFor(ctx, runnerID)
	if err != nil {
		log.Warn("Sandbox node unreachable during eviction, evicting record only",
			zap.String("reason", reason), zap.Error(err))
	} else {
		// Quiesce any in-flight turn before the snapshot. An idle bridge
		// ignores the interrupt.
		if ierr := node.Interrupt(ctx, sb.ID); ierr != nil {
			log.Debug("Interrupt before eviction failed", zap.Error(ierr))
		}
		snapOK = node.SnapshotSandbox(ctx, sb.ID, sb.AgentName)
		if !snapOK {
			log.Warn("Workspace snapshot failed, keeping workspace directory", zap.String("reason", reason))
		}
		if derr := node.DestroySandbox(ctx, sb.ID, snapOK); derr != nil {
			log.Warn("Sandbox destroy failed", zap.Error(derr))
		}
	}

	if err := p.st.MarkSandboxEvicted(ctx, sb.ID); err != nil {
		return errs.Wrap(errs.KindPersistence, "failed to mark sandbox evicted", err)
	}

	p.applyEvictionToSession(ctx, sb.ID, reason)

	p.evictions.Add(1)
	p.publish(ctx, bus.SubjectPoolEvicted, events.SandboxEvicted, events.SandboxEvictedPayload{
		SandboxID: sb.ID,
		SessionID: sb.SessionID,
		Reason:    reason,
		Snapshot:  snapOK,
	})
	log.Info("Sandbox evicted", zap.String("reason", reason), zap.Bool("snapshot", snapOK))
	return nil
}

// applyEvictionToSession moves the owning session where the eviction reason
// demands it. Pressure evictions are an implicit pause: the session stays
// resumable. Disk-cap kills are an error the caller can still resume from.
// Lifecycle reasons leave the status to the session service, which owns the
// transition.
func (p *Pool) applyEvictionToSession(ctx context.Context, sessionID, reason string) {
	var status store.SessionStatus
	var msg string
	switch reason {
	case events.EvictReasonLRU, events.EvictReasonIdle:
		status, msg = store.SessionPaused, ""
	case events.EvictReasonDisk:
		status, msg = store.SessionError, "workspace disk limit exceeded"
	default:
		return
	}

	sess, err := p.st.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.Status != store.SessionActive && sess.Status != store.SessionStarting {
		return
	}
	if err := p.st.UpdateSessionStatus(ctx, sessionID, status, msg); err != nil {
		p.log.WithSessionID(sessionID).Error("Failed to update session status after eviction", zap.Error(err))
		return
	}
	data, _ := json.Marshal(map[string]string{"status": string(status), "reason": reason})
	_ = p.st.AppendEvent(ctx, &store.SessionEvent{
		SessionID: sessionID,
		Type:      store.EventLifecycle,
		Data:      string(data),
	})
}

// MarkRunning flags the sandbox as serving a query. A record that has gone
// cold in the meantime stays cold; the query then fails on its own terms.
func (p *Pool) MarkRunning(ctx context.Context, sandboxID string) error {
	ok, err := p.st.TransitionSandbox(ctx, sandboxID, store.SandboxRunning,
		store.SandboxWarm, store.SandboxWaiting)
	if err != nil || !ok {
		return err
	}
	return p.st.TouchSandbox(ctx, sandboxID)
}

// MarkWaiting returns the sandbox to the between-queries state and refreshes
// its LRU position. Only a running record moves; an eviction that won the
// race keeps the record cold.
func (p *Pool) MarkWaiting(ctx context.Context, sandboxID string) error {
	ok, err := p.st.TransitionSandbox(ctx, sandboxID, store.SandboxWaiting, store.SandboxRunning)
	if err != nil || !ok {
		return err
	}
	return p.st.TouchSandbox(ctx, sandboxID)
}

// Recover reconciles sandbox records with reality after a restart. Records
// whose process no longer answers become cold, keeping their snapshot link;
// survivors return to waiting since no query survives a coordinator restart.
func (p *Pool) Recover(ctx context.Context) error {
	sbs, err := p.st.ListSandboxesByState(ctx,
		store.SandboxWarming, store.SandboxWarm, store.SandboxWaiting, store.SandboxRunning)
	if err != nil {
		return errs.Wrap(errs.KindPersistence, "failed to list sandbox records", err)
	}

	recovered, evicted := 0, 0
	for _, sb := range sbs {
		runnerID := ""
		if sess, serr := p.st.GetSession(ctx, sb.ID); serr == nil {
			runnerID = sess.RunnerID
		}

		node, nerr := p.router.NodeFor(ctx, runnerID)
		if nerr == nil && node.Alive(ctx, sb.ID) {
			if sb.State != store.SandboxWaiting {
				_ = p.st.SetSandboxState(ctx, sb.ID, store.SandboxWaiting)
			}
			recovered++
			continue
		}

		if merr := p.st.MarkSandboxEvicted(ctx, sb.ID); merr != nil {
			p.log.WithSandboxID(sb.ID).Error("Failed to evict stale sandbox record", zap.Error(merr))
			continue
		}
		evicted++
	}

	if len(sbs) > 0 {
		p.log.Info("Sandbox records reconciled",
			zap.Int("recovered", recovered), zap.Int("evicted", evicted))
	}
	return nil
}

// HandleRunnerDead evicts the records of every sandbox the dead runner was
// hosting. The processes are unreachable, so only the records move; the
// sessions stay as they are and cold-resume on another runner.
func (p *Pool) HandleRunnerDead(ctx context.Context, dead *store.Runner) {
	p.router.Forget(dead.ID)

	sbs, err := p.st.ListSandboxesByState(ctx,
		store.SandboxWarming, store.SandboxWarm, store.SandboxWaiting, store.SandboxRunning)
	if err != nil {
		p.log.Error("Failed to list sandboxes for dead runner", zap.String("runnerId", dead.ID), zap.Error(err))
		return
	}

	for _, sb := range sbs {
		sess, serr := p.st.GetSession(ctx, sb.ID)
		if serr != nil || sess.RunnerID != dead.ID {
			continue
		}
		if merr := p.st.MarkSandboxEvicted(ctx, sb.ID); merr != nil {
			p.log.WithSandboxID(sb.ID).Error("Failed to evict sandbox of dead runner", zap.Error(merr))
			continue
		}
		p.evictions.Add(1)
		p.publish(ctx, bus.SubjectPoolEvicted, events.SandboxLost, events.SandboxEvictedPayload{
			SandboxID: sb.ID,
			SessionID: sb.SessionID,
			Reason:    events.EvictReasonRunner,
			Snapshot:  p.snaps.Has(ctx, sb.ID),
		})
		p.log.WithSandboxID(sb.ID).Warn("Sandbox lost with its runner", zap.String("runnerId", dead.ID))
	}
}

// HandleSandboxExit reconciles an unexpected process death reported by the
// local manager. Deliberate destroys never arrive here.
func (p *Pool) HandleSandboxExit(sandboxID string, status limits.ExitStatus) {
	ctx := context.Background()

	sb, err := p.st.GetSandbox(ctx, sandboxID)
	if err != nil || !sb.State.Live() {
		return
	}
	if err := p.st.MarkSandboxEvicted(ctx, sandboxID); err != nil {
		p.log.WithSandboxID(sandboxID).Error("Failed to evict exited sandbox", zap.Error(err))
		return
	}

	msg := "sandbox process exited unexpectedly"
	if status.OOM {
		msg = "sandbox killed: out of memory"
	}
	if err := p.st.UpdateSessionStatus(ctx, sandboxID, store.SessionError, msg); err != nil {
		p.log.WithSessionID(sandboxID).Error("Failed to fail session after sandbox exit", zap.Error(err))
	}
	data, _ := json.Marshal(map[string]any{"status": string(store.SessionError), "reason": msg, "exitCode": status.Code})
	_ = p.st.AppendEvent(ctx, &store.SessionEvent{
		SessionID: sandboxID,
		Type:      store.EventLifecycle,
		Data:      string(data),
	})

	p.evictions.Add(1)
	p.publish(ctx, bus.SubjectPoolEvicted, events.SandboxLost, events.SandboxEvictedPayload{
		SandboxID: sandboxID,
		SessionID: sandboxID,
		Reason:    msg,
		Snapshot:  p.snaps.Has(ctx, sandboxID),
	})
	p.log.WithSandboxID(sandboxID).Warn("Sandbox process exited unexpectedly",
		zap.Int("exitCode", status.Code), zap.Bool("oom", status.OOM))
}

// HandleDiskExceeded runs the disk-cap eviction. It fires from the disk
// monitor goroutine, so the work is scheduled, not done inline: the bridge
// is interrupted first so any in-flight turn ends and releases the session
// lock, then the eviction runs under it.
func (p *Pool) HandleDiskExceeded(sandboxID string, sizeBytes int64) {
	p.log.WithSandboxID(sandboxID).Warn("Workspace over disk limit", zap.Int64("sizeBytes", sizeBytes))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		sess, err := p.st.GetSession(ctx, sandboxID)
		if err != nil {
			return
		}
		if node, nerr := p.router.NodeFor(ctx, sess.RunnerID); nerr == nil {
			_ = node.Interrupt(ctx, sandboxID)
		}

		release, err := p.locks.Lock(ctx, sandboxID)
		if err != nil {
			p.log.WithSandboxID(sandboxID).Error("Disk eviction could not take session lock", zap.Error(err))
			return
		}
		defer release()

		if err := p.Evict(ctx, sandboxID, events.EvictReasonDisk); err != nil {
			p.log.WithSandboxID(sandboxID).Error("Disk eviction failed", zap.Error(err))
		}
	}()
}

// Start launches the idle sweep and the cold-record cleanup.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.sweepLoop(ctx, idleSweepInterval, p.sweepIdle)
	go p.sweepLoop(ctx, coldCleanupInterval, p.cleanupCold)
	p.log.Info("Pool sweeps started",
		zap.Duration("idleTimeout", p.cfg.IdleTimeout()),
		zap.Duration("coldCleanupTTL", p.cfg.ColdCleanupTTL()))
}

// Stop halts the sweeps. In-flight evictions finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) sweepLoop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// sweepIdle evicts sandboxes whose last use is older than the idle timeout.
// Sessions mid-operation are skipped; they are not idle.
func (p *Pool) sweepIdle(ctx context.Context) {
	sbs, err := p.st.ListIdleSandboxes(ctx, p.cfg.IdleTimeout())
	if err != nil {
		p.log.Error("Idle sweep failed to list sandboxes", zap.Error(err))
		return
	}

	for _, sb := range sbs {
		release, ok := p.locks.TryLock(sb.ID)
		if !ok {
			continue
		}
		if err := p.evictRecord(ctx, sb, events.EvictReasonIdle); err != nil {
			p.log.WithSandboxID(sb.ID).Error("Idle eviction failed", zap.Error(err))
		}
		release()
	}
}

// cleanupCold deletes cold records older than the TTL and prunes their
// local workspace directories. Snapshots are deleted only for ended
// sessions; anything else may still resume from them.
func (p *Pool) cleanupCold(ctx context.Context) {
	sbs, err := p.st.ListStaleSandboxes(ctx, p.cfg.ColdCleanupTTL())
	if err != nil {
		p.log.Error("Cold cleanup failed to list records", zap.Error(err))
		return
	}

	for _, sb := range sbs {
		if err := p.st.DeleteSandbox(ctx, sb.ID); err != nil {
			p.log.WithSandboxID(sb.ID).Error("Failed to delete cold sandbox record", zap.Error(err))
			continue
		}
		if local := p.router.Local(); local != nil {
			local.Manager().PruneWorkspace(sb.ID)
		}
		if sess, serr := p.st.GetSession(ctx, sb.ID); serr == nil && sess.Status == store.SessionEnded {
			p.snaps.Delete(ctx, sb.ID)
		}
		p.log.WithSandboxID(sb.ID).Debug("Cold sandbox record cleaned up")
	}
}

func (p *Pool) publish(ctx context.Context, subject, eventType string, payload any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, subject, bus.NewEvent(eventType, "pool", payload)); err != nil {
		p.log.Debug("Failed to publish pool event", zap.String("subject", subject), zap.Error(err))
	}
}
