package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/events"
	"github.com/ashrun/ash/internal/events/bus"
	"github.com/ashrun/ash/internal/store"
)

// DeadHandler is invoked once per runner that falls out of the liveness
// window, before its registration row is deleted. The pool uses it to mark
// the runner's sandboxes cold so their sessions can cold-resume elsewhere.
type DeadHandler func(ctx context.Context, r *store.Runner)

// Registry tracks runner registrations and reaps the ones that stop
// heartbeating.
type Registry struct {
	store *store.Store
	bus   bus.EventBus
	cfg   *config.Config
	log   *logger.Logger

	onDead DeadHandler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry builds a Registry over the coordinator store.
func NewRegistry(st *store.Store, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *Registry {
	return &Registry{
		store:  st,
		bus:    eventBus,
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "runner-registry")),
		stopCh: make(chan struct{}),
	}
}

// SetDeadHandler registers the dead-runner callback. Call before Start.
func (r *Registry) SetDeadHandler(h DeadHandler) { r.onDead = h }

// Register upserts a runner. Runners call it on boot and again whenever a
// heartbeat is rejected as unknown.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*store.Runner, error) {
	if req.ID == "" || req.Host == "" || req.Port <= 0 {
		return nil, errs.New(errs.KindBadRequest, "runner id, host, and port are required")
	}
	if req.MaxSandboxes <= 0 {
		req.MaxSandboxes = 1
	}

	runner := &store.Runner{
		ID:           req.ID,
		Host:         req.Host,
		Port:         req.Port,
		MaxSandboxes: req.MaxSandboxes,
	}
	if err := r.store.UpsertRunner(ctx, runner); err != nil {
		return nil, err
	}

	r.log.Info("Runner registered",
		zap.String("runner_id", req.ID),
		zap.String("host", req.Host),
		zap.Int("port", req.Port),
		zap.Int("max_sandboxes", req.MaxSandboxes))
	r.publish(ctx, events.RunnerRegistered, runner, 0)
	return runner, nil
}

// Heartbeat records a runner's load. Unknown ids return NotFound so the
// runner knows to re-register.
func (r *Registry) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	return r.store.HeartbeatRunner(ctx, req.ID, req.Active, req.Warming)
}

// Live returns runners inside the liveness window.
func (r *Registry) Live(ctx context.Context) ([]*store.Runner, error) {
	return r.store.ListLiveRunners(ctx, r.cfg.Timeouts.RunnerLiveness())
}

// Get returns one runner's registration.
func (r *Registry) Get(ctx context.Context, id string) (*store.Runner, error) {
	return r.store.GetRunner(ctx, id)
}

// IsLive reports whether the runner's last heartbeat is inside the liveness
// window.
func (r *Registry) IsLive(runner *store.Runner) bool {
	return time.Since(runner.LastHeartbeatAt) < r.cfg.Timeouts.RunnerLiveness()
}

// Start launches the dead-runner reaper.
func (r *Registry) Start(ctx context.Context) {
	interval := r.cfg.Timeouts.RunnerLiveness() / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.reap(ctx)
			}
		}
	}()
}

// Stop halts the reaper and waits for it.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// reap fails over runners whose heartbeat went stale: callback first so the
// pool can mark their sandboxes cold, then drop the registration. A runner
// that comes back simply re-registers.
func (r *Registry) reap(ctx context.Context) {
	dead, err := r.store.ListDeadRunners(ctx, r.cfg.Timeouts.RunnerLiveness())
	if err != nil {
		r.log.Warn("Failed to list dead runners", zap.Error(err))
		return
	}

	for _, runner := range dead {
		r.log.Warn("Runner missed heartbeats, failing over",
			zap.String("runner_id", runner.ID),
			zap.Time("last_heartbeat", runner.LastHeartbeatAt),
			zap.Int("active", runner.ActiveCount))

		if r.onDead != nil {
			r.onDead(ctx, runner)
		}
		if err := r.store.DeleteRunner(ctx, runner.ID); err != nil {
			r.log.Warn("Failed to delete dead runner", zap.String("runner_id", runner.ID), zap.Error(err))
			continue
		}
		r.publish(ctx, events.RunnerDead, runner, runner.ActiveCount)
	}
}

func (r *Registry) publish(ctx context.Context, eventType string, runner *store.Runner, sandboxes int) {
	if r.bus == nil {
		return
	}
	subject := bus.SubjectRunnerAlive
	if eventType == events.RunnerDead {
		subject = bus.SubjectRunnerDead
	}
	err := r.bus.Publish(ctx, subject, bus.NewEvent(eventType, "runner-registry", events.RunnerPayload{
		RunnerID:  runner.ID,
		Host:      runner.Host,
		Port:      runner.Port,
		Sandboxes: sandboxes,
	}))
	if err != nil {
		r.log.Debug("Failed to publish runner event", zap.Error(err))
	}
}
