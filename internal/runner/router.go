package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/snapshot"
	"github.com/ashrun/ash/internal/store"
)

// Router resolves which Node hosts a sandbox. Sessions record the runner id
// their sandbox landed on; "" means this process.
type Router struct {
	cfg      *config.Config
	local    *LocalNode
	registry *Registry
	selector Selector
	snaps    *snapshot.Store
	log      *logger.Logger

	mu    sync.Mutex
	cache map[string]*RemoteNode
}

// NewRouter builds a Router. local is nil in pure coordinator mode, where
// every sandbox lives on a runner.
func NewRouter(cfg *config.Config, local *LocalNode, registry *Registry, snaps *snapshot.Store, log *logger.Logger) *Router {
	return &Router{
		cfg:      cfg,
		local:    local,
		registry: registry,
		selector: MostFreeSlots{},
		snaps:    snaps,
		log:      log,
		cache:    make(map[string]*RemoteNode),
	}
}

// Local returns the local node, or nil when this process hosts no sandboxes.
func (r *Router) Local() *LocalNode { return r.local }

// NodeFor returns the node identified by runnerID ("" selects the local
// node). A runner that has dropped out of the registry yields KindGone: its
// sandboxes died with it and only a cold resume can bring the session back.
func (r *Router) NodeFor(ctx context.Context, runnerID string) (Node, error) {
	if runnerID == "" {
		if r.local == nil {
			return nil, errs.New(errs.KindNoRunner, "this coordinator hosts no sandboxes")
		}
		return r.local, nil
	}

	rec, err := r.registry.Get(ctx, runnerID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, errs.Newf(errs.KindGone, "runner %s is no longer registered", runnerID)
		}
		return nil, err
	}
	if !r.registry.IsLive(rec) {
		return nil, errs.Newf(errs.KindGone, "runner %s stopped heartbeating", runnerID)
	}
	return r.remote(rec), nil
}

// PickNode chooses where a new sandbox should live: locally in standalone
// mode, otherwise on the live runner with the most free slots.
func (r *Router) PickNode(ctx context.Context) (Node, error) {
	if r.cfg.Mode == config.ModeStandalone {
		return r.local, nil
	}

	runners, err := r.registry.Live(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to list live runners", err)
	}
	picked := r.selector.Pick(runners)
	if picked == nil {
		return nil, errs.New(errs.KindNoRunner, "no runner with free capacity")
	}
	return r.remote(picked), nil
}

// remote returns a cached RemoteNode, rebuilding it when the runner
// re-registered under a different address.
func (r *Router) remote(rec *store.Runner) *RemoteNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	baseURL := fmt.Sprintf("http://%s:%d", rec.Host, rec.Port)
	if n, ok := r.cache[rec.ID]; ok && n.baseURL == baseURL {
		return n
	}
	n := NewRemoteNode(rec, r.cfg.InternalSecret, r.snaps, r.log)
	r.cache[rec.ID] = n
	return n
}

// Forget drops a runner's cached node. The registry's dead handler calls
// this so a re-registered runner starts from a fresh client.
func (r *Router) Forget(runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, runnerID)
}
