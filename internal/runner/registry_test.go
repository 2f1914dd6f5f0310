package runner

import (
	"context"
	"testing"
	"time"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/store"
)

func newTestRegistry(t *testing.T, livenessSeconds int) *Registry {
	t.Helper()
	cfg := &config.Config{
		DBDriver: config.DriverSQLite,
		DataDir:  t.TempDir(),
		Timeouts: config.TimeoutsConfig{Heartbeat: 1, RunnerLive: livenessSeconds},
	}

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
	return NewRegistry(st, nil, cfg, log)
}

func TestRegisterAndLive(t *testing.T) {
	reg := newTestRegistry(t, 30)
	ctx := context.Background()

	r, err := reg.Register(ctx, RegisterRequest{ID: "r1", Host: "10.0.0.5", Port: 4101, MaxSandboxes: 8})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.MaxSandboxes != 8 {
		t.Errorf("MaxSandboxes = %d", r.MaxSandboxes)
	}

	live, err := reg.Live(ctx)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	if len(live) != 1 || live[0].ID != "r1" {
		t.Fatalf("live = %+v, want [r1]", live)
	}
	if !reg.IsLive(live[0]) {
		t.Error("freshly registered runner should be live")
	}
}

func TestRegisterValidates(t *testing.T) {
	reg := newTestRegistry(t, 30)
	ctx := context.Background()

	bad := []RegisterRequest{
		{Host: "h", Port: 1},
		{ID: "x", Port: 1},
		{ID: "x", Host: "h"},
		{ID: "x", Host: "h", Port: -4},
	}
	for _, req := range bad {
		if _, err := reg.Register(ctx, req); !errs.Is(err, errs.KindBadRequest) {
			t.Errorf("Register(%+v): want KindBadRequest, got %v", req, err)
		}
	}

	// Zero capacity defaults to one slot rather than an unroutable runner.
	r, err := reg.Register(ctx, RegisterRequest{ID: "tiny", Host: "h", Port: 1})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.MaxSandboxes != 1 {
		t.Errorf("defaulted MaxSandboxes = %d, want 1", r.MaxSandboxes)
	}
}

func TestHeartbeatUpdatesLoad(t *testing.T) {
	reg := newTestRegistry(t, 30)
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterRequest{ID: "r1", Host: "h", Port: 4101, MaxSandboxes: 4}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Heartbeat(ctx, HeartbeatRequest{ID: "r1", Active: 2, Warming: 1}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	r, err := reg.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.ActiveCount != 2 || r.WarmingCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", r.ActiveCount, r.WarmingCount)
	}
	if r.FreeSlots() != 1 {
		t.Errorf("FreeSlots = %d, want 1", r.FreeSlots())
	}
}

func TestHeartbeatUnknownRunnerIsNotFound(t *testing.T) {
	reg := newTestRegistry(t, 30)

	err := reg.Heartbeat(context.Background(), HeartbeatRequest{ID: "ghost", Active: 0})
	if !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("unknown heartbeat: want KindNotFound, got %v", err)
	}
}

func TestReapFailsOverStaleRunners(t *testing.T) {
	reg := newTestRegistry(t, 1)
	ctx := context.Background()

	var deadID string
	reg.SetDeadHandler(func(ctx context.Context, r *store.Runner) {
		deadID = r.ID
	})

	if _, err := reg.Register(ctx, RegisterRequest{ID: "stale", Host: "h", Port: 4101, MaxSandboxes: 2}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Let the 1s liveness window lapse, with margin for the cutoff's
	// one-second resolution, then reap directly.
	time.Sleep(2200 * time.Millisecond)
	reg.reap(ctx)

	if deadID != "stale" {
		t.Errorf("dead handler got %q, want stale", deadID)
	}
	if _, err := reg.Get(ctx, "stale"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Get after reap: want KindNotFound, got %v", err)
	}

	// A reaped runner re-registers cleanly.
	if _, err := reg.Register(ctx, RegisterRequest{ID: "stale", Host: "h", Port: 4101, MaxSandboxes: 2}); err != nil {
		t.Errorf("re-register after reap: %v", err)
	}
}
