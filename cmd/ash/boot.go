package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/agents"
	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/events"
	"github.com/ashrun/ash/internal/httpapi"
	"github.com/ashrun/ash/internal/runner"
	"github.com/ashrun/ash/internal/sandbox/limits"
	"github.com/ashrun/ash/internal/sandbox/manager"
	"github.com/ashrun/ash/internal/sandbox/pool"
	"github.com/ashrun/ash/internal/session"
	"github.com/ashrun/ash/internal/snapshot"
	"github.com/ashrun/ash/internal/store"
)

// runServer boots the coordinator in-process and blocks until SIGINT or
// SIGTERM. Everything shares one store, one event bus, and one per-session
// lock map; the sandbox manager only exists in standalone mode, where this
// process hosts sandboxes itself.
func runServer(configPath string) {
	_ = godotenv.Load()

	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitUser)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitServer)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Ash",
		zap.String("version", Version),
		zap.String("mode", cfg.Mode),
		zap.String("runtime", cfg.Runtime),
		zap.String("dataDir", cfg.DataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State store
	database, err := db.Open(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = database.Close() }()

	st, err := store.New(database)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	log.Info("Store ready", zap.String("driver", database.DriverName()))

	// Event bus: in-memory unless ASH_NATS_URL points at a cluster.
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// Snapshot store, with the optional S3 tier behind it.
	snaps, err := snapshot.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize snapshot store", zap.Error(err))
	}

	// Local sandbox hosting. A pure coordinator dispatches every sandbox to
	// runners and spawns nothing itself.
	var mgr *manager.Manager
	var localNode *runner.LocalNode
	if cfg.Mode == config.ModeStandalone {
		spawner, err := limits.NewSpawner(cfg, log)
		if err != nil {
			log.Fatal("Failed to initialize sandbox runtime", zap.Error(err))
		}
		mgr = manager.New(cfg, spawner, log)
		localNode = runner.NewLocalNode(mgr, snaps, log)
	}

	// Runner registry and sandbox routing.
	runnerReg := runner.NewRegistry(st, eventBus, cfg, log)
	nodes := runner.NewRouter(cfg, localNode, runnerReg, snaps, log)

	// Pool and session service share the lock map, so eviction and lifecycle
	// operations exclude each other.
	locks := session.NewLocks()
	sandboxes := pool.New(cfg, st, nodes, snaps, eventBus, locks, log)
	if mgr != nil {
		mgr.SetExitHandler(sandboxes.HandleSandboxExit)
		mgr.SetDiskHandler(sandboxes.HandleDiskExceeded)
	}
	runnerReg.SetDeadHandler(sandboxes.HandleRunnerDead)

	agentReg, err := agents.New(cfg, st, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize agent registry", zap.Error(err))
	}
	sessions := session.NewService(cfg, st, agentReg, sandboxes, nodes, snaps, eventBus, locks, log)

	// Reconcile sandbox records left behind by the previous process before
	// accepting traffic.
	if err := sandboxes.Recover(ctx); err != nil {
		log.Warn("Sandbox recovery incomplete", zap.Error(err))
	}

	sandboxes.Start(ctx)
	runnerReg.Start(ctx)

	httpapi.Version = Version
	api := httpapi.New(cfg, st, agentReg, sessions, runnerReg, nodes, sandboxes, log)
	go func() {
		if err := api.Start(); err != nil {
			log.Fatal("API server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Ash...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error("API shutdown error", zap.Error(err))
	}
	runnerReg.Stop()
	sandboxes.Stop()
	if mgr != nil {
		if err := mgr.DestroyAll(shutdownCtx); err != nil {
			log.Error("Sandbox teardown error", zap.Error(err))
		}
	}

	log.Info("Ash stopped")
}
