// Command runnerd hosts sandboxes on behalf of an ash coordinator. It serves
// the internal sandbox API and keeps itself registered with the coordinator;
// session state, routing, and the public API all stay on the coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/runner"
	"github.com/ashrun/ash/internal/sandbox/limits"
	"github.com/ashrun/ash/internal/sandbox/manager"
)

// Version is stamped at build time via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to an ash.yaml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	_ = godotenv.Load()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if !cfg.RunnerMode() {
		fmt.Fprintln(os.Stderr, "runnerd needs a runner identity: set ASH_RUNNER_ID and ASH_RUNNER_SERVER_URL")
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Ash runner",
		zap.String("version", Version),
		zap.String("runnerId", cfg.Runner.ID),
		zap.String("runtime", cfg.Runtime),
		zap.String("coordinator", cfg.Runner.ServerURL),
		zap.Int("maxSandboxes", cfg.Runner.MaxSandboxes))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spawner, err := limits.NewSpawner(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize sandbox runtime", zap.Error(err))
	}
	mgr := manager.New(cfg, spawner, log)

	srv := runner.NewServer(cfg, mgr, log)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Runner.Host, cfg.Runner.Port),
		Handler: srv.Router(),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Runner API failed", zap.Error(err))
		}
	}()
	log.Info("Runner API listening", zap.String("addr", httpSrv.Addr))

	hb := runner.NewHeartbeater(cfg, mgr, log)
	hb.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down runner...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	hb.Stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("Runner API shutdown error", zap.Error(err))
	}
	if err := mgr.DestroyAll(shutdownCtx); err != nil {
		log.Error("Sandbox teardown error", zap.Error(err))
	}

	log.Info("Runner stopped")
}
