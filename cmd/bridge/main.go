// Package main is the entry point for the bridge binary that runs inside
// each sandbox. It listens on a unix socket for coordinator commands and
// drives the upstream agent SDK, streaming its messages back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashrun/ash/internal/bridge/server"
	"github.com/ashrun/ash/internal/common/logger"
	"go.uber.org/zap"
)

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr: the sandbox manager captures it into the session
	// log file, and stdout stays clean.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.LogLevel,
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting bridge",
		zap.String("socket", cfg.SocketPath),
		zap.String("workspace", cfg.WorkspaceDir),
		zap.String("agent_dir", cfg.AgentDir),
		zap.Bool("real_sdk", cfg.UseRealSDK))

	srv := server.New(cfg, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.Error("bridge server failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("bridge stopped")
}
