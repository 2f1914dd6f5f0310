// Command mcp-server exposes a running Ash coordinator as a set of Model
// Context Protocol tools: list agents, create sessions, send messages, run
// commands, end sessions.
//
// The default transport is stdio, for clients that launch the binary
// themselves. --http-port switches to serving SSE at /sse plus streamable
// HTTP at /mcp for clients that connect over the network.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/mcptools"
	"github.com/ashrun/ash/pkg/client"
)

// Version is stamped at build time via -ldflags "-X main.Version=...".
var Version = "dev"

var (
	serverFlag    = flag.String("server", client.DefaultBaseURL, "Ash coordinator URL")
	apiKeyFlag    = flag.String("api-key", "", "API key for the coordinator")
	httpPortFlag  = flag.Int("http-port", 0, "serve SSE and streamable HTTP on this port instead of stdio")
	logLevelFlag  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "console", "log format (console, json)")
)

func main() {
	flag.Parse()

	cfg := mcptools.Config{
		ServerURL: getEnvOrFlag("ASH_SERVER_URL", *serverFlag),
		APIKey:    getEnvOrFlag("ASH_API_KEY", *apiKeyFlag),
		HTTPPort:  *httpPortFlag,
		Version:   Version,
	}

	// Logs go to stderr in both modes: in stdio mode stdout belongs to the
	// protocol.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     *logFormatFlag,
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	srv := mcptools.New(cfg, log)

	if cfg.HTTPPort == 0 {
		runStdio(srv, log)
		return
	}
	runHTTP(srv, cfg, log)
}

func runStdio(srv *mcptools.Server, log *logger.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		log.Error("stdio transport failed", zap.Error(err))
		os.Exit(1)
	}
}

func runHTTP(srv *mcptools.Server, cfg mcptools.Config, log *logger.Logger) {
	if err := srv.StartHTTP(context.Background()); err != nil {
		log.Error("failed to start MCP server", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("Ash MCP server running on :%d\n", srv.Port())
	fmt.Printf("Coordinator: %s\n", cfg.ServerURL)
	fmt.Printf("SSE endpoint: http://localhost:%d/sse\n", srv.Port())
	fmt.Printf("Streamable HTTP endpoint: http://localhost:%d/mcp\n", srv.Port())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mcp-server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}
	log.Info("mcp-server stopped")
}

// getEnvOrFlag returns the environment variable value if set, otherwise the
// flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}
