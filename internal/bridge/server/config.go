package server

import (
	"fmt"
	"os"
)

// Config is the bridge's contract with its spawner, read from environment
// variables exported by the sandbox manager.
type Config struct {
	// SocketPath is where the bridge listens for the coordinator.
	SocketPath string
	// AgentDir holds the deployed agent files (CLAUDE.md and friends).
	AgentDir string
	// WorkspaceDir is the agent's working directory.
	WorkspaceDir string
	// UseRealSDK selects the real CLI over the mock agent.
	UseRealSDK bool
	// LogLevel controls the bridge's own logging.
	LogLevel string
}

// LoadConfig reads the bridge configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		SocketPath:   os.Getenv("ASH_BRIDGE_SOCKET"),
		AgentDir:     os.Getenv("ASH_AGENT_DIR"),
		WorkspaceDir: os.Getenv("ASH_WORKSPACE_DIR"),
		UseRealSDK:   os.Getenv("ASH_USE_REAL_SDK") == "1",
		LogLevel:     getEnv("ASH_BRIDGE_LOG_LEVEL", "info"),
	}

	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("ASH_BRIDGE_SOCKET is required")
	}
	if cfg.WorkspaceDir == "" {
		return nil, fmt.Errorf("ASH_WORKSPACE_DIR is required")
	}
	if cfg.AgentDir == "" {
		cfg.AgentDir = cfg.WorkspaceDir
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
