// Package server implements the bridge process that runs inside each
// sandbox: a unix socket speaking the NDJSON command/event protocol on one
// side, the upstream agent SDK on the other.
package server

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashrun/ash/internal/bridge/driver"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/protocol"
	"go.uber.org/zap"
)

// eventWriteTimeout bounds each event write so a stalled coordinator cannot
// wedge the bridge; the kernel socket buffer provides the backpressure in
// between.
const eventWriteTimeout = 30 * time.Second

// errShutdown unwinds the accept loop when a shutdown command arrives.
var errShutdown = errors.New("shutdown requested")

// Server accepts coordinator connections and drives the agent SDK.
type Server struct {
	cfg          *Config
	drv          driver.Driver
	log          *logger.Logger
	systemPrompt string

	connsMu sync.Mutex
	conns   map[*connHandler]struct{}

	ln       net.Listener
	shutdown context.CancelFunc
}

// New creates a bridge server. The agent's system prompt (CLAUDE.md in the
// agent dir) is loaded once here. Passing a nil driver builds the standard
// CLI driver with its stderr forwarded as log events.
func New(cfg *Config, drv driver.Driver, log *logger.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		log:   log.WithFields(zap.String("component", "bridge-server")),
		conns: make(map[*connHandler]struct{}),
	}
	s.systemPrompt = loadSystemPrompt(cfg.AgentDir, s.log)

	if drv == nil {
		drv = driver.NewCLI(driver.Options{
			WorkspaceDir: cfg.WorkspaceDir,
			SystemPrompt: s.systemPrompt,
			UseRealSDK:   cfg.UseRealSDK,
			LogSink: func(text string) {
				s.EmitLog(protocol.LogStderr, text)
			},
		}, log)
	}
	s.drv = drv
	return s
}

// SystemPrompt returns the loaded agent system prompt.
func (s *Server) SystemPrompt() string {
	return s.systemPrompt
}

func loadSystemPrompt(agentDir string, log *logger.Logger) string {
	path := filepath.Join(agentDir, "CLAUDE.md")
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("no agent system prompt", zap.String("path", path), zap.Error(err))
		return ""
	}
	return string(data)
}

// Run listens on the socket and serves connections until ctx is cancelled
// or a shutdown command arrives.
func (s *Server) Run(ctx context.Context) error {
	// A previous bridge instance may have left the socket file behind.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.ln = ln
	defer ln.Close()
	defer os.Remove(s.cfg.SocketPath)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.shutdown = cancel

	go func() {
		<-runCtx.Done()
		ln.Close()
	}()

	s.log.Info("bridge listening", zap.String("socket", s.cfg.SocketPath))

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if runCtx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			h := newConnHandler(s, conn)
			if err := h.serve(runCtx); errors.Is(err, errShutdown) {
				s.log.Info("shutdown command received")
				cancel()
			}
		}()
	}
}
