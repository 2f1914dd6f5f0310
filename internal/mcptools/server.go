// Package mcptools exposes Ash operations as Model Context Protocol tools, so
// MCP clients can deploy-and-drive sessions without speaking the HTTP API
// directly. Everything goes through the public Go client; the MCP server
// holds no state of its own.
package mcptools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/pkg/client"
)

// Config holds the MCP server configuration.
type Config struct {
	// ServerURL is the Ash coordinator base URL.
	ServerURL string
	// APIKey is sent as a Bearer token when the coordinator requires one.
	APIKey string
	// HTTPPort switches from the default stdio transport to HTTP serving:
	// SSE at /sse plus streamable HTTP at /mcp on this port.
	HTTPPort int
	// Version is reported to MCP clients during initialization.
	Version string
}

// Server hosts the Ash tool set over stdio or, when HTTPPort is set, over
// the SSE and streamable HTTP transports on one port.
type Server struct {
	cfg Config
	mcp *server.MCPServer
	log *logger.Logger

	mu         sync.Mutex
	httpServer *http.Server
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
	port       int
}

// New builds the server and registers the tool set against cfg.ServerURL.
func New(cfg Config, log *logger.Logger) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	opts := []client.Option{}
	if cfg.APIKey != "" {
		opts = append(opts, client.WithAPIKey(cfg.APIKey))
	}
	api := client.New(cfg.ServerURL, opts...)

	m := server.NewMCPServer(
		"ash",
		cfg.Version,
		server.WithToolCapabilities(true),
	)
	s := &Server{
		cfg: cfg,
		mcp: m,
		log: log.WithFields(zap.String("component", "mcp")),
	}
	registerTools(m, api, s.log)
	return s
}

// ServeStdio blocks, speaking MCP over in/out until the client hangs up or
// ctx is canceled. Nothing else may write to out while this runs.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.log.Info("MCP server on stdio", zap.String("coordinator", s.cfg.ServerURL))
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// StartHTTP serves both HTTP transports on cfg.HTTPPort and returns once the
// listener is up. Port 0 picks a free port; Port() reports the real one.
func (s *Server) StartHTTP(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return fmt.Errorf("server already running")
	}

	s.sse = server.NewSSEServer(s.mcp)
	s.streamable = server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.Handle("/mcp", s.streamable)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on :%d: %w", s.cfg.HTTPPort, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		s.log.Info("MCP server listening",
			zap.Int("port", s.port),
			zap.String("sseEndpoint", "/sse"),
			zap.String("streamableEndpoint", "/mcp"))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("MCP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the HTTP transports down. A stdio server stops with its client.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	if err := s.sse.Shutdown(ctx); err != nil {
		s.log.Warn("failed to shutdown SSE transport", zap.Error(err))
	}
	if err := s.streamable.Shutdown(ctx); err != nil {
		s.log.Warn("failed to shutdown streamable transport", zap.Error(err))
	}
	s.httpServer = nil
	return nil
}

// Port reports the bound HTTP port, once StartHTTP has returned.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}
