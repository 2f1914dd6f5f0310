// Package httpapi serves Ash's public surface: agent deployment, session
// lifecycle, the SSE message stream, workspace files, exec, and the internal
// runner registration API. It is a thin layer; all semantics live in the
// session service, the agent registry, and the pool.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/agents"
	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/httpmw"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/runner"
	"github.com/ashrun/ash/internal/sandbox/pool"
	"github.com/ashrun/ash/internal/sandbox/terminal"
	"github.com/ashrun/ash/internal/session"
	"github.com/ashrun/ash/internal/store"
	v1 "github.com/ashrun/ash/pkg/api/v1"
)

// Version is stamped at build time via
// -ldflags "-X github.com/ashrun/ash/internal/httpapi.Version=v0.3.0".
var Version = "dev"

// Server hosts the coordinator's HTTP API.
type Server struct {
	cfg      *config.Config
	st       *store.Store
	agents   *agents.Registry
	sessions *session.Service
	runners  *runner.Registry
	nodes    *runner.Router
	pool     *pool.Pool
	terms    *terminal.Hub
	log      *logger.Logger
	engine   *gin.Engine
	httpSrv  *http.Server
}

// New wires the API around the already-constructed services.
func New(
	cfg *config.Config,
	st *store.Store,
	agentReg *agents.Registry,
	sessionSvc *session.Service,
	runnerReg *runner.Registry,
	nodes *runner.Router,
	p *pool.Pool,
	log *logger.Logger,
) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		st:       st,
		agents:   agentReg,
		sessions: sessionSvc,
		runners:  runnerReg,
		nodes:    nodes,
		pool:     p,
		terms:    terminal.NewHub(log),
		log:      log.WithFields(zap.String("component", "httpapi")),
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(httpmw.RequestLogger(s.log, "ash"))
	s.engine.Use(httpmw.OtelTracing("ash"))
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE and WebSocket connections outlive any
		// reasonable value; the stream handlers enforce their own
		// per-write deadlines instead.
	}
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpSrv.Addr), zap.String("mode", s.cfg.Mode))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes any debug terminals.
func (s *Server) Shutdown(ctx context.Context) error {
	s.terms.CloseAll()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Unknown paths answer in the same error envelope the API uses, so
	// clients never have to decode gin's default plain-text 404.
	s.engine.NoRoute(func(c *gin.Context) {
		renderError(c, errs.Newf(errs.KindNotFound, "no such route: %s %s", c.Request.Method, c.Request.URL.Path))
	})

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", s.handleMetrics)

	api := s.engine.Group("/api", s.auth())
	{
		api.POST("/agents", s.handleDeployAgent)
		api.GET("/agents", s.handleListAgents)
		api.GET("/agents/:name", s.handleGetAgent)
		api.PATCH("/agents/:name", s.handleRedeployAgent)
		api.DELETE("/agents/:name", s.handleDeleteAgent)
		// Catch-all serves both the listing (path "/") and single-file reads;
		// gin keeps one route per method on a segment.
		api.GET("/agents/:name/files/*path", s.handleAgentFiles)

		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.POST("/sessions/:id/pause", s.handlePauseSession)
		api.POST("/sessions/:id/resume", s.handleResumeSession)
		api.POST("/sessions/:id/stop", s.handleStopSession)
		api.POST("/sessions/:id/fork", s.handleForkSession)
		api.DELETE("/sessions/:id", s.handleEndSession)

		api.POST("/sessions/:id/messages", s.handleSendMessage)
		api.GET("/sessions/:id/messages", s.handleListMessages)
		api.GET("/sessions/:id/events", s.handleListEvents)
		api.GET("/sessions/:id/logs", s.handleSessionLogs)

		api.GET("/sessions/:id/files/*path", s.handleReadFiles)
		api.POST("/sessions/:id/files", s.handleWriteFile)
		api.DELETE("/sessions/:id/files/*path", s.handleDeleteFile)

		api.POST("/sessions/:id/exec", s.handleExec)
		api.GET("/sessions/:id/terminal", s.handleTerminal)
	}

	internal := s.engine.Group("/api/internal", httpmw.InternalSecret(s.cfg.InternalSecret))
	{
		internal.POST("/runners/register", s.handleRegisterRunner)
		internal.POST("/runners/heartbeat", s.handleRunnerHeartbeat)
		internal.GET("/runners", s.handleListRunners)

		// Mirrors of the session ops for trusted in-cluster callers.
		internal.POST("/sessions/:id/pause", s.handlePauseSession)
		internal.POST("/sessions/:id/resume", s.handleResumeSession)
		internal.POST("/sessions/:id/stop", s.handleStopSession)
		internal.POST("/sessions/:id/fork", s.handleForkSession)
		internal.POST("/sessions/:id/end", s.handleEndSession)
		internal.POST("/sessions/:id/exec", s.handleExec)
		internal.POST("/sessions/:id/messages", s.handleSendMessage)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{Status: "ok", Mode: s.cfg.Mode, Version: Version})
}

func (s *Server) handleMetrics(c *gin.Context) {
	stats, err := s.st.Stats(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	pm := s.pool.Metrics()

	liveRunners := 0
	if s.runners != nil {
		if live, err := s.runners.Live(c.Request.Context()); err == nil {
			liveRunners = len(live)
		}
	}

	c.JSON(http.StatusOK, v1.MetricsResponse{
		SessionsByStatus:  stats.SessionsByStatus,
		SandboxesByState:  stats.SandboxesByState,
		TotalMessages:     stats.TotalMessages,
		AvgEndedSessionMS: stats.AvgEndedSessionMs,
		ResumeWarmHits:    pm.ResumeWarmHits,
		ResumeColdHits:    pm.ResumeColdHits,
		Evictions:         pm.Evictions,
		LiveRunners:       liveRunners,
	})
}
