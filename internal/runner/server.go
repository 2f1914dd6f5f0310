package runner

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/httpmw"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/protocol"
	"github.com/ashrun/ash/internal/sandbox/manager"
	"github.com/ashrun/ash/internal/snapshot"
)

// Server is the runner daemon's internal HTTP API. It exposes the local
// sandbox manager to the coordinator; it keeps no store and makes no
// placement decisions of its own.
type Server struct {
	cfg    *config.Config
	mgr    *manager.Manager
	log    *logger.Logger
	router *gin.Engine
}

// NewServer builds the runner API around a sandbox manager.
func NewServer(cfg *config.Config, mgr *manager.Manager, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		log:    log.WithFields(zap.String("component", "runner-api")),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.log, "runnerd"))
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler for the runner API.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/api/internal", httpmw.InternalSecret(s.cfg.InternalSecret))
	{
		api.POST("/sandboxes", s.handleCreate)
		api.GET("/sandboxes", s.handleList)
		api.GET("/sandboxes/:id", s.handleGet)
		api.DELETE("/sandboxes/:id", s.handleDestroy)

		api.POST("/sandboxes/:id/query", s.handleQuery)
		api.POST("/sandboxes/:id/interrupt", s.handleInterrupt)
		api.POST("/sandboxes/:id/exec", s.handleExec)

		// The files GET doubles as list (path "/") and read (anything else);
		// gin keeps one route per method, so the catch-all carries both.
		api.GET("/sandboxes/:id/files/*path", s.handleReadFiles)
		api.PUT("/sandboxes/:id/files", s.handleWriteFile)
		api.DELETE("/sandboxes/:id/files/*path", s.handleDeleteFile)

		api.GET("/sandboxes/:id/workspace", s.handleWorkspace)
		api.GET("/sandboxes/:id/logs", s.handleLogs)
	}
}

func renderError(c *gin.Context, err error) {
	c.JSON(errs.HTTPStatus(err), errorEnvelope{
		Error: errs.Message(err),
		Kind:  string(errs.KindOf(err)),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	live, warming := s.mgr.Counts()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"sandboxes": live,
		"warming":   warming,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCreate consumes the multipart create request part by part: meta
// first, then the agent bundle, then the optional workspace snapshot. Only
// one part is readable at a time, so when a workspace part follows the
// agent bundle is staged to disk instead of streamed into the sandbox.
func (s *Server) handleCreate(c *gin.Context) {
	reader, err := c.Request.MultipartReader()
	if err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "expected multipart request", err))
		return
	}

	part, err := reader.NextPart()
	if err != nil || part.FormName() != "meta" {
		renderError(c, errs.New(errs.KindBadRequest, "meta part must come first"))
		return
	}
	var meta CreateMeta
	if err := json.NewDecoder(part).Decode(&meta); err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "invalid meta part", err))
		return
	}
	if meta.SandboxID == "" || meta.AgentName == "" {
		renderError(c, errs.New(errs.KindBadRequest, "sandboxId and agentName are required"))
		return
	}

	agentPart, err := reader.NextPart()
	if err != nil || agentPart.FormName() != "agent" {
		renderError(c, errs.New(errs.KindBadRequest, "agent part must follow meta"))
		return
	}

	spec := manager.CreateSpec{
		SandboxID:     meta.SandboxID,
		AgentName:     meta.AgentName,
		CredentialEnv: meta.CredentialEnv,
		ExtraEnv:      meta.ExtraEnv,
		StartupScript: meta.StartupScript,
	}

	if meta.HasWorkspace {
		stage, err := s.stageAgentBundle(meta.SandboxID, agentPart)
		if err != nil {
			renderError(c, errs.Wrap(errs.KindBadRequest, "failed to unpack agent bundle", err))
			return
		}
		defer func() { _ = os.RemoveAll(stage) }()

		wsPart, err := reader.NextPart()
		if err != nil || wsPart.FormName() != "workspace" {
			renderError(c, errs.New(errs.KindBadRequest, "announced workspace part is missing"))
			return
		}
		spec.AgentDir = stage
		spec.WorkspaceArchive = wsPart
	} else {
		spec.AgentArchive = agentPart
	}

	info, err := s.mgr.Create(c.Request.Context(), spec)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) stageAgentBundle(sandboxID string, r io.Reader) (string, error) {
	base := filepath.Join(s.cfg.DataDir, "staging")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	stage, err := os.MkdirTemp(base, sandboxID+"-*")
	if err != nil {
		return "", err
	}
	if err := snapshot.ExtractWorkspaceArchive(r, stage); err != nil {
		_ = os.RemoveAll(stage)
		return "", err
	}
	return stage, nil
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.List())
}

func (s *Server) handleGet(c *gin.Context) {
	info, err := s.mgr.Get(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleDestroy(c *gin.Context) {
	removeWorkspace := c.Query("workspace") == "true"
	if err := s.mgr.Destroy(c.Request.Context(), c.Param("id"), removeWorkspace); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "destroyed"})
}

// handleQuery relays one bridge command as a chunked NDJSON event stream.
// The response stays open until the bridge's terminal event; if the
// coordinator drops mid-stream the bridge client drains internally so the
// sandbox stays usable.
func (s *Server) handleQuery(c *gin.Context) {
	var cmd protocol.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "invalid command", err))
		return
	}

	cli, err := s.mgr.Client(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	events, err := cli.Send(c.Request.Context(), &cmd)
	if err != nil {
		renderError(c, err)
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)

	enc := protocol.NewEncoder(c.Writer)
	writeFailed := false
	for ev := range events {
		if writeFailed {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			writeFailed = true
			continue
		}
		c.Writer.Flush()
	}
}

func (s *Server) handleInterrupt(c *gin.Context) {
	cli, err := s.mgr.Client(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if err := cli.Interrupt(); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted"})
}

func (s *Server) handleExec(c *gin.Context) {
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "invalid exec request", err))
		return
	}
	if req.Command == "" {
		renderError(c, errs.New(errs.KindBadRequest, "command is required"))
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	result, err := s.mgr.Exec(c.Request.Context(), c.Param("id"), req.Command, timeout)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExecResponse{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr})
}

func (s *Server) handleReadFiles(c *gin.Context) {
	id := c.Param("id")
	path := strings.TrimPrefix(c.Param("path"), "/")

	if path == "" {
		entries, err := s.mgr.ReadFiles(id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
		return
	}

	data, err := s.mgr.ReadFile(id, path)
	if err != nil {
		renderError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) handleWriteFile(c *gin.Context) {
	var req WriteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "invalid write request", err))
		return
	}
	if err := s.mgr.WriteFile(c.Param("id"), req.Path, req.Content); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "written"})
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	if path == "" {
		renderError(c, errs.New(errs.KindBadRequest, "path is required"))
		return
	}
	if err := s.mgr.DeleteFile(c.Param("id"), path); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// handleWorkspace streams the live workspace as a gzip tarball. The
// coordinator pulls this before evicting a remote sandbox.
func (s *Server) handleWorkspace(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.mgr.Get(id); err != nil {
		renderError(c, err)
		return
	}

	c.Header("Content-Type", "application/gzip")
	c.Status(http.StatusOK)
	if err := s.mgr.WorkspaceArchive(id, c.Writer); err != nil {
		// Headers are gone; all we can do is cut the stream short.
		s.log.Warn("Workspace archive stream failed", zap.String("sandboxId", id), zap.Error(err))
	}
}

func (s *Server) handleLogs(c *gin.Context) {
	id := c.Param("id")
	n, err := strconv.Atoi(c.DefaultQuery("n", "100"))
	if err != nil || n < 0 {
		renderError(c, errs.New(errs.KindBadRequest, "n must be a non-negative integer"))
		return
	}

	if c.Query("follow") != "true" {
		entries, err := s.mgr.Logs(id, n)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
		return
	}

	backlog, ch, cancel, err := s.mgr.FollowLogs(id, n)
	if err != nil {
		renderError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)

	enc := protocol.NewEncoder(c.Writer)
	for _, entry := range backlog {
		if err := enc.Encode(entry); err != nil {
			return
		}
	}
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(entry); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
