package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/session"
	"github.com/ashrun/ash/internal/store"
	v1 "github.com/ashrun/ash/pkg/api/v1"
)

func (s *Server) handleCreateSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "invalid create request", err))
		return
	}

	sess, err := s.sessions.Create(c.Request.Context(), req.Agent, session.CreateOptions{
		TenantID:      tenantFrom(c),
		Model:         req.Model,
		Env:           req.Env,
		StartupScript: req.StartupScript,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.SessionResponse{Session: toSession(sess)})
}

func (s *Server) handleListSessions(c *gin.Context) {
	filter := store.SessionFilter{
		AgentName: c.Query("agent"),
		Status:    store.SessionStatus(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			renderError(c, errs.New(errs.KindBadRequest, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			renderError(c, errs.New(errs.KindBadRequest, "offset must be a non-negative integer"))
			return
		}
		filter.Offset = n
	}

	list, err := s.sessions.List(c.Request.Context(), tenantFrom(c), filter)
	if err != nil {
		renderError(c, err)
		return
	}
	out := make([]v1.Session, 0, len(list))
	for _, sess := range list {
		out = append(out, toSession(sess))
	}
	c.JSON(http.StatusOK, v1.ListSessionsResponse{Sessions: out})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), tenantFrom(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.SessionResponse{Session: toSession(sess)})
}

func (s *Server) handlePauseSession(c *gin.Context) {
	s.lifecycle(c, s.sessions.Pause)
}

func (s *Server) handleResumeSession(c *gin.Context) {
	s.lifecycle(c, s.sessions.Resume)
}

func (s *Server) handleStopSession(c *gin.Context) {
	s.lifecycle(c, s.sessions.Stop)
}

func (s *Server) handleEndSession(c *gin.Context) {
	s.lifecycle(c, s.sessions.End)
}

func (s *Server) handleForkSession(c *gin.Context) {
	sess, err := s.sessions.Fork(c.Request.Context(), tenantFrom(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.SessionResponse{Session: toSession(sess)})
}

type lifecycleOp func(ctx context.Context, tenantID, id string) (*store.Session, error)

func (s *Server) lifecycle(c *gin.Context, op lifecycleOp) {
	sess, err := op(c.Request.Context(), tenantFrom(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.SessionResponse{Session: toSession(sess)})
}
