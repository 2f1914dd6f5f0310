package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/runner"
	v1 "github.com/ashrun/ash/pkg/api/v1"
)

func (s *Server) handleRegisterRunner(c *gin.Context) {
	if s.runners == nil {
		renderError(c, errs.New(errs.KindInvalidState, "runner registration is only available in coordinator mode"))
		return
	}
	var req runner.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "invalid register request", err))
		return
	}
	r, err := s.runners.Register(c.Request.Context(), req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRunner(r, true))
}

func (s *Server) handleRunnerHeartbeat(c *gin.Context) {
	if s.runners == nil {
		renderError(c, errs.New(errs.KindInvalidState, "runner heartbeat is only available in coordinator mode"))
		return
	}
	var req runner.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "invalid heartbeat request", err))
		return
	}
	if req.ID == "" {
		renderError(c, errs.New(errs.KindBadRequest, "runner id is required"))
		return
	}
	if err := s.runners.Heartbeat(c.Request.Context(), req); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListRunners(c *gin.Context) {
	if s.runners == nil {
		c.JSON(http.StatusOK, v1.ListRunnersResponse{Runners: []v1.Runner{}})
		return
	}
	live, err := s.runners.Live(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	out := make([]v1.Runner, 0, len(live))
	for _, r := range live {
		out = append(out, toRunner(r, true))
	}
	c.JSON(http.StatusOK, v1.ListRunnersResponse{Runners: out})
}
