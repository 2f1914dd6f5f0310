package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/store"
	v1 "github.com/ashrun/ash/pkg/api/v1"
)

// deployAgentRequest is the JSON form of deploy: point the server at a
// bundle directory on its own filesystem. Remote callers upload a tarball
// via multipart instead.
type deployAgentRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// handleDeployAgent accepts either a multipart upload (fields "name" and
// "bundle", a gzip tarball) or a JSON body naming a server-local directory.
func (s *Server) handleDeployAgent(c *gin.Context) {
	agent, err := s.deployFromRequest(c, "")
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.DeployAgentResponse{Agent: toAgent(agent)})
}

// handleRedeployAgent stages the new bundle and swaps it in, bumping the
// version. On failure the previous bundle keeps serving.
func (s *Server) handleRedeployAgent(c *gin.Context) {
	name := c.Param("name")
	agent, err := s.deployFromRequest(c, name)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.DeployAgentResponse{Agent: toAgent(agent)})
}

func (s *Server) deployFromRequest(c *gin.Context, fixedName string) (*store.Agent, error) {
	tenant := tenantFrom(c)
	ctx := c.Request.Context()

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		name := fixedName
		if name == "" {
			name = c.PostForm("name")
		}
		if name == "" {
			return nil, errs.New(errs.KindBadRequest, "name is required")
		}
		file, _, err := c.Request.FormFile("bundle")
		if err != nil {
			return nil, errs.Wrap(errs.KindBadRequest, "bundle file is required", err)
		}
		defer func() { _ = file.Close() }()
		return s.agents.DeployBundle(ctx, tenant, name, file)
	}

	var req deployAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "invalid deploy request", err)
	}
	if fixedName != "" {
		req.Name = fixedName
	}
	if req.Name == "" || req.Path == "" {
		return nil, errs.New(errs.KindBadRequest, "name and path are required")
	}
	return s.agents.Deploy(ctx, tenant, req.Name, req.Path)
}

func (s *Server) handleListAgents(c *gin.Context) {
	list, err := s.agents.List(c.Request.Context(), tenantFrom(c))
	if err != nil {
		renderError(c, err)
		return
	}
	out := make([]v1.Agent, 0, len(list))
	for _, a := range list {
		out = append(out, toAgent(a))
	}
	c.JSON(http.StatusOK, v1.ListAgentsResponse{Agents: out})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.agents.Get(c.Request.Context(), tenantFrom(c), c.Param("name"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.DeployAgentResponse{Agent: toAgent(agent)})
}

func (s *Server) handleDeleteAgent(c *gin.Context) {
	if err := s.agents.Delete(c.Request.Context(), tenantFrom(c), c.Param("name")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// handleAgentFiles lists the bundle at path "/" and reads a file otherwise.
func (s *Server) handleAgentFiles(c *gin.Context) {
	tenant := tenantFrom(c)
	name := c.Param("name")
	path := strings.TrimPrefix(c.Param("path"), "/")

	if path == "" {
		entries, err := s.agents.Files(c.Request.Context(), tenant, name)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, v1.AgentFilesResponse{Agent: name, Files: toFileEntries(entries)})
		return
	}

	data, err := s.agents.ReadFile(c.Request.Context(), tenant, name, path)
	if err != nil {
		renderError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}
