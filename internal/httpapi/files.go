package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ashrun/ash/internal/errs"
	v1 "github.com/ashrun/ash/pkg/api/v1"
)

// sourceHeader tells file readers whether bytes came from the live sandbox
// or from a snapshot of a suspended session.
const sourceHeader = "X-Ash-Source"

// handleReadFiles serves the workspace listing at path "/" and file reads
// everywhere else.
func (s *Server) handleReadFiles(c *gin.Context) {
	tenant := tenantFrom(c)
	id := c.Param("id")
	path := strings.TrimPrefix(c.Param("path"), "/")

	if path == "" {
		listing, err := s.sessions.Files(c.Request.Context(), tenant, id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, v1.ListFilesResponse{
			Source: listing.Source,
			Files:  toFileEntries(listing.Entries),
		})
		return
	}

	data, source, err := s.sessions.ReadFile(c.Request.Context(), tenant, id, path)
	if err != nil {
		renderError(c, err)
		return
	}
	c.Header(sourceHeader, source)
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) handleWriteFile(c *gin.Context) {
	var req v1.WriteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "invalid write request", err))
		return
	}
	if err := s.sessions.WriteFile(c.Request.Context(), tenantFrom(c), c.Param("id"), req.Path, req.Content); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "written", "path": req.Path})
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	if path == "" {
		renderError(c, errs.New(errs.KindBadRequest, "path is required"))
		return
	}
	if err := s.sessions.DeleteFile(c.Request.Context(), tenantFrom(c), c.Param("id"), path); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "path": path})
}

func (s *Server) handleExec(c *gin.Context) {
	var req v1.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "invalid exec request", err))
		return
	}
	if req.Command == "" {
		renderError(c, errs.New(errs.KindBadRequest, "command is required"))
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	result, err := s.sessions.Exec(c.Request.Context(), tenantFrom(c), c.Param("id"), req.Command, timeout)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.ExecResult{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr})
}
