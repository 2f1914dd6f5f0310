package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	v1 "github.com/ashrun/ash/pkg/api/v1"
)

// CreateSession starts a session on a deployed agent.
func (c *Client) CreateSession(ctx context.Context, req v1.CreateSessionRequest) (*v1.Session, error) {
	var out v1.SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// ListSessionsOptions filters ListSessions.
type ListSessionsOptions struct {
	Agent  string
	Status string
	Limit  int
	Offset int
}

// ListSessions returns sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]v1.Session, error) {
	q := url.Values{}
	if opts.Agent != "" {
		q.Set("agent", opts.Agent)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out v1.ListSessionsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// GetSession returns one session.
func (c *Client) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	return c.sessionCall(ctx, http.MethodGet, id, "")
}

// PauseSession snapshots the workspace and tears the sandbox down.
func (c *Client) PauseSession(ctx context.Context, id string) (*v1.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, id, "/pause")
}

// ResumeSession brings a paused, stopped, or failed session back to active.
func (c *Client) ResumeSession(ctx context.Context, id string) (*v1.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, id, "/resume")
}

// StopSession halts the session but keeps it resumable.
func (c *Client) StopSession(ctx context.Context, id string) (*v1.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, id, "/stop")
}

// ForkSession clones the session's workspace and transcript into a new
// session.
func (c *Client) ForkSession(ctx context.Context, id string) (*v1.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, id, "/fork")
}

// EndSession terminates the session for good; the snapshot is retained for
// audit but the session can never be resumed.
func (c *Client) EndSession(ctx context.Context, id string) (*v1.Session, error) {
	return c.sessionCall(ctx, http.MethodDelete, id, "")
}

func (c *Client) sessionCall(ctx context.Context, method, id, verb string) (*v1.Session, error) {
	var out v1.SessionResponse
	path := "/api/sessions/" + url.PathEscape(id) + verb
	if err := c.doJSON(ctx, method, path, nil, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// Exec runs a shell command in the session's sandbox.
func (c *Client) Exec(ctx context.Context, id, command string, timeout time.Duration) (*v1.ExecResult, error) {
	req := v1.ExecRequest{Command: command, TimeoutMS: timeout.Milliseconds()}
	var out v1.ExecResult
	path := "/api/sessions/" + url.PathEscape(id) + "/exec"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionFiles lists the session workspace; Source says whether the listing
// came from the live sandbox or a snapshot.
func (c *Client) SessionFiles(ctx context.Context, id string) (*v1.ListFilesResponse, error) {
	var out v1.ListFilesResponse
	path := "/api/sessions/" + url.PathEscape(id) + "/files/"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadSessionFile returns one workspace file and its source.
func (c *Client) ReadSessionFile(ctx context.Context, id, path string) ([]byte, string, error) {
	data, header, err := c.doRaw(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/files/"+escapePath(path))
	if err != nil {
		return nil, "", err
	}
	return data, header.Get("X-Ash-Source"), nil
}

// WriteSessionFile writes one file into a live workspace.
func (c *Client) WriteSessionFile(ctx context.Context, id, path string, content []byte) error {
	req := v1.WriteFileRequest{Path: path, Content: content}
	return c.doJSON(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/files", req, nil)
}

// DeleteSessionFile removes one file from a live workspace.
func (c *Client) DeleteSessionFile(ctx context.Context, id, path string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id)+"/files/"+escapePath(path), nil, nil)
}

// Messages returns the persisted transcript after the given sequence.
func (c *Client) Messages(ctx context.Context, id string, after int64, limit int) ([]v1.Message, error) {
	path := fmt.Sprintf("/api/sessions/%s/messages?after=%d", url.PathEscape(id), after)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var out v1.ListMessagesResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Events returns the persisted timeline after the given sequence.
func (c *Client) Events(ctx context.Context, id string, after int64, limit int) ([]v1.SessionEvent, error) {
	path := fmt.Sprintf("/api/sessions/%s/events?after=%d", url.PathEscape(id), after)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var out v1.ListEventsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Logs returns recent sandbox log lines.
func (c *Client) Logs(ctx context.Context, id string, limit int) ([]v1.LogEntry, error) {
	path := "/api/sessions/" + url.PathEscape(id) + "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out v1.ListLogsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}
