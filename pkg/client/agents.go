package client

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	v1 "github.com/ashrun/ash/pkg/api/v1"
)

// DeployAgentBundle uploads a gzip tarball as a new agent. The bundle
// streams through a pipe, so arbitrarily large bundles never buffer whole.
func (c *Client) DeployAgentBundle(ctx context.Context, name string, bundle io.Reader) (*v1.Agent, error) {
	return c.uploadBundle(ctx, http.MethodPost, "/api/agents", name, bundle)
}

// RedeployAgentBundle replaces an agent's bundle, bumping its version. On
// server-side failure the previous version keeps serving.
func (c *Client) RedeployAgentBundle(ctx context.Context, name string, bundle io.Reader) (*v1.Agent, error) {
	return c.uploadBundle(ctx, http.MethodPatch, "/api/agents/"+url.PathEscape(name), name, bundle)
}

func (c *Client) uploadBundle(ctx context.Context, method, path, name string, bundle io.Reader) (*v1.Agent, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			if err := form.WriteField("name", name); err != nil {
				return err
			}
			part, err := form.CreateFormFile("bundle", name+".tar.gz")
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, bundle); err != nil {
				return err
			}
			return form.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, method, path, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	var out v1.DeployAgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out.Agent, nil
}

// DeployAgentPath deploys from a directory on the server's own filesystem.
func (c *Client) DeployAgentPath(ctx context.Context, name, path string) (*v1.Agent, error) {
	var out v1.DeployAgentResponse
	body := map[string]string{"name": name, "path": path}
	if err := c.doJSON(ctx, http.MethodPost, "/api/agents", body, &out); err != nil {
		return nil, err
	}
	return &out.Agent, nil
}

// ListAgents returns all deployed agents.
func (c *Client) ListAgents(ctx context.Context) ([]v1.Agent, error) {
	var out v1.ListAgentsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent returns one agent by name.
func (c *Client) GetAgent(ctx context.Context, name string) (*v1.Agent, error) {
	var out v1.DeployAgentResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out.Agent, nil
}

// DeleteAgent removes an agent's registration and bundle. Live sessions
// keep their already-copied bundle.
func (c *Client) DeleteAgent(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(name), nil, nil)
}

// AgentFiles lists the deployed bundle's contents.
func (c *Client) AgentFiles(ctx context.Context, name string) ([]v1.FileEntry, error) {
	var out v1.AgentFilesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(name)+"/files/", nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// ReadAgentFile returns one bundle file's bytes.
func (c *Client) ReadAgentFile(ctx context.Context, name, path string) ([]byte, error) {
	data, _, err := c.doRaw(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(name)+"/files/"+escapePath(path))
	return data, err
}
