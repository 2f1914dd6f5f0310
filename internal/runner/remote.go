package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/bridge/client"
	"github.com/ashrun/ash/internal/common/fsutil"
	"github.com/ashrun/ash/internal/common/httpmw"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/protocol"
	"github.com/ashrun/ash/internal/sandbox/manager"
	"github.com/ashrun/ash/internal/snapshot"
	"github.com/ashrun/ash/internal/store"
)

// RemoteNode drives sandboxes hosted by a runner daemon over its internal
// HTTP API. Creates ship the agent bundle (and any workspace snapshot) as a
// streamed multipart body; snapshots come back the other way as a tarball.
type RemoteNode struct {
	runnerID string
	baseURL  string
	secret   string
	// short handles bounded request/response calls; stream handles creates,
	// queries and workspace transfers, where the context sets the deadline.
	short  *http.Client
	stream *http.Client
	snaps  *snapshot.Store
	log    *logger.Logger
}

// NewRemoteNode wraps a registered runner as a Node.
func NewRemoteNode(r *store.Runner, secret string, snaps *snapshot.Store, log *logger.Logger) *RemoteNode {
	return &RemoteNode{
		runnerID: r.ID,
		baseURL:  fmt.Sprintf("http://%s:%d", r.Host, r.Port),
		secret:   secret,
		short:    &http.Client{Timeout: 30 * time.Second},
		stream:   &http.Client{},
		snaps:    snaps,
		log:      log.WithFields(zap.String("component", "remote-node"), zap.String("runnerId", r.ID)),
	}
}

func (n *RemoteNode) ID() string { return n.runnerID }

// endpoint builds a request URL, escaping each path segment so workspace
// file paths survive the round trip.
func (n *RemoteNode) endpoint(p string) string {
	u := url.URL{Path: p}
	return n.baseURL + u.EscapedPath()
}

func (n *RemoteNode) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(httpmw.InternalSecretHeader, n.secret)
	return req, nil
}

// doJSON runs a bounded JSON request. A nil out discards the response body.
func (n *RemoteNode) doJSON(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := n.newRequest(ctx, method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.short.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "runner unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return n.decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.KindUpstream, "failed to parse runner response", err)
	}
	return nil
}

// errorEnvelope is how runner handlers report failures; kind carries the
// error classification across the wire so the coordinator can map it back
// to the same HTTP status for its own callers.
type errorEnvelope struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (n *RemoteNode) decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != "" {
		kind := errs.Kind(env.Kind)
		if env.Kind == "" {
			kind = kindForStatus(resp.StatusCode)
		}
		return errs.New(kind, env.Error)
	}
	return errs.Newf(kindForStatus(resp.StatusCode), "runner returned %s", resp.Status)
}

func kindForStatus(status int) errs.Kind {
	switch status {
	case http.StatusNotFound:
		return errs.KindNotFound
	case http.StatusBadRequest:
		return errs.KindBadRequest
	case http.StatusConflict:
		return errs.KindBusy
	case http.StatusGone:
		return errs.KindGone
	case http.StatusServiceUnavailable:
		return errs.KindCapacityExceeded
	default:
		return errs.KindUpstream
	}
}

// CreateSandbox ships the agent bundle, and the workspace snapshot when one
// should be restored, as a streamed multipart body so large bundles never
// buffer in coordinator memory.
func (n *RemoteNode) CreateSandbox(ctx context.Context, req CreateRequest) (*manager.Info, error) {
	meta, err := json.Marshal(CreateMeta{
		SandboxID:     req.SandboxID,
		AgentName:     req.AgentName,
		CredentialEnv: req.CredentialEnv,
		ExtraEnv:      req.ExtraEnv,
		StartupScript: req.StartupScript,
		HasWorkspace:  req.RestoreSnapshot,
	})
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	mp := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mp.WriteField("meta", string(meta)); err != nil {
				return err
			}
			agent, err := mp.CreateFormFile("agent", "agent.tar.gz")
			if err != nil {
				return err
			}
			if err := snapshot.WriteBundleArchive(agent, req.AgentDir); err != nil {
				return fmt.Errorf("failed to pack agent bundle: %w", err)
			}
			if req.RestoreSnapshot {
				src, err := n.snaps.OpenArchive(ctx, req.SandboxID)
				if err != nil {
					return fmt.Errorf("failed to open workspace snapshot: %w", err)
				}
				defer func() { _ = src.Close() }()
				ws, err := mp.CreateFormFile("workspace", "workspace.tar.gz")
				if err != nil {
					return err
				}
				if _, err := io.Copy(ws, src); err != nil {
					return fmt.Errorf("failed to stream workspace snapshot: %w", err)
				}
			}
			return mp.Close()
		}()
		pw.CloseWithError(err)
	}()

	httpReq, err := n.newRequest(ctx, http.MethodPost, n.endpoint("/api/internal/sandboxes"), pr)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mp.FormDataContentType())

	resp, err := n.stream.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "runner create failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, n.decodeError(resp)
	}
	var info manager.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "failed to parse create response", err)
	}
	return &info, nil
}

func (n *RemoteNode) DestroySandbox(ctx context.Context, id string, removeWorkspace bool) error {
	u := n.endpoint("/api/internal/sandboxes/"+id) + "?workspace=" + strconv.FormatBool(removeWorkspace)
	return n.doJSON(ctx, http.MethodDelete, u, nil, nil)
}

// SnapshotSandbox pulls the sandbox's workspace tarball off the runner and
// persists it in the coordinator's snapshot store.
func (n *RemoteNode) SnapshotSandbox(ctx context.Context, id, agentName string) bool {
	req, err := n.newRequest(ctx, http.MethodGet, n.endpoint("/api/internal/sandboxes/"+id+"/workspace"), nil)
	if err != nil {
		return false
	}
	resp, err := n.stream.Do(req)
	if err != nil {
		n.log.Warn("Failed to fetch workspace from runner", zap.String("sandboxId", id), zap.Error(err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		n.log.Warn("Runner refused workspace fetch",
			zap.String("sandboxId", id), zap.Int("status", resp.StatusCode))
		return false
	}
	return n.snaps.PersistArchive(ctx, id, agentName, resp.Body)
}

func (n *RemoteNode) Alive(ctx context.Context, id string) bool {
	var info manager.Info
	return n.doJSON(ctx, http.MethodGet, n.endpoint("/api/internal/sandboxes/"+id), nil, &info) == nil
}

// Query posts a bridge command and relays the NDJSON event stream. The
// returned channel closes when the runner ends the response, whether after
// the terminal event or because the connection dropped.
func (n *RemoteNode) Query(ctx context.Context, id string, cmd *protocol.Command) (<-chan *protocol.Event, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	req, err := n.newRequest(ctx, http.MethodPost, n.endpoint("/api/internal/sandboxes/"+id+"/query"), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.stream.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "runner query failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, n.decodeError(resp)
	}

	events := make(chan *protocol.Event, 64)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()
		dec := protocol.NewDecoder(resp.Body)
		for {
			ev, err := dec.NextEvent()
			if err != nil {
				if err != io.EOF {
					n.log.Warn("Runner event stream ended abnormally",
						zap.String("sandboxId", id), zap.Error(err))
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (n *RemoteNode) Interrupt(ctx context.Context, id string) error {
	return n.doJSON(ctx, http.MethodPost, n.endpoint("/api/internal/sandboxes/"+id+"/interrupt"), nil, nil)
}

func (n *RemoteNode) Exec(ctx context.Context, id, command string, timeout time.Duration) (*client.ExecResult, error) {
	payload := ExecRequest{Command: command, TimeoutMS: timeout.Milliseconds()}
	var out ExecResponse
	if err := n.doJSON(ctx, http.MethodPost, n.endpoint("/api/internal/sandboxes/"+id+"/exec"), payload, &out); err != nil {
		return nil, err
	}
	return &client.ExecResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

func (n *RemoteNode) ReadFiles(ctx context.Context, id string) ([]fsutil.Entry, error) {
	var entries []fsutil.Entry
	if err := n.doJSON(ctx, http.MethodGet, n.endpoint("/api/internal/sandboxes/"+id+"/files/"), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (n *RemoteNode) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	req, err := n.newRequest(ctx, http.MethodGet, n.endpoint("/api/internal/sandboxes/"+id+"/files/"+path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.short.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "runner unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, n.decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (n *RemoteNode) WriteFile(ctx context.Context, id, path string, data []byte) error {
	payload := WriteFileRequest{Path: path, Content: data}
	return n.doJSON(ctx, http.MethodPut, n.endpoint("/api/internal/sandboxes/"+id+"/files"), payload, nil)
}

func (n *RemoteNode) DeleteFile(ctx context.Context, id, path string) error {
	return n.doJSON(ctx, http.MethodDelete, n.endpoint("/api/internal/sandboxes/"+id+"/files/"+path), nil, nil)
}

func (n *RemoteNode) Logs(ctx context.Context, id string, limit int) ([]manager.LogEntry, error) {
	u := n.endpoint("/api/internal/sandboxes/"+id+"/logs") + "?n=" + strconv.Itoa(limit)
	var entries []manager.LogEntry
	if err := n.doJSON(ctx, http.MethodGet, u, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
