package runner

// Wire shapes for the runner's internal HTTP API. The coordinator is the
// only client; both sides live in this package so the shapes stay in sync.

// CreateMeta is the JSON part of the multipart create request. The agent
// bundle rides as the "agent" file part, an optional workspace snapshot as
// the "workspace" part. HasWorkspace announces the workspace part up front:
// multipart parts invalidate as soon as the next one is opened, so the
// server must know whether it can stream the agent part straight into the
// sandbox or has to stage it first.
type CreateMeta struct {
	SandboxID     string            `json:"sandboxId"`
	AgentName     string            `json:"agentName"`
	CredentialEnv map[string]string `json:"credentialEnv,omitempty"`
	ExtraEnv      map[string]string `json:"extraEnv,omitempty"`
	StartupScript string            `json:"startupScript,omitempty"`
	HasWorkspace  bool              `json:"hasWorkspace,omitempty"`
}

// ExecRequest runs one command through the sandbox's bridge.
type ExecRequest struct {
	Command   string `json:"command"`
	TimeoutMS int64  `json:"timeoutMs,omitempty"`
}

// ExecResponse mirrors the bridge's exec_result event.
type ExecResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// WriteFileRequest writes one workspace file. Content is base64 on the wire.
type WriteFileRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// RegisterRequest announces a runner to the coordinator.
type RegisterRequest struct {
	ID           string `json:"id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxSandboxes int    `json:"maxSandboxes"`
}

// HeartbeatRequest reports a runner's load.
type HeartbeatRequest struct {
	ID      string `json:"id"`
	Active  int    `json:"active"`
	Warming int    `json:"warming"`
}
