package v1

import "time"

// Session statuses as they appear on the wire. They mirror the lifecycle
// states persisted by the server.
const (
	SessionStarting = "starting"
	SessionActive   = "active"
	SessionPaused   = "paused"
	SessionStopped  = "stopped"
	SessionEnded    = "ended"
	SessionError    = "error"
)

// Session is the API view of a hosted agent session.
type Session struct {
	ID              string    `json:"id"`
	AgentName       string    `json:"agentName"`
	Status          string    `json:"status"`
	SandboxID       string    `json:"sandboxId,omitempty"`
	RunnerID        string    `json:"runnerId,omitempty"`
	ParentSessionID string    `json:"parentSessionId,omitempty"`
	Model           string    `json:"model,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActiveAt    time.Time `json:"lastActiveAt"`
}

// CreateSessionRequest starts a new session on a deployed agent.
type CreateSessionRequest struct {
	Agent         string            `json:"agent" binding:"required"`
	Model         string            `json:"model,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	StartupScript string            `json:"startupScript,omitempty"`
}

// SessionResponse wraps a single session.
type SessionResponse struct {
	Session Session `json:"session"`
}

// ListSessionsResponse wraps the session collection.
type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// SendMessageRequest submits one user turn. Empty content resumes the
// upstream conversation without new input; it is rejected on a session
// that has no prior turns.
type SendMessageRequest struct {
	Content                string `json:"content"`
	IncludePartialMessages bool   `json:"includePartialMessages,omitempty"`
}
