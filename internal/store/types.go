// Package store persists agents, sessions, sandboxes, messages, timeline
// events, runners and API keys on SQLite or PostgreSQL.
package store

import "time"

// DefaultTenant tags rows created without an explicit tenant.
const DefaultTenant = "default"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionStopped  SessionStatus = "stopped"
	SessionEnded    SessionStatus = "ended"
	SessionError    SessionStatus = "error"
)

// Terminal reports whether the status permits no further lifecycle
// transitions. Ended sessions can still be forked; the fork is a new session.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded
}

// SandboxState is the lifecycle state of a sandbox record. Transitions are
// monotone along cold → warming → warm → waiting → running → waiting → …;
// cold is terminal for the record.
type SandboxState string

const (
	SandboxCold    SandboxState = "cold"
	SandboxWarming SandboxState = "warming"
	SandboxWarm    SandboxState = "warm"
	SandboxWaiting SandboxState = "waiting"
	SandboxRunning SandboxState = "running"
)

// Live reports whether the sandbox counts against fleet capacity.
func (s SandboxState) Live() bool {
	switch s {
	case SandboxWarming, SandboxWarm, SandboxWaiting, SandboxRunning:
		return true
	}
	return false
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Timeline event types.
const (
	EventText         = "text"
	EventToolStart    = "tool_start"
	EventToolResult   = "tool_result"
	EventReasoning    = "reasoning"
	EventError        = "error"
	EventTurnComplete = "turn_complete"
	EventLifecycle    = "lifecycle"
)

// Agent is a deployed program bundle: a directory with a CLAUDE.md system
// prompt and optional .mcp.json, .claude/settings.json and install.sh.
type Agent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is one conversation with an agent.
type Session struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenantId"`
	AgentName       string        `json:"agentName"`
	SandboxID       string        `json:"sandboxId,omitempty"`
	Status          SessionStatus `json:"status"`
	RunnerID        string        `json:"runnerId,omitempty"`
	ParentSessionID string        `json:"parentSessionId,omitempty"`
	Model           string        `json:"model,omitempty"`
	// UpstreamSessionID is the agent SDK's own session id, reported by the
	// bridge's done events and replayed on later queries so the SDK
	// continues its conversation.
	UpstreamSessionID string    `json:"upstreamSessionId,omitempty"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActiveAt      time.Time `json:"lastActiveAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Sandbox is the durable descriptor of an isolated bridge process. Its id
// equals the owning session's id; SessionID is cleared while a record sits
// in the warm pool unbound.
type Sandbox struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenantId"`
	SessionID    string       `json:"sessionId,omitempty"`
	AgentName    string       `json:"agentName"`
	State        SandboxState `json:"state"`
	WorkspaceDir string       `json:"workspaceDir,omitempty"`
	Caps         string       `json:"caps,omitempty"` // runtime capability snapshot, JSON
	LastUsedAt   time.Time    `json:"lastUsedAt"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Message is one persisted user or assistant turn. Content carries the raw
// upstream SDK message verbatim; it is never reshaped by the store.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionEvent is one classified timeline entry. Events keep their own
// monotonic sequence, independent of the message counter.
type SessionEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"createdAt"`
}

// Runner is a registered worker node.
type Runner struct {
	ID              string    `json:"id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	MaxSandboxes    int       `json:"maxSandboxes"`
	ActiveCount     int       `json:"activeCount"`
	WarmingCount    int       `json:"warmingCount"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	RegisteredAt    time.Time `json:"registeredAt"`
}

// FreeSlots reports how many more sandboxes the runner can host.
func (r *Runner) FreeSlots() int {
	return r.MaxSandboxes - r.ActiveCount - r.WarmingCount
}

// APIKey holds the salted hash of an issued key. The plaintext key is shown
// once at creation and never stored.
type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	KeyHash    string     `json:"-"`
	Label      string     `json:"label"`
	Revoked    bool       `json:"revoked"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	AgentName string
	Status    SessionStatus
	Limit     int
	Offset    int
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Type  string
	After int64
	Limit int
}

// Stats is the aggregate snapshot reported by the metrics endpoint.
type Stats struct {
	SessionsByStatus  map[string]int `json:"sessionsByStatus"`
	SandboxesByState  map[string]int `json:"sandboxesByState"`
	TotalMessages     int64          `json:"totalMessages"`
	AvgEndedSessionMs int64          `json:"avgEndedSessionMs"`
}
