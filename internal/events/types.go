// Package events defines the event types and subject builders shared by
// everything that publishes to or subscribes on the bus.
package events

import (
	"fmt"

	"github.com/ashrun/ash/internal/events/bus"
)

// Event types for session lifecycle
const (
	SessionCreated = "session.created"
	SessionPaused  = "session.paused"
	SessionResumed = "session.resumed"
	SessionStopped = "session.stopped"
	SessionEnded   = "session.ended"
	SessionFailed  = "session.failed"
	SessionForked  = "session.forked"
)

// Event types for the message stream
const (
	StreamEvent = "stream.event" // one classified SSE frame
	StreamLog   = "stream.log"   // one bridge log line
)

// Event types for the sandbox pool
const (
	SandboxCreated = "sandbox.created"
	SandboxEvicted = "sandbox.evicted"
	SandboxLost    = "sandbox.lost" // process died outside a lifecycle op
)

// Event types for runners
const (
	RunnerRegistered = "runner.registered"
	RunnerDead       = "runner.dead"
)

// Event types for the agent registry
const (
	AgentDeployed   = "agent.deployed"
	AgentRedeployed = "agent.redeployed"
	AgentDeleted    = "agent.deleted"
)

// Eviction reasons carried in SandboxEvictedPayload.
const (
	EvictReasonLRU    = "lru"
	EvictReasonIdle   = "idle"
	EvictReasonDisk   = "disk"
	EvictReasonPause  = "pause"
	EvictReasonStop   = "stop"
	EvictReasonEnd    = "end"
	EvictReasonRunner = "runner_dead"
	EvictReasonBridge = "bridge_lost"
)

// SessionPayload accompanies session lifecycle events.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
	AgentName string `json:"agentName"`
	Status    string `json:"status"`
	RunnerID  string `json:"runnerId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StreamEventPayload is one classified frame as it goes out over SSE.
type StreamEventPayload struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	Data      []byte `json:"data"`
}

// LogPayload is one bridge log line.
type LogPayload struct {
	SessionID string `json:"sessionId"`
	Level     string `json:"level"` // stdout, stderr, system
	Text      string `json:"text"`
}

// SandboxEvictedPayload accompanies SandboxEvicted and SandboxLost.
type SandboxEvictedPayload struct {
	SandboxID string `json:"sandboxId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Snapshot  bool   `json:"snapshot"` // whether a workspace snapshot was persisted
}

// RunnerPayload accompanies runner events.
type RunnerPayload struct {
	RunnerID  string `json:"runnerId"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Sandboxes int    `json:"sandboxes,omitempty"` // live sandboxes affected, for runner.dead
}

// AgentPayload accompanies agent registry events.
type AgentPayload struct {
	TenantID  string `json:"tenantId"`
	AgentName string `json:"agentName"`
	Version   int    `json:"version,omitempty"`
}

// BuildSessionEventsSubject returns the subject classified frames for one
// session are published on.
func BuildSessionEventsSubject(sessionID string) string {
	return fmt.Sprintf(bus.SubjectSessionEvents, sessionID)
}

// BuildSessionEventsWildcardSubject subscribes to classified frames for all
// sessions.
func BuildSessionEventsWildcardSubject() string {
	return fmt.Sprintf(bus.SubjectSessionEvents, "*")
}

// BuildSessionLogsSubject returns the subject bridge log lines for one
// session are published on.
func BuildSessionLogsSubject(sessionID string) string {
	return fmt.Sprintf(bus.SubjectSessionLogs, sessionID)
}

// BuildSessionLogsWildcardSubject subscribes to bridge logs for all sessions.
func BuildSessionLogsWildcardSubject() string {
	return fmt.Sprintf(bus.SubjectSessionLogs, "*")
}
