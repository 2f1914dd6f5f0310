package v1

import (
	"encoding/json"
	"time"
)

// Message is one persisted conversation row. Content carries the upstream
// payload verbatim for assistant rows and plain text for user rows.
type Message struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Sequence  int64           `json:"sequence"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ListMessagesResponse wraps a message page ordered by sequence.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// SessionEvent is one timeline row derived from the upstream stream.
type SessionEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Sequence  int64           `json:"sequence"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ListEventsResponse wraps a timeline page ordered by sequence.
type ListEventsResponse struct {
	Events []SessionEvent `json:"events"`
}

// LogEntry is one line of bridge or sandbox output.
type LogEntry struct {
	Level string    `json:"level"`
	Text  string    `json:"text"`
	TS    time.Time `json:"ts"`
}

// ListLogsResponse wraps recent sandbox log lines, oldest first.
type ListLogsResponse struct {
	Logs []LogEntry `json:"logs"`
}

// StreamFrame is one server-sent event from the message stream: the SSE
// event name plus its JSON data payload.
type StreamFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Stream frame names emitted on the message SSE channel.
const (
	FrameMessage       = "message"
	FrameTextDelta     = "text_delta"
	FrameThinkingDelta = "thinking_delta"
	FrameText          = "text"
	FrameReasoning     = "reasoning"
	FrameToolUse       = "tool_use"
	FrameToolResult    = "tool_result"
	FrameImage         = "image"
	FrameTurnComplete  = "turn_complete"
	FrameSessionStart  = "session_start"
	FrameError         = "error"
	FrameDone          = "done"
)

// DoneData is the payload of a terminal "done" frame.
type DoneData struct {
	SessionID string `json:"sessionId"`
}

// ErrorData is the payload of an in-stream "error" frame.
type ErrorData struct {
	Error string `json:"error"`
}
