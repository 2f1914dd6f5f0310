package main

// Message types matching the claude stream-json protocol.
const (
	typeSystem    = "system"
	typeAssistant = "assistant"
	typeUser      = "user"
	typeResult    = "result"
)

// Content block types.
const (
	blockText       = "text"
	blockThinking   = "thinking"
	blockToolUse    = "tool_use"
	blockToolResult = "tool_result"
)

// incomingMessage is the minimal shape parsed from stdin.
type incomingMessage struct {
	Type    string        `json:"type"`
	Message *incomingBody `json:"message,omitempty"`
}

type incomingBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// systemMsg opens every turn.
type systemMsg struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	CWD       string `json:"cwd,omitempty"`
}

// assistantMsg carries content blocks.
type assistantMsg struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Message   assistantBody `json:"message"`
}

type assistantBody struct {
	Role    string         `json:"role"`
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
}

// userMsg carries tool results back into the transcript.
type userMsg struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Message   userBody `json:"message"`
}

type userBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// thinking block
	Thinking string `json:"thinking,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// resultMsg closes the turn.
type resultMsg struct {
	Type       string  `json:"type"`
	Subtype    string  `json:"subtype"`
	SessionID  string  `json:"session_id"`
	IsError    bool    `json:"is_error"`
	Result     string  `json:"result,omitempty"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	TotalCost  float64 `json:"total_cost_usd"`
}
