package session

import (
	"encoding/json"

	"github.com/ashrun/ash/internal/store"
)

// SSE event names on the message stream.
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

// Frame is one event on a session's live stream.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// TimelineEvent is a classified event destined for the session's persisted
// timeline.
type TimelineEvent struct {
	Type string
	Data json.RawMessage
}

// Classified is everything derived from one upstream SDK message: the frames
// to stream and the rows to persist. The raw message frame always comes
// first, so no upstream data is ever dropped even when nothing classifies.
type Classified struct {
	Frames   []Frame
	Timeline []TimelineEvent

	// PersistMessage marks upstream messages that become a message row
	// (assistant content and the final result). The row's content is the
	// raw line, so the transcript survives verbatim.
	PersistMessage bool
	Role           string
}

// Minimal shapes sniffed from the upstream stream-json lines. Only the
// fields classification needs are parsed; the line itself stays opaque.
type upstreamMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	Event     json.RawMessage `json:"event"`
	Message   *upstreamBody   `json:"message"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	IsError   bool            `json:"is_error"`
	Result    string          `json:"result"`
	NumTurns  int             `json:"num_turns"`
}

type upstreamBody struct {
	Role string `json:"role"`
	// Content is an array of blocks on assistant and tool-result user
	// messages, a plain string on echoed prompts.
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type streamEventBody struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
}

type deltaPayload struct {
	Delta string `json:"delta"`
}

type textPayload struct {
	Text string `json:"text"`
}

type reasoningPayload struct {
	Thinking string `json:"thinking"`
}

type toolUsePayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type toolResultPayload struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type turnCompletePayload struct {
	NumTurns int    `json:"numTurns"`
	Result   string `json:"result,omitempty"`
	IsError  bool   `json:"isError,omitempty"`
}

type sessionStartPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Classify turns one upstream SDK message into stream frames and timeline
// rows. Deterministic: the same line always classifies the same way, and an
// unparseable line still yields its raw message frame.
//
// Deltas stream but do not persist; their content is subsumed by the final
// assistant message. Block kinds outside the timeline's type set (image,
// future kinds) stream under their own name and survive in the message row.
func Classify(raw json.RawMessage) Classified {
	out := Classified{Frames: []Frame{{Event: FrameMessage, Data: raw}}}

	var msg upstreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return out
	}

	switch msg.Type {
	case "stream_event":
		classifyStreamEvent(&out, msg.Event)
	case "assistant":
		out.PersistMessage = true
		out.Role = store.RoleAssistant
		classifyAssistantBlocks(&out, msg.Message)
	case "user":
		classifyUserBlocks(&out, msg.Message)
	case "result":
		payload := mustJSON(turnCompletePayload{
			NumTurns: msg.NumTurns,
			Result:   msg.Result,
			IsError:  msg.IsError,
		})
		out.Frames = append(out.Frames, Frame{Event: FrameTurnComplete, Data: payload})
		out.Timeline = append(out.Timeline, TimelineEvent{Type: store.EventTurnComplete, Data: payload})
		out.PersistMessage = true
		out.Role = store.RoleAssistant
	case "system":
		if msg.Subtype == "init" {
			payload := mustJSON(sessionStartPayload{SessionID: msg.SessionID, Model: msg.Model})
			out.Frames = append(out.Frames, Frame{Event: FrameSessionStart, Data: payload})
		}
	}
	return out
}

func classifyStreamEvent(out *Classified, event json.RawMessage) {
	if len(event) == 0 {
		return
	}
	var body streamEventBody
	if err := json.Unmarshal(event, &body); err != nil || body.Type != "content_block_delta" {
		return
	}
	switch body.Delta.Type {
	case "text_delta":
		out.Frames = append(out.Frames, Frame{Event: FrameTextDelta, Data: mustJSON(deltaPayload{Delta: body.Delta.Text})})
	case "thinking_delta":
		out.Frames = append(out.Frames, Frame{Event: FrameThinkingDelta, Data: mustJSON(deltaPayload{Delta: body.Delta.Thinking})})
	}
}

// classifyAssistantBlocks walks an assistant message's content. Known kinds
// emit typed frames and timeline rows; unknown kinds stream under their
// original kind string with the raw block as payload.
func classifyAssistantBlocks(out *Classified, body *upstreamBody) {
	for _, rawBlock := range contentBlocks(body) {
		var block contentBlock
		if err := json.Unmarshal(rawBlock, &block); err != nil || block.Type == "" {
			continue
		}
		switch block.Type {
		case "text":
			payload := mustJSON(textPayload{Text: block.Text})
			out.Frames = append(out.Frames, Frame{Event: FrameText, Data: payload})
			out.Timeline = append(out.Timeline, TimelineEvent{Type: store.EventText, Data: payload})
		case "thinking":
			payload := mustJSON(reasoningPayload{Thinking: block.Thinking})
			out.Frames = append(out.Frames, Frame{Event: FrameReasoning, Data: payload})
			out.Timeline = append(out.Timeline, TimelineEvent{Type: store.EventReasoning, Data: payload})
		case "tool_use":
			payload := mustJSON(toolUsePayload{ID: block.ID, Name: block.Name, Input: block.Input})
			out.Frames = append(out.Frames, Frame{Event: FrameToolUse, Data: payload})
			out.Timeline = append(out.Timeline, TimelineEvent{Type: store.EventToolStart, Data: payload})
		case "tool_result":
			appendToolResult(out, &block)
		case "image":
			out.Frames = append(out.Frames, Frame{Event: FrameImage, Data: rawBlock})
		default:
			out.Frames = append(out.Frames, Frame{Event: block.Type, Data: rawBlock})
		}
	}
}

// classifyUserBlocks picks tool results out of user messages; the user's own
// prompt is already a message row, so everything else passes only as the raw
// frame.
func classifyUserBlocks(out *Classified, body *upstreamBody) {
	for _, rawBlock := range contentBlocks(body) {
		var block contentBlock
		if err := json.Unmarshal(rawBlock, &block); err != nil {
			continue
		}
		if block.Type == "tool_result" {
			appendToolResult(out, &block)
		}
	}
}

func appendToolResult(out *Classified, block *contentBlock) {
	payload := mustJSON(toolResultPayload{
		ToolUseID: block.ToolUseID,
		Content:   block.Content,
		IsError:   block.IsError,
	})
	out.Frames = append(out.Frames, Frame{Event: FrameToolResult, Data: payload})
	out.Timeline = append(out.Timeline, TimelineEvent{Type: store.EventToolResult, Data: payload})
}

// contentBlocks returns the body's content as raw blocks, or nil when the
// content is absent or a plain string.
func contentBlocks(body *upstreamBody) []json.RawMessage {
	if body == nil || len(body.Content) == 0 {
		return nil
	}
	var blocks []json.RawMessage
	if err := json.Unmarshal(body.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ExtractText concatenates the assistant text carried by one upstream
// message: text blocks for assistant messages, the result field for results.
func ExtractText(raw json.RawMessage) string {
	var msg upstreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	switch msg.Type {
	case "assistant":
		text := ""
		for _, rawBlock := range contentBlocks(msg.Message) {
			var block contentBlock
			if err := json.Unmarshal(rawBlock, &block); err != nil {
				continue
			}
			if block.Type == "text" {
				text += block.Text
			}
		}
		return text
	case "result":
		return msg.Result
	}
	return ""
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
