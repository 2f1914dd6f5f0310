package session

import (
	"encoding/json"
	"testing"

	"github.com/ashrun/ash/internal/store"
)

func frameEvents(c Classified) []string {
	out := make([]string, 0, len(c.Frames))
	for _, f := range c.Frames {
		out = append(out, f.Event)
	}
	return out
}

func timelineTypes(c Classified) []string {
	out := make([]string, 0, len(c.Timeline))
	for _, e := range c.Timeline {
		out = append(out, e.Type)
	}
	return out
}

func sameStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestClassifyAssistantBlocks(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "assistant",
		"message": {
			"role": "assistant",
			"content": [
				{"type": "thinking", "thinking": "let me look"},
				{"type": "text", "text": "On it."},
				{"type": "tool_use", "id": "tu_1", "name": "bash", "input": {"command": "ls"}}
			]
		}
	}`)

	c := Classify(raw)

	wantFrames := []string{FrameMessage, FrameReasoning, FrameText, FrameToolUse}
	if got := frameEvents(c); !sameStrings(got, wantFrames) {
		t.Errorf("frames = %v, want %v", got, wantFrames)
	}
	wantTimeline := []string{store.EventReasoning, store.EventText, store.EventToolStart}
	if got := timelineTypes(c); !sameStrings(got, wantTimeline) {
		t.Errorf("timeline = %v, want %v", got, wantTimeline)
	}
	if !c.PersistMessage || c.Role != store.RoleAssistant {
		t.Errorf("persist = %v role = %q, want assistant message row", c.PersistMessage, c.Role)
	}

	if string(c.Frames[0].Data) != string(raw) {
		t.Error("raw message frame must carry the line verbatim")
	}

	var text struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(c.Frames[2].Data, &text); err != nil || text.Text != "On it." {
		t.Errorf("text payload = %s", c.Frames[2].Data)
	}

	var tool struct {
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(c.Frames[3].Data, &tool); err != nil {
		t.Fatalf("tool_use payload: %v", err)
	}
	if tool.ID != "tu_1" || tool.Name != "bash" || len(tool.Input) == 0 {
		t.Errorf("tool_use payload = %s", c.Frames[3].Data)
	}
}

func TestClassifyResult(t *testing.T) {
	raw := json.RawMessage(`{"type":"result","subtype":"success","num_turns":3,"result":"done and dusted","is_error":false}`)

	c := Classify(raw)

	if got := frameEvents(c); !sameStrings(got, []string{FrameMessage, FrameTurnComplete}) {
		t.Fatalf("frames = %v", got)
	}
	if got := timelineTypes(c); !sameStrings(got, []string{store.EventTurnComplete}) {
		t.Fatalf("timeline = %v", got)
	}
	if !c.PersistMessage || c.Role != store.RoleAssistant {
		t.Error("result lines must persist as assistant rows")
	}

	var payload struct {
		NumTurns int    `json:"numTurns"`
		Result   string `json:"result"`
		IsError  bool   `json:"isError"`
	}
	if err := json.Unmarshal(c.Frames[1].Data, &payload); err != nil {
		t.Fatalf("turn_complete payload: %v", err)
	}
	if payload.NumTurns != 3 || payload.Result != "done and dusted" || payload.IsError {
		t.Errorf("turn_complete payload = %+v", payload)
	}
}

func TestClassifyTextDelta(t *testing.T) {
	raw := json.RawMessage(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"par"}}}`)

	c := Classify(raw)

	if got := frameEvents(c); !sameStrings(got, []string{FrameMessage, FrameTextDelta}) {
		t.Fatalf("frames = %v", got)
	}
	if len(c.Timeline) != 0 {
		t.Error("deltas must not persist to the timeline")
	}
	if c.PersistMessage {
		t.Error("deltas must not persist as message rows")
	}

	var payload struct {
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(c.Frames[1].Data, &payload); err != nil || payload.Delta != "par" {
		t.Errorf("delta payload = %s", c.Frames[1].Data)
	}
}

func TestClassifyThinkingDelta(t *testing.T) {
	raw := json.RawMessage(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hm"}}}`)

	c := Classify(raw)
	if got := frameEvents(c); !sameStrings(got, []string{FrameMessage, FrameThinkingDelta}) {
		t.Fatalf("frames = %v", got)
	}
}

func TestClassifyUserToolResult(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "user",
		"message": {
			"role": "user",
			"content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "total 0", "is_error": false}
			]
		}
	}`)

	c := Classify(raw)

	if got := frameEvents(c); !sameStrings(got, []string{FrameMessage, FrameToolResult}) {
		t.Fatalf("frames = %v", got)
	}
	if got := timelineTypes(c); !sameStrings(got, []string{store.EventToolResult}) {
		t.Fatalf("timeline = %v", got)
	}
	if c.PersistMessage {
		t.Error("tool results ride user messages and must not create message rows")
	}

	var payload struct {
		ToolUseID string `json:"tool_use_id"`
	}
	if err := json.Unmarshal(c.Frames[1].Data, &payload); err != nil || payload.ToolUseID != "tu_1" {
		t.Errorf("tool_result payload = %s", c.Frames[1].Data)
	}
}

func TestClassifySystemInit(t *testing.T) {
	raw := json.RawMessage(`{"type":"system","subtype":"init","session_id":"up-77","model":"sonnet"}`)

	c := Classify(raw)

	if got := frameEvents(c); !sameStrings(got, []string{FrameMessage, FrameSessionStart}) {
		t.Fatalf("frames = %v", got)
	}
	var payload struct {
		SessionID string `json:"sessionId"`
		Model     string `json:"model"`
	}
	if err := json.Unmarshal(c.Frames[1].Data, &payload); err != nil {
		t.Fatalf("session_start payload: %v", err)
	}
	if payload.SessionID != "up-77" || payload.Model != "sonnet" {
		t.Errorf("session_start payload = %+v", payload)
	}

	// Other system subtypes pass through as raw only.
	c = Classify(json.RawMessage(`{"type":"system","subtype":"compact"}`))
	if got := frameEvents(c); !sameStrings(got, []string{FrameMessage}) {
		t.Errorf("non-init system frames = %v", got)
	}
}

func TestClassifyUnknownBlockStreamsRaw(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "assistant",
		"message": {"role": "assistant", "content": [{"type": "citation", "source": "doc.md"}]}
	}`)

	c := Classify(raw)

	if got := frameEvents(c); !sameStrings(got, []string{FrameMessage, "citation"}) {
		t.Fatalf("frames = %v", got)
	}
	if len(c.Timeline) != 0 {
		t.Error("unknown block kinds must not invent timeline types")
	}
}

func TestClassifyGarbageKeepsRawFrame(t *testing.T) {
	for _, raw := range []string{
		`not json at all`,
		`{"type":"assistant","message":{"content":"plain string prompt"}}`,
		`{}`,
	} {
		c := Classify(json.RawMessage(raw))
		if len(c.Frames) != 1 || c.Frames[0].Event != FrameMessage {
			t.Errorf("Classify(%q) frames = %v, want raw message only", raw, frameEvents(c))
		}
		if len(c.Timeline) != 0 {
			t.Errorf("Classify(%q) produced timeline rows", raw)
		}
	}
}

func TestExtractText(t *testing.T) {
	assistant := `{"type":"assistant","message":{"content":[{"type":"text","text":"one "},{"type":"thinking","thinking":"skip"},{"type":"text","text":"two"}]}}`
	if got := ExtractText(json.RawMessage(assistant)); got != "one two" {
		t.Errorf("assistant text = %q", got)
	}
	result := `{"type":"result","result":"final answer"}`
	if got := ExtractText(json.RawMessage(result)); got != "final answer" {
		t.Errorf("result text = %q", got)
	}
	if got := ExtractText(json.RawMessage(`{"type":"user"}`)); got != "" {
		t.Errorf("user text = %q", got)
	}
	if got := ExtractText(json.RawMessage(`broken`)); got != "" {
		t.Errorf("broken text = %q", got)
	}
}
