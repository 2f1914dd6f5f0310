package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// delay keys off the model name so tests can pick their pace.
func delay(model string) {
	switch model {
	case "mock-fast":
	case "mock-slow":
		time.Sleep(500 * time.Millisecond)
	default:
		time.Sleep(20 * time.Millisecond)
	}
}

func emitSystem(enc *json.Encoder, model, sessionID string) {
	cwd, _ := os.Getwd()
	_ = enc.Encode(systemMsg{
		Type:      typeSystem,
		Subtype:   "init",
		SessionID: sessionID,
		Model:     model,
		CWD:       cwd,
	})
}

func emitText(enc *json.Encoder, model, sessionID, text string) {
	delay(model)
	_ = enc.Encode(assistantMsg{
		Type:      typeAssistant,
		SessionID: sessionID,
		Message: assistantBody{
			Role:    "assistant",
			Model:   model,
			Content: []contentBlock{{Type: blockText, Text: text}},
		},
	})
}

func emitThinking(enc *json.Encoder, model, sessionID string) {
	delay(model)
	_ = enc.Encode(assistantMsg{
		Type:      typeAssistant,
		SessionID: sessionID,
		Message: assistantBody{
			Role:    "assistant",
			Model:   model,
			Content: []contentBlock{{Type: blockThinking, Thinking: "Considering the request step by step."}},
		},
	})
	emitText(enc, model, sessionID, "Done thinking; here is the answer.")
}

// emitToolRound simulates one tool call: tool_use, its tool_result, then a
// closing text message.
func emitToolRound(enc *json.Encoder, model, sessionID string) {
	toolUseID := fmt.Sprintf("toolu_mock_%d", time.Now().UnixNano())

	delay(model)
	_ = enc.Encode(assistantMsg{
		Type:      typeAssistant,
		SessionID: sessionID,
		Message: assistantBody{
			Role:  "assistant",
			Model: model,
			Content: []contentBlock{{
				Type:  blockToolUse,
				ID:    toolUseID,
				Name:  "Read",
				Input: map[string]any{"file_path": "README.md"},
			}},
		},
	})

	delay(model)
	_ = enc.Encode(userMsg{
		Type:      typeUser,
		SessionID: sessionID,
		Message: userBody{
			Role: "user",
			Content: []contentBlock{{
				Type:      blockToolResult,
				ToolUseID: toolUseID,
				Content:   "# Mock project\n",
			}},
		},
	})

	emitText(enc, model, sessionID, "Read the file; nothing else to do.")
}

func emitResult(enc *json.Encoder, sessionID string) {
	_ = enc.Encode(resultMsg{
		Type:       typeResult,
		Subtype:    "success",
		SessionID:  sessionID,
		DurationMS: 42,
		NumTurns:   1,
	})
}

func emitErrorResult(enc *json.Encoder, sessionID string) {
	_ = enc.Encode(resultMsg{
		Type:       typeResult,
		Subtype:    "error_during_execution",
		SessionID:  sessionID,
		IsError:    true,
		Result:     "mock upstream failure",
		DurationMS: 42,
		NumTurns:   1,
	})
}
