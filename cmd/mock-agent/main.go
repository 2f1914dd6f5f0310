// Package main implements a mock agent binary that speaks the claude
// stream-json protocol over stdin/stdout. The bridge selects it instead of
// the real CLI unless ASH_USE_REAL_SDK is set, so sessions can be exercised
// without upstream credentials.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

func main() {
	model := parseFlag(os.Args, "--model", "mock-default")
	sessionID := parseFlag(os.Args, "--resume", "")
	if sessionID == "" {
		// Each turn spawns its own process, so the PID keeps fresh
		// sessions unique across parallel sandboxes.
		sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg incomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type != typeUser || msg.Message == nil {
			continue
		}

		handlePrompt(enc, msg.Message.Content, model, sessionID)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlag extracts "--name value" or "--name=value" from args.
func parseFlag(args []string, name, fallback string) string {
	for i, arg := range args {
		if arg == name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return fallback
}

// handlePrompt routes a user prompt to a scenario and closes the turn with
// a result message.
func handlePrompt(enc *json.Encoder, prompt, model, sessionID string) {
	prompt = strings.TrimSpace(prompt)

	emitSystem(enc, model, sessionID)

	switch {
	case strings.EqualFold(prompt, "/error"):
		emitErrorResult(enc, sessionID)
		return
	case strings.EqualFold(prompt, "/thinking"):
		emitThinking(enc, model, sessionID)
	case strings.EqualFold(prompt, "/tool"):
		emitToolRound(enc, model, sessionID)
	case prompt == "":
		// Resumed turn: the SDK continues its own session.
		emitText(enc, model, sessionID, "Resumed session "+sessionID+".")
	default:
		emitText(enc, model, sessionID, "Mock response to: "+prompt)
	}

	emitResult(enc, sessionID)
}
