// Package protocol defines the newline-delimited JSON command/event protocol
// spoken between the coordinator and the bridge process inside each sandbox.
//
// Frames are single JSON objects separated by '\n'. Commands are self-tagged
// by "cmd", events by "ev", so new tag values extend the protocol without
// breaking older peers. Upstream SDK messages ride inside "message" events as
// opaque raw JSON and are never reshaped in transit.
package protocol

import (
	"encoding/json"
	"time"
)

// Command tags (coordinator → bridge).
const (
	CmdQuery     = "query"
	CmdResume    = "resume"
	CmdInterrupt = "interrupt"
	CmdShutdown  = "shutdown"
	CmdExec      = "exec"
)

// Event tags (bridge → coordinator).
const (
	EvReady      = "ready"
	EvMessage    = "message"
	EvError      = "error"
	EvDone       = "done"
	EvExecResult = "exec_result"
	EvLog        = "log"
)

// Log levels carried by "log" events.
const (
	LogStdout = "stdout"
	LogStderr = "stderr"
	LogSystem = "system"
)

// Command is one frame sent to the bridge. The Cmd tag determines which
// fields are populated.
type Command struct {
	Cmd string `json:"cmd"`

	// For query and resume
	Prompt                 string `json:"prompt,omitempty"`
	SessionID              string `json:"sessionId,omitempty"`
	IncludePartialMessages bool   `json:"includePartialMessages,omitempty"`
	Model                  string `json:"model,omitempty"`

	// For exec
	Command string `json:"command,omitempty"`
	Timeout int64  `json:"timeout,omitempty"` // milliseconds
}

// Event is one frame received from the bridge. The Ev tag determines which
// fields are populated. Raw holds the original line so unknown event kinds
// can be forwarded without loss.
type Event struct {
	Ev string `json:"ev"`

	// For message: one upstream SDK message, opaque
	Data json.RawMessage `json:"data,omitempty"`

	// For error
	Error string `json:"error,omitempty"`

	// For done
	SessionID string `json:"sessionId,omitempty"`

	// For exec_result
	ExitCode *int   `json:"exitCode,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`

	// For log
	Level string `json:"level,omitempty"`
	Text  string `json:"text,omitempty"`
	TS    int64  `json:"ts,omitempty"` // unix milliseconds

	Raw json.RawMessage `json:"-"`
}

// Query builds a query command.
func Query(prompt, sessionID string, includePartial bool, model string) *Command {
	return &Command{
		Cmd:                    CmdQuery,
		Prompt:                 prompt,
		SessionID:              sessionID,
		IncludePartialMessages: includePartial,
		Model:                  model,
	}
}

// Resume builds a resume command: a query with an empty prompt that tells the
// upstream SDK to continue its own session.
func Resume(sessionID string) *Command {
	return &Command{Cmd: CmdResume, SessionID: sessionID}
}

// Interrupt builds an interrupt command.
func Interrupt() *Command {
	return &Command{Cmd: CmdInterrupt}
}

// Shutdown builds a shutdown command.
func Shutdown() *Command {
	return &Command{Cmd: CmdShutdown}
}

// Exec builds an exec command. Timeout is in milliseconds; zero means the
// bridge default.
func Exec(command string, timeout time.Duration) *Command {
	return &Command{Cmd: CmdExec, Command: command, Timeout: timeout.Milliseconds()}
}

// Ready builds the event emitted first on every bridge connection.
func Ready() *Event {
	return &Event{Ev: EvReady}
}

// Message wraps one upstream SDK message.
func Message(data json.RawMessage) *Event {
	return &Event{Ev: EvMessage, Data: data}
}

// ErrorEvent builds an error event.
func ErrorEvent(msg string) *Event {
	return &Event{Ev: EvError, Error: msg}
}

// Done builds the event terminating a query stream.
func Done(sessionID string) *Event {
	return &Event{Ev: EvDone, SessionID: sessionID}
}

// ExecResult builds the single event answering an exec command.
func ExecResult(exitCode int, stdout, stderr string) *Event {
	return &Event{Ev: EvExecResult, ExitCode: &exitCode, Stdout: stdout, Stderr: stderr}
}

// Log builds a log event stamped with the current time.
func Log(level, text string) *Event {
	return &Event{Ev: EvLog, Level: level, Text: text, TS: time.Now().UnixMilli()}
}
