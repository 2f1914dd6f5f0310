// Package driver runs the upstream agent CLI for one query turn and streams
// its messages back as opaque JSON.
//
// The real CLI and the mock agent binary speak the same stream-json protocol
// over stdin/stdout, so a single driver covers both; the mock is selected
// unless ASH_USE_REAL_SDK is set.
package driver

import (
	"context"
	"encoding/json"
)

// Request describes one query turn. A non-empty SessionID resumes the
// upstream SDK's own session instead of starting fresh.
type Request struct {
	Prompt                 string
	SessionID              string
	IncludePartialMessages bool
	Model                  string
}

// Driver starts query turns against the upstream agent SDK.
type Driver interface {
	Query(ctx context.Context, req Request) (*Turn, error)
}

// Turn is one in-flight query. Messages yields each upstream message
// unmodified and closes when the turn ends; SessionID and Err are valid
// after that.
type Turn struct {
	messages chan json.RawMessage

	done      chan struct{}
	sessionID string
	err       error
}

func newTurn() *Turn {
	return &Turn{
		messages: make(chan json.RawMessage, 16),
		done:     make(chan struct{}),
	}
}

// Messages returns the upstream message stream.
func (t *Turn) Messages() <-chan json.RawMessage {
	return t.messages
}

// SessionID returns the upstream session id observed during the turn. Only
// valid once Messages has closed.
func (t *Turn) SessionID() string {
	<-t.done
	return t.sessionID
}

// Err returns the turn's failure, if any. Only valid once Messages has
// closed.
func (t *Turn) Err() error {
	<-t.done
	return t.err
}

// finish records the outcome and closes the stream.
func (t *Turn) finish(sessionID string, err error) {
	t.sessionID = sessionID
	t.err = err
	close(t.messages)
	close(t.done)
}
