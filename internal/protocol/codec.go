package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds a single frame. Upstream messages can carry whole file
// contents, so this is generous.
const maxFrameSize = 10 * 1024 * 1024

// Encoder writes frames to a stream. Safe for concurrent use; the internal
// mutex makes the stream single-writer by construction.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it as one newline-terminated frame.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Decoder reads frames from a stream, one JSON object per line. Not safe for
// concurrent use; each connection has exactly one reader.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next non-empty line, trimmed. Returns io.EOF when the
// stream ends.
func (d *Decoder) Next() (json.RawMessage, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// NextCommand reads and decodes one command frame.
func (d *Decoder) NextCommand() (*Command, error) {
	raw, err := d.Next()
	if err != nil {
		return nil, err
	}
	return DecodeCommand(raw)
}

// NextEvent reads and decodes one event frame.
func (d *Decoder) NextEvent() (*Event, error) {
	raw, err := d.Next()
	if err != nil {
		return nil, err
	}
	return DecodeEvent(raw)
}

// DecodeCommand parses a single command frame.
func DecodeCommand(raw json.RawMessage) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command frame: %w", err)
	}
	if cmd.Cmd == "" {
		return nil, fmt.Errorf("command frame missing cmd tag")
	}
	return &cmd, nil
}

// DecodeEvent parses a single event frame, retaining the raw line so unknown
// event kinds survive re-emission untouched.
func DecodeEvent(raw json.RawMessage) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("malformed event frame: %w", err)
	}
	if ev.Ev == "" {
		return nil, fmt.Errorf("event frame missing ev tag")
	}
	ev.Raw = raw
	return &ev, nil
}
