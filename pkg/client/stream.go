package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	v1 "github.com/ashrun/ash/pkg/api/v1"
)

// Stream is one in-flight message turn. Read frames with Next until it
// returns io.EOF; the server terminates every turn with a done frame.
// Closing the stream mid-turn interrupts the turn server-side.
type Stream struct {
	body io.ReadCloser
	br   *bufio.Reader
}

// SendMessage submits one turn and returns its SSE stream. Failures before
// the stream opens come back as *APIError.
func (c *Client) SendMessage(ctx context.Context, id string, req v1.SendMessageRequest) (*Stream, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeError(resp)
	}
	return &Stream{body: resp.Body, br: bufio.NewReader(resp.Body)}, nil
}

// Next returns the next frame, or io.EOF after the stream ends.
func (s *Stream) Next() (*v1.StreamFrame, error) {
	var event string
	var data []string

	flush := func() *v1.StreamFrame {
		if event == "" && len(data) == 0 {
			return nil
		}
		return &v1.StreamFrame{
			Event: event,
			Data:  json.RawMessage(strings.Join(data, "\n")),
		}
	}

	for {
		line, err := s.br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if frame := flush(); frame != nil {
				return frame, nil
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			d := strings.TrimPrefix(line, "data:")
			data = append(data, strings.TrimPrefix(d, " "))
		}

		if err != nil {
			if frame := flush(); frame != nil {
				return frame, nil
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// Close releases the stream. Closing before done interrupts the turn.
func (s *Stream) Close() error {
	return s.body.Close()
}

// TurnResult summarizes a fully drained turn.
type TurnResult struct {
	// SessionID from the done frame.
	SessionID string
	// Text is the turn's assistant text: the result reported on
	// turn_complete, or the concatenated text frames when there is none.
	Text string
	// ErrorText carries the upstream error when the turn failed.
	ErrorText string
	// Frames counts everything received, including done.
	Frames int
}

// Collect drains the stream until done and summarizes it. The stream is
// closed on return.
func (s *Stream) Collect() (*TurnResult, error) {
	defer func() { _ = s.Close() }()

	res := &TurnResult{}
	var text strings.Builder

	for {
		frame, err := s.Next()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		res.Frames++

		switch frame.Event {
		case v1.FrameText:
			var p struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(frame.Data, &p) == nil {
				text.WriteString(p.Text)
			}
		case v1.FrameTurnComplete:
			var p struct {
				Result string `json:"result"`
			}
			if json.Unmarshal(frame.Data, &p) == nil && p.Result != "" {
				res.Text = p.Result
			}
		case v1.FrameError:
			var p v1.ErrorData
			if json.Unmarshal(frame.Data, &p) == nil {
				res.ErrorText = p.Error
			}
		case v1.FrameDone:
			var p v1.DoneData
			if json.Unmarshal(frame.Data, &p) == nil {
				res.SessionID = p.SessionID
			}
			if res.Text == "" {
				res.Text = text.String()
			}
			return res, nil
		}
	}
}
