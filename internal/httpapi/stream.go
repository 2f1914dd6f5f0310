package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/session"
	"github.com/ashrun/ash/internal/store"
	v1 "github.com/ashrun/ash/pkg/api/v1"
)

// sseStream writes frames over the hijacked connection so each write gets a
// real deadline on the socket. gin's writer exposes no SetWriteDeadline, and
// a blocked SSE consumer must not be able to pin a turn forever: a frame
// that cannot drain within the timeout closes the connection and interrupts
// the turn upstream.
type sseStream struct {
	c       *gin.Context
	timeout time.Duration
	cancel  context.CancelFunc

	conn    net.Conn
	bw      *bufio.Writer
	started bool
}

// start hijacks the connection, writes the response head, and begins
// watching for client disconnect. Called lazily on the first frame so
// pre-stream failures still render as plain JSON errors.
func (st *sseStream) start() error {
	conn, rw, err := st.c.Writer.Hijack()
	if err != nil {
		return err
	}
	st.conn = conn
	st.bw = rw.Writer
	st.started = true

	_ = conn.SetWriteDeadline(time.Now().Add(st.timeout))
	head := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/event-stream\r\n" +
		"Cache-Control: no-cache\r\n" +
		"Connection: keep-alive\r\n" +
		"X-Accel-Buffering: no\r\n" +
		"\r\n"
	if _, err := st.bw.WriteString(head); err != nil {
		_ = conn.Close()
		return err
	}
	if err := st.bw.Flush(); err != nil {
		_ = conn.Close()
		return err
	}

	// An SSE client sends nothing after the request, so any read result
	// means the peer is gone. This replaces the server's own disconnect
	// notification, which hijacking turns off.
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := rw.Reader.Read(buf); err != nil {
				st.cancel()
				return
			}
		}
	}()
	return nil
}

func (st *sseStream) writeFrame(name string, data []byte) error {
	if !st.started {
		if err := st.start(); err != nil {
			return err
		}
	}
	_ = st.conn.SetWriteDeadline(time.Now().Add(st.timeout))
	if err := sse.Encode(st.bw, sse.Event{Event: name, Data: json.RawMessage(data)}); err != nil {
		return err
	}
	return st.bw.Flush()
}

func (st *sseStream) close() {
	if st.started {
		_ = st.conn.Close()
	}
}

// handleSendMessage runs one turn and streams its frames as SSE. Failures
// before the first frame render as JSON with the mapped status; once the
// stream is open, errors arrive as error frames followed by done. Empty
// content resumes the upstream conversation; the service rejects it on a
// session with no prior turns.
func (s *Server) handleSendMessage(c *gin.Context) {
	var req v1.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errs.Wrap(errs.KindBadRequest, "invalid message request", err))
		return
	}

	id := c.Param("id")
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream := &sseStream{c: c, timeout: s.cfg.Timeouts.SSEWriteTimeout(), cancel: cancel}
	defer stream.close()

	err := s.sessions.Send(ctx, id, req.Content, session.SendOptions{
		TenantID:               tenantFrom(c),
		IncludePartialMessages: req.IncludePartialMessages,
	}, func(frame session.Frame) error {
		return stream.writeFrame(frame.Event, frame.Data)
	})
	if err != nil && !stream.started {
		renderError(c, err)
		return
	}
	if err != nil {
		s.log.WithSessionID(id).Debug("Turn ended with error after streaming began", zap.Error(err))
	}
}

func (s *Server) handleListMessages(c *gin.Context) {
	after, err := int64Query(c, "after", 0)
	if err != nil {
		renderError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		renderError(c, err)
		return
	}

	msgs, err := s.sessions.Messages(c.Request.Context(), tenantFrom(c), c.Param("id"), after, limit)
	if err != nil {
		renderError(c, err)
		return
	}
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	c.JSON(http.StatusOK, v1.ListMessagesResponse{Messages: out})
}

func (s *Server) handleListEvents(c *gin.Context) {
	after, err := int64Query(c, "after", 0)
	if err != nil {
		renderError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		renderError(c, err)
		return
	}

	filter := store.EventFilter{Type: c.Query("type"), After: after, Limit: limit}
	rows, err := s.sessions.Events(c.Request.Context(), tenantFrom(c), c.Param("id"), filter)
	if err != nil {
		renderError(c, err)
		return
	}
	out := make([]v1.SessionEvent, 0, len(rows))
	for _, e := range rows {
		out = append(out, toEvent(e))
	}
	c.JSON(http.StatusOK, v1.ListEventsResponse{Events: out})
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errs.Newf(errs.KindBadRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func int64Query(c *gin.Context, name string, def int64) (int64, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errs.Newf(errs.KindBadRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}
