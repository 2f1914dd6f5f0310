package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/store"
	v1 "github.com/ashrun/ash/pkg/api/v1"
)

var wsUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Non-browser clients send no Origin; browsers must be same-host
		// or localhost.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost") || strings.Contains(origin, "://127.0.0.1") {
			return true
		}
		return strings.Contains(origin, r.Host)
	},
}

// resizeCommandByte prefixes a binary resize frame; the rest of the frame is
// JSON {cols, rows}. Every other frame is raw terminal input.
const resizeCommandByte = 0x01

type resizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// wsWriter serializes binary writes to a WebSocket so the replay buffer and
// the live subscription can't interleave.
type wsWriter struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if err := w.conn.WriteMessage(gorillaws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

// handleTerminal attaches a WebSocket to the sandbox's debug shell. The PTY
// runs in the workspace; reconnecting clients receive the current screen
// from the vt10x buffer before live output resumes. Terminals only exist
// where the sandbox process lives, so coordinator-routed sessions on a
// remote runner are rejected.
func (s *Server) handleTerminal(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), tenantFrom(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if sess.SandboxID == "" {
		renderError(c, errs.Newf(errs.KindInvalidState, "session %s has no live sandbox", sess.ID))
		return
	}
	if sess.RunnerID != "" || s.nodes.Local() == nil {
		renderError(c, errs.New(errs.KindInvalidState, "debug terminal requires a locally hosted sandbox"))
		return
	}

	mgr := s.nodes.Local().Manager()
	if _, err := mgr.Get(sess.SandboxID); err != nil {
		renderError(c, err)
		return
	}

	term, err := s.terms.Open(sess.SandboxID, mgr.WorkspacePath(sess.SandboxID), 80, 24)
	if err != nil {
		renderError(c, errs.Wrap(errs.KindInternal, "failed to open terminal", err))
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("Terminal upgrade failed", zap.String("sessionId", sess.ID), zap.Error(err))
		return
	}
	s.log.Info("Terminal attached", zap.String("sessionId", sess.ID), zap.String("sandboxId", sess.SandboxID))

	out := &wsWriter{conn: conn}
	defer out.Close()
	defer func() { _ = conn.Close() }()

	if replay := term.Replay(); len(replay) > 0 {
		if _, err := out.Write(replay); err != nil {
			return
		}
	}

	sub := make(chan []byte, 64)
	term.Subscribe(sub)
	defer term.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case data, ok := <-sub:
				if !ok {
					return
				}
				if _, err := out.Write(data); err != nil {
					return
				}
			case <-term.Done():
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != gorillaws.BinaryMessage && msgType != gorillaws.TextMessage {
			continue
		}
		if len(data) > 1 && data[0] == resizeCommandByte {
			var rs resizePayload
			if err := json.Unmarshal(data[1:], &rs); err == nil && rs.Cols > 0 && rs.Rows > 0 {
				_ = term.Resize(rs.Cols, rs.Rows)
			}
			continue
		}
		if _, err := term.Write(data); err != nil {
			break
		}
	}
	<-done
}

// handleSessionLogs returns recent bridge log lines, or upgrades to a
// WebSocket and follows them live when follow is set. Follow mode needs the
// log ring, which only exists beside the sandbox process.
func (s *Server) handleSessionLogs(c *gin.Context) {
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		renderError(c, err)
		return
	}

	follow := c.Query("follow")
	if follow != "1" && follow != "true" {
		entries, err := s.sessions.Logs(c.Request.Context(), tenantFrom(c), c.Param("id"), limit)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, v1.ListLogsResponse{Logs: toLogEntries(entries)})
		return
	}

	sess, err := s.sessions.Get(c.Request.Context(), tenantFrom(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if sess.SandboxID == "" || sess.RunnerID != "" || sess.Status != store.SessionActive || s.nodes.Local() == nil {
		renderError(c, errs.New(errs.KindInvalidState, "follow requires a locally hosted live sandbox"))
		return
	}

	backlog, ch, cancel, err := s.nodes.Local().Manager().FollowLogs(sess.SandboxID, limit)
	if err != nil {
		renderError(c, err)
		return
	}
	defer cancel()

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("Log follow upgrade failed", zap.String("sessionId", sess.ID), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	for _, entry := range backlog {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}

	// Reader goroutine notices the client hanging up.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}
