package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ashrun/ash/internal/bridge/driver"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/protocol"
	"go.uber.org/zap"
)

// connHandler serves one coordinator connection: ready first, then commands
// in order, with interrupt and shutdown acting on the in-flight query.
type connHandler struct {
	srv  *Server
	conn net.Conn
	enc  *protocol.Encoder
	log  *logger.Logger

	mu        sync.Mutex
	interrupt context.CancelFunc
	turnWG    sync.WaitGroup
}

func newConnHandler(srv *Server, conn net.Conn) *connHandler {
	return &connHandler{
		srv:  srv,
		conn: conn,
		enc:  protocol.NewEncoder(conn),
		log:  srv.log.WithFields(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// writeEvent writes one event frame under a deadline. The kernel socket
// buffer is the backpressure between frames.
func (h *connHandler) writeEvent(ev *protocol.Event) error {
	_ = h.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	if err := h.enc.Encode(ev); err != nil {
		h.log.Warn("failed to write event", zap.String("ev", ev.Ev), zap.Error(err))
		return err
	}
	return nil
}

func (h *connHandler) serve(ctx context.Context) error {
	h.srv.addConn(h)
	defer h.srv.removeConn(h)

	if err := h.writeEvent(protocol.Ready()); err != nil {
		return err
	}

	dec := protocol.NewDecoder(h.conn)
	for {
		cmd, err := dec.NextCommand()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				h.stopTurn()
				h.turnWG.Wait()
				return nil
			}
			// Malformed frame; the line is consumed, keep serving.
			_ = h.writeEvent(protocol.ErrorEvent(err.Error()))
			continue
		}

		switch cmd.Cmd {
		case protocol.CmdQuery, protocol.CmdResume:
			h.startTurn(ctx, cmd)
		case protocol.CmdInterrupt:
			h.stopTurn()
		case protocol.CmdShutdown:
			h.stopTurn()
			h.turnWG.Wait()
			return errShutdown
		case protocol.CmdExec:
			h.runExec(ctx, cmd)
		default:
			_ = h.writeEvent(protocol.ErrorEvent("unknown command: " + cmd.Cmd))
		}
	}
}

// startTurn launches the query in a goroutine so the read loop stays free
// for interrupt and shutdown. A second query while one is in flight is an
// error event, not a queue.
func (h *connHandler) startTurn(ctx context.Context, cmd *protocol.Command) {
	h.mu.Lock()
	if h.interrupt != nil {
		h.mu.Unlock()
		_ = h.writeEvent(protocol.ErrorEvent("query already in flight"))
		return
	}
	qctx, cancel := context.WithCancel(ctx)
	h.interrupt = cancel
	h.mu.Unlock()

	h.turnWG.Add(1)
	go func() {
		defer h.turnWG.Done()
		defer func() {
			h.mu.Lock()
			h.interrupt = nil
			h.mu.Unlock()
			cancel()
		}()
		h.runTurn(qctx, cmd)
	}()
}

// stopTurn cancels the in-flight query, if any.
func (h *connHandler) stopTurn() {
	h.mu.Lock()
	cancel := h.interrupt
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *connHandler) queryInFlight() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupt != nil
}

// runTurn drives one query against the SDK, forwarding each upstream
// message opaquely. Ends with done on success or interrupt, error on
// upstream failure.
func (h *connHandler) runTurn(ctx context.Context, cmd *protocol.Command) {
	req := driver.Request{
		Prompt:                 cmd.Prompt,
		SessionID:              cmd.SessionID,
		IncludePartialMessages: cmd.IncludePartialMessages,
		Model:                  cmd.Model,
	}

	h.log.Info("query started",
		zap.String("session_id", req.SessionID),
		zap.Bool("resume", req.SessionID != ""))

	turn, err := h.srv.drv.Query(ctx, req)
	if err != nil {
		_ = h.writeEvent(protocol.ErrorEvent(err.Error()))
		return
	}

	for msg := range turn.Messages() {
		if err := h.writeEvent(protocol.Message(msg)); err != nil {
			// Coordinator gone; unblock the driver and drain.
			h.stopTurn()
			for range turn.Messages() {
			}
			break
		}
	}

	if terr := turn.Err(); terr != nil {
		h.log.Warn("query failed", zap.Error(terr))
		_ = h.writeEvent(protocol.ErrorEvent(terr.Error()))
		return
	}

	sessionID := turn.SessionID()
	if sessionID == "" {
		sessionID = cmd.SessionID
	}
	h.log.Info("query complete", zap.String("session_id", sessionID))
	_ = h.writeEvent(protocol.Done(sessionID))
}

// addConn/removeConn back the server's log fan-out.
func (s *Server) addConn(h *connHandler) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[h] = struct{}{}
}

func (s *Server) removeConn(h *connHandler) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, h)
}

// EmitLog sends a log event to every connected coordinator.
func (s *Server) EmitLog(level, text string) {
	s.connsMu.Lock()
	handlers := make([]*connHandler, 0, len(s.conns))
	for h := range s.conns {
		handlers = append(handlers, h)
	}
	s.connsMu.Unlock()

	ev := protocol.Log(level, text)
	for _, h := range handlers {
		_ = h.writeEvent(ev)
	}
}
