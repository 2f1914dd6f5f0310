package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/events"
	"github.com/ashrun/ash/internal/events/bus"
	"github.com/ashrun/ash/internal/protocol"
	"github.com/ashrun/ash/internal/runner"
	"github.com/ashrun/ash/internal/store"
)

// How long post-disconnect bookkeeping may take once the caller's context
// is gone.
const turnCleanupTimeout = 30 * time.Second

// SendOptions tunes one message turn.
type SendOptions struct {
	TenantID string
	// IncludePartialMessages asks the agent SDK for token-level deltas,
	// which stream as text_delta / thinking_delta frames.
	IncludePartialMessages bool
}

// FrameSink receives classified frames in stream order. Returning an error
// stops delivery: the bridge is interrupted and the rest of the turn drains
// into the store only.
type FrameSink func(Frame) error

// Send runs one message turn: persist the user message, query the bridge,
// and fan every upstream event out to the store, the bus, and the sink.
// Exactly one turn runs per session; concurrent sends answer busy. An empty
// content resumes the upstream conversation without adding a user message,
// which is only meaningful once the session has prior turns.
//
// Send blocks until the turn ends. A nil return means the caller saw a
// done frame; the session survives upstream errors and caller disconnects
// and fails only when the bridge itself is lost.
func (s *Service) Send(ctx context.Context, id, content string, opts SendOptions, sink FrameSink) error {
	release, ok := s.locks.TryLock(id)
	if !ok {
		return errs.Newf(errs.KindBusy, "a turn is already in flight for session %s", id)
	}
	defer release()

	sess, err := s.load(ctx, opts.TenantID, id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case store.SessionActive:
	case store.SessionEnded:
		return errs.Newf(errs.KindGone, "session has ended: %s", id)
	default:
		return errs.Newf(errs.KindInvalidState, "session %s is %s; resume it before sending", id, sess.Status)
	}
	if content == "" && sess.UpstreamSessionID == "" {
		return errs.New(errs.KindBadRequest, "content is required on a session with no prior turns")
	}

	agent, err := s.agents.Get(ctx, opts.TenantID, sess.AgentName)
	if err != nil {
		return err
	}
	// Reattaches the live sandbox, or recreates it from the snapshot when
	// the runner died underneath an active session.
	node, err := s.pool.AcquireForSession(ctx, sess, s.createRequest(agent, nil, ""))
	if err != nil {
		return err
	}

	if content != "" {
		if err := s.persistUserMessage(ctx, id, content); err != nil {
			return err
		}
	}

	var cmd *protocol.Command
	if content == "" {
		cmd = protocol.Resume(sess.UpstreamSessionID)
	} else {
		cmd = protocol.Query(content, sess.UpstreamSessionID, opts.IncludePartialMessages, sess.Model)
	}

	out, err := node.Query(ctx, id, cmd)
	if err != nil {
		return err
	}
	if err := s.pool.MarkRunning(ctx, id); err != nil {
		s.log.WithSessionID(id).Warn("Failed to mark sandbox running", zap.Error(err))
	}

	return s.streamTurn(ctx, sess, node, out, sink)
}

// streamTurn drains one bridge event stream, persisting rows before frames
// go out so a caller who saw a frame can immediately read it back.
func (s *Service) streamTurn(ctx context.Context, sess *store.Session, node runner.Node, out <-chan *protocol.Event, sink FrameSink) error {
	id := sess.ID
	log := s.log.WithSessionID(id)
	start := time.Now()

	var (
		sawDone    bool
		sawError   bool
		errText    string
		upstream   = sess.UpstreamSessionID
		sinkBroken bool
	)

	emit := func(frame Frame) {
		s.publishFrame(ctx, id, frame)
		if sinkBroken || sink == nil {
			return
		}
		if err := sink(frame); err != nil {
			sinkBroken = true
			log.Debug("Frame sink closed mid-turn, interrupting bridge", zap.Error(err))
			if ierr := node.Interrupt(ctx, id); ierr != nil {
				log.Debug("Interrupt after sink loss failed", zap.Error(ierr))
			}
		}
	}

	for ev := range out {
		if s.cfg.DebugTiming {
			log.Debug("Bridge event",
				zap.String("ev", ev.Ev),
				zap.Duration("elapsed", time.Since(start)))
		}
		switch ev.Ev {
		case protocol.EvMessage:
			cl := Classify(ev.Data)
			if cl.PersistMessage {
				msg := &store.Message{SessionID: id, Role: cl.Role, Content: string(ev.Data)}
				if err := s.st.AppendMessage(ctx, msg); err != nil {
					log.Error("Failed to persist message", zap.Error(err))
				}
			}
			for _, te := range cl.Timeline {
				row := &store.SessionEvent{SessionID: id, Type: te.Type, Data: string(te.Data)}
				if err := s.st.AppendEvent(ctx, row); err != nil {
					log.Error("Failed to persist timeline event", zap.Error(err))
				}
			}
			for _, frame := range cl.Frames {
				emit(frame)
			}
		case protocol.EvDone:
			sawDone = true
			if ev.SessionID != "" {
				upstream = ev.SessionID
			}
		case protocol.EvError:
			sawError = true
			errText = ev.Error
		}
	}

	switch {
	case sawDone:
		if upstream != "" && upstream != sess.UpstreamSessionID {
			if err := s.st.SetSessionUpstream(ctx, id, upstream); err != nil {
				log.Error("Failed to persist upstream session id", zap.Error(err))
			} else {
				sess.UpstreamSessionID = upstream
			}
		}
		s.finishTurn(ctx, id)
		emit(doneFrame(id))
		log.Info("Turn complete", zap.Duration("elapsed", time.Since(start)))
		return nil

	case sawError && node.Alive(ctx, id):
		// The upstream SDK failed but the bridge survived. The error joins
		// the timeline and the session stays good for another turn.
		s.persistError(ctx, id, errText)
		emit(errorFrame(errText))
		emit(doneFrame(id))
		s.finishTurn(ctx, id)
		log.Warn("Turn failed upstream", zap.String("error", errText))
		return nil

	case !sawError && ctx.Err() != nil:
		// Caller disconnected mid-turn. Interrupt so the bridge stops the
		// query; whatever it already produced is persisted, the rest is
		// dropped with the stream.
		fin, cancel := context.WithTimeout(context.Background(), turnCleanupTimeout)
		defer cancel()
		if ierr := node.Interrupt(fin, id); ierr != nil {
			log.Debug("Interrupt after caller disconnect failed", zap.Error(ierr))
		}
		s.finishTurn(fin, id)
		log.Info("Turn abandoned by caller", zap.Duration("elapsed", time.Since(start)))
		return ctx.Err()

	default:
		// No terminal event and the caller is still here: the bridge or its
		// runner is gone. Evict the carcass and fail the session.
		msg := errText
		if msg == "" {
			msg = "bridge connection lost"
		}
		s.persistError(ctx, id, msg)
		emit(errorFrame(msg))
		emit(doneFrame(id))
		cause := errs.Newf(errs.KindBridgeLost, "session %s: %s", id, msg)
		if err := s.pool.Evict(ctx, id, events.EvictReasonBridge); err != nil {
			log.Error("Failed to evict lost sandbox", zap.Error(err))
		}
		s.failSession(ctx, id, cause)
		log.Error("Turn lost its bridge", zap.String("error", msg))
		return cause
	}
}

// persistUserMessage stores the caller's prompt in the same stream-json
// shape the agent SDK uses for user messages, keeping the transcript
// uniform.
func (s *Service) persistUserMessage(ctx context.Context, id, content string) error {
	echo, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]string{
			"role":    store.RoleUser,
			"content": content,
		},
	})
	if err != nil {
		return errs.Wrap(errs.KindInternal, "failed to encode user message", err)
	}
	msg := &store.Message{SessionID: id, Role: store.RoleUser, Content: string(echo)}
	if err := s.st.AppendMessage(ctx, msg); err != nil {
		return errs.Wrap(errs.KindPersistence, "failed to persist user message", err)
	}
	return nil
}

// finishTurn returns the sandbox to the waiting pool and refreshes the
// session's idle clock.
func (s *Service) finishTurn(ctx context.Context, id string) {
	if err := s.pool.MarkWaiting(ctx, id); err != nil {
		s.log.WithSessionID(id).Warn("Failed to mark sandbox waiting", zap.Error(err))
	}
	if err := s.st.TouchSession(ctx, id); err != nil {
		s.log.WithSessionID(id).Warn("Failed to touch session", zap.Error(err))
	}
}

func (s *Service) persistError(ctx context.Context, id, msg string) {
	data, _ := json.Marshal(map[string]string{"error": msg})
	row := &store.SessionEvent{SessionID: id, Type: store.EventError, Data: string(data)}
	if err := s.st.AppendEvent(ctx, row); err != nil {
		s.log.WithSessionID(id).Error("Failed to persist error event", zap.Error(err))
	}
}

// publishFrame mirrors every frame onto the bus so observers (websocket
// terminals, metrics) see the stream without holding the SSE connection.
func (s *Service) publishFrame(ctx context.Context, id string, frame Frame) {
	if s.bus == nil {
		return
	}
	payload := events.StreamEventPayload{SessionID: id, Name: frame.Event, Data: frame.Data}
	_ = s.bus.Publish(ctx, events.BuildSessionEventsSubject(id), bus.NewEvent(events.StreamEvent, "session-service", payload))
}

func doneFrame(sessionID string) Frame {
	data, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	return Frame{Event: FrameDone, Data: data}
}

func errorFrame(msg string) Frame {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return Frame{Event: FrameError, Data: data}
}
