package httpapi

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/ashrun/ash/internal/common/fsutil"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/sandbox/manager"
	"github.com/ashrun/ash/internal/store"
	v1 "github.com/ashrun/ash/pkg/api/v1"
)

func renderError(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	c.JSON(status, v1.Error{
		Error:      errs.Message(err),
		Kind:       string(errs.KindOf(err)),
		StatusCode: status,
	})
}

func abortError(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	c.AbortWithStatusJSON(status, v1.Error{
		Error:      errs.Message(err),
		Kind:       string(errs.KindOf(err)),
		StatusCode: status,
	})
}

func toAgent(a *store.Agent) v1.Agent {
	return v1.Agent{
		Name:      a.Name,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func toSession(s *store.Session) v1.Session {
	return v1.Session{
		ID:              s.ID,
		AgentName:       s.AgentName,
		Status:          string(s.Status),
		SandboxID:       s.SandboxID,
		RunnerID:        s.RunnerID,
		ParentSessionID: s.ParentSessionID,
		Model:           s.Model,
		ErrorMessage:    s.ErrorMessage,
		CreatedAt:       s.CreatedAt,
		LastActiveAt:    s.LastActiveAt,
	}
}

// rawContent turns stored content into a raw JSON value. User rows hold
// plain text, assistant rows hold upstream JSON; both must round-trip.
func rawContent(content string) json.RawMessage {
	if json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	quoted, _ := json.Marshal(content)
	return quoted
}

func toMessage(m *store.Message) v1.Message {
	return v1.Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   rawContent(m.Content),
		Sequence:  m.Sequence,
		CreatedAt: m.CreatedAt,
	}
}

func toEvent(e *store.SessionEvent) v1.SessionEvent {
	return v1.SessionEvent{
		ID:        e.ID,
		SessionID: e.SessionID,
		Type:      e.Type,
		Data:      rawContent(e.Data),
		Sequence:  e.Sequence,
		CreatedAt: e.CreatedAt,
	}
}

func toFileEntries(entries []fsutil.Entry) []v1.FileEntry {
	out := make([]v1.FileEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, v1.FileEntry{Path: e.Path, Size: e.Size, Dir: e.Dir, ModTime: e.ModTime})
	}
	return out
}

func toLogEntries(entries []manager.LogEntry) []v1.LogEntry {
	out := make([]v1.LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, v1.LogEntry{Level: e.Level, Text: e.Text, TS: e.TS})
	}
	return out
}

func toRunner(r *store.Runner, live bool) v1.Runner {
	return v1.Runner{
		ID:              r.ID,
		Host:            r.Host,
		Port:            r.Port,
		MaxSandboxes:    r.MaxSandboxes,
		ActiveCount:     r.ActiveCount,
		WarmingCount:    r.WarmingCount,
		FreeSlots:       r.FreeSlots(),
		Live:            live,
		LastHeartbeatAt: r.LastHeartbeatAt,
	}
}
