package store

import (
	"context"
	"testing"
	"time"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{DBDriver: config.DriverSQLite, DataDir: t.TempDir()}
	pool, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("failed to close pool: %v", err)
		}
	})

	st, err := New(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return st
}

// backdate shifts a timestamp column into the past so sweep queries see the
// row as stale without the test sleeping.
func backdate(t *testing.T, st *Store, table, column, id string, age time.Duration) {
	t.Helper()
	query := "UPDATE " + table + " SET " + column + " = ? WHERE id = ?"
	if _, err := st.w.Exec(st.w.Rebind(query), time.Now().UTC().Add(-age), id); err != nil {
		t.Fatalf("failed to backdate %s.%s: %v", table, column, err)
	}
}

func TestStore_AgentLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Name: "support-bot", Path: "/data/agents/support-bot/v1"}
	if err := st.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	if agent.ID == "" {
		t.Error("expected generated agent id")
	}
	if agent.Version != 1 {
		t.Errorf("expected version 1, got %d", agent.Version)
	}
	if agent.TenantID != DefaultTenant {
		t.Errorf("expected default tenant, got %q", agent.TenantID)
	}

	got, err := st.GetAgent(ctx, "", "support-bot")
	if err != nil {
		t.Fatalf("failed to get agent: %v", err)
	}
	if got.Path != agent.Path {
		t.Errorf("expected path %q, got %q", agent.Path, got.Path)
	}

	version, err := st.BumpAgentVersion(ctx, "", "support-bot", "/data/agents/support-bot/v2")
	if err != nil {
		t.Fatalf("failed to bump version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	got, err = st.GetAgent(ctx, "", "support-bot")
	if err != nil {
		t.Fatalf("failed to get agent after redeploy: %v", err)
	}
	if got.Path != "/data/agents/support-bot/v2" {
		t.Errorf("expected redeployed path, got %q", got.Path)
	}

	agents, err := st.ListAgents(ctx, "")
	if err != nil {
		t.Fatalf("failed to list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}

	if err := st.DeleteAgent(ctx, "", "support-bot"); err != nil {
		t.Fatalf("failed to delete agent: %v", err)
	}
	_, err = st.GetAgent(ctx, "", "support-bot")
	if !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected not-found after delete, got %v", err)
	}
	if err := st.DeleteAgent(ctx, "", "support-bot"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected not-found deleting twice, got %v", err)
	}
}

func TestStore_AgentNamesScopedByTenant(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateAgent(ctx, &Agent{TenantID: "acme", Name: "bot", Path: "/a"}); err != nil {
		t.Fatalf("failed to create agent for acme: %v", err)
	}
	if err := st.CreateAgent(ctx, &Agent{TenantID: "globex", Name: "bot", Path: "/b"}); err != nil {
		t.Fatalf("expected same name under another tenant to succeed: %v", err)
	}
	if err := st.CreateAgent(ctx, &Agent{TenantID: "acme", Name: "bot", Path: "/c"}); err == nil {
		t.Error("expected unique violation for duplicate name in tenant")
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	session := &Session{AgentName: "support-bot", Model: "opus"}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if session.Status != SessionStarting {
		t.Errorf("expected starting status, got %q", session.Status)
	}

	if err := st.UpdateSessionStatus(ctx, session.ID, SessionActive, ""); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	if err := st.SetSessionSandbox(ctx, session.ID, session.ID); err != nil {
		t.Fatalf("failed to set sandbox: %v", err)
	}
	if err := st.SetSessionRunner(ctx, session.ID, "runner-1"); err != nil {
		t.Fatalf("failed to set runner: %v", err)
	}

	got, err := st.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.Status != SessionActive {
		t.Errorf("expected active, got %q", got.Status)
	}
	if got.SandboxID != session.ID {
		t.Errorf("expected sandbox id %q, got %q", session.ID, got.SandboxID)
	}
	if got.RunnerID != "runner-1" {
		t.Errorf("expected runner-1, got %q", got.RunnerID)
	}
	if got.Model != "opus" {
		t.Errorf("expected model override to persist, got %q", got.Model)
	}

	if err := st.UpdateSessionStatus(ctx, session.ID, SessionError, "bridge lost"); err != nil {
		t.Fatalf("failed to set error status: %v", err)
	}
	got, _ = st.GetSession(ctx, session.ID)
	if got.ErrorMessage != "bridge lost" {
		t.Errorf("expected error message to persist, got %q", got.ErrorMessage)
	}

	if err := st.UpdateSessionStatus(ctx, "missing", SessionActive, ""); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected not-found for missing session, got %v", err)
	}
}

func TestStore_ListSessionsFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, spec := range []struct {
		agent  string
		status SessionStatus
	}{
		{"support-bot", SessionActive},
		{"support-bot", SessionPaused},
		{"triage-bot", SessionActive},
	} {
		session := &Session{AgentName: spec.agent}
		if err := st.CreateSession(ctx, session); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}
		if err := st.UpdateSessionStatus(ctx, session.ID, spec.status, ""); err != nil {
			t.Fatalf("failed to set status: %v", err)
		}
	}

	all, err := st.ListSessions(ctx, "", SessionFilter{})
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}

	byAgent, err := st.ListSessions(ctx, "", SessionFilter{AgentName: "support-bot"})
	if err != nil {
		t.Fatalf("failed to list by agent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Errorf("expected 2 support-bot sessions, got %d", len(byAgent))
	}

	byStatus, err := st.ListSessions(ctx, "", SessionFilter{Status: SessionPaused})
	if err != nil {
		t.Fatalf("failed to list by status: %v", err)
	}
	if len(byStatus) != 1 {
		t.Errorf("expected 1 paused session, got %d", len(byStatus))
	}

	active, err := st.ListSessionsByStatus(ctx, SessionActive)
	if err != nil {
		t.Fatalf("failed to list by statuses: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active sessions, got %d", len(active))
	}
}

func TestStore_SandboxLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sb := &Sandbox{ID: "sess-1", SessionID: "sess-1", AgentName: "support-bot", WorkspaceDir: "/data/sessions/sess-1/workspace"}
	if err := st.CreateSandbox(ctx, sb); err != nil {
		t.Fatalf("failed to create sandbox: %v", err)
	}
	if sb.State != SandboxWarming {
		t.Errorf("expected warming default, got %q", sb.State)
	}

	if err := st.SetSandboxState(ctx, "sess-1", SandboxWarm); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}
	if err := st.SetSandboxCaps(ctx, "sess-1", `{"memCapped":true}`); err != nil {
		t.Fatalf("failed to set caps: %v", err)
	}

	got, err := st.GetSandbox(ctx, "sess-1")
	if err != nil {
		t.Fatalf("failed to get sandbox: %v", err)
	}
	if got.State != SandboxWarm {
		t.Errorf("expected warm, got %q", got.State)
	}
	if got.Caps != `{"memCapped":true}` {
		t.Errorf("expected caps to persist, got %q", got.Caps)
	}

	count, err := st.CountLiveSandboxes(ctx)
	if err != nil {
		t.Fatalf("failed to count live sandboxes: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 live sandbox, got %d", count)
	}

	if err := st.MarkSandboxEvicted(ctx, "sess-1"); err != nil {
		t.Fatalf("failed to mark evicted: %v", err)
	}
	got, _ = st.GetSandbox(ctx, "sess-1")
	if got.State != SandboxCold {
		t.Errorf("expected cold after eviction, got %q", got.State)
	}
	if got.WorkspaceDir != "" {
		t.Errorf("expected workspace dir cleared, got %q", got.WorkspaceDir)
	}
	count, _ = st.CountLiveSandboxes(ctx)
	if count != 0 {
		t.Errorf("expected 0 live after eviction, got %d", count)
	}

	if err := st.CreateSandbox(ctx, &Sandbox{}); !errs.Is(err, errs.KindBadRequest) {
		t.Errorf("expected bad-request for empty id, got %v", err)
	}
}

func TestStore_SandboxLRUOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"sb-a", "sb-b", "sb-c"} {
		sb := &Sandbox{ID: id, SessionID: id, AgentName: "bot"}
		if err := st.CreateSandbox(ctx, sb); err != nil {
			t.Fatalf("failed to create sandbox %s: %v", id, err)
		}
		if err := st.SetSandboxState(ctx, id, SandboxWarm); err != nil {
			t.Fatalf("failed to warm sandbox %s: %v", id, err)
		}
	}
	backdate(t, st, "sandboxes", "last_used_at", "sb-a", 30*time.Minute)
	backdate(t, st, "sandboxes", "last_used_at", "sb-b", 10*time.Minute)

	warm, err := st.ListSandboxesByState(ctx, SandboxWarm)
	if err != nil {
		t.Fatalf("failed to list warm sandboxes: %v", err)
	}
	if len(warm) != 3 {
		t.Fatalf("expected 3 warm sandboxes, got %d", len(warm))
	}
	if warm[0].ID != "sb-a" || warm[1].ID != "sb-b" || warm[2].ID != "sb-c" {
		t.Errorf("expected LRU order sb-a, sb-b, sb-c; got %s, %s, %s", warm[0].ID, warm[1].ID, warm[2].ID)
	}

	idle, err := st.ListIdleSandboxes(ctx, 20*time.Minute)
	if err != nil {
		t.Fatalf("failed to list idle sandboxes: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "sb-a" {
		t.Fatalf("expected only sb-a past the idle window, got %d entries", len(idle))
	}
}

func TestStore_StaleColdRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"old", "fresh"} {
		if err := st.CreateSandbox(ctx, &Sandbox{ID: id, AgentName: "bot"}); err != nil {
			t.Fatalf("failed to create sandbox: %v", err)
		}
		if err := st.MarkSandboxEvicted(ctx, id); err != nil {
			t.Fatalf("failed to evict sandbox: %v", err)
		}
	}
	backdate(t, st, "sandboxes", "last_used_at", "old", 3*time.Hour)

	stale, err := st.ListStaleSandboxes(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("failed to list stale sandboxes: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("expected only the backdated record to be stale, got %d entries", len(stale))
	}

	if err := st.DeleteSandbox(ctx, "old"); err != nil {
		t.Fatalf("failed to delete sandbox: %v", err)
	}
	if _, err := st.GetSandbox(ctx, "old"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected not-found after delete, got %v", err)
	}
}

func TestStore_MessageSequencing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sessA := &Session{AgentName: "bot"}
	sessB := &Session{AgentName: "bot"}
	if err := st.CreateSession(ctx, sessA); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := st.CreateSession(ctx, sessB); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	for i := 0; i < 3; i++ {
		msg := &Message{SessionID: sessA.ID, Role: RoleUser, Content: `{"text":"hello"}`}
		if err := st.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("failed to append message: %v", err)
		}
		if msg.Sequence != int64(i+1) {
			t.Errorf("expected sequence %d, got %d", i+1, msg.Sequence)
		}
		if msg.ID == 0 {
			t.Error("expected generated message id")
		}
	}

	// Sequences are per session, not global.
	other := &Message{SessionID: sessB.ID, Role: RoleAssistant, Content: `{"text":"hi"}`}
	if err := st.AppendMessage(ctx, other); err != nil {
		t.Fatalf("failed to append to second session: %v", err)
	}
	if other.Sequence != 1 {
		t.Errorf("expected second session to start at 1, got %d", other.Sequence)
	}

	after, err := st.ListMessages(ctx, sessA.ID, 1, 0)
	if err != nil {
		t.Fatalf("failed to list after cursor: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected 2 messages after cursor 1, got %d", len(after))
	}
	if after[0].Sequence != 2 || after[1].Sequence != 3 {
		t.Errorf("expected sequences 2,3; got %d,%d", after[0].Sequence, after[1].Sequence)
	}
}

func TestStore_CopyMessagesForFork(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	src := &Session{AgentName: "bot"}
	if err := st.CreateSession(ctx, src); err != nil {
		t.Fatalf("failed to create source session: %v", err)
	}
	for _, content := range []string{`{"n":1}`, `{"n":2}`} {
		if err := st.AppendMessage(ctx, &Message{SessionID: src.ID, Content: content}); err != nil {
			t.Fatalf("failed to append message: %v", err)
		}
	}

	dst := &Session{AgentName: "bot", ParentSessionID: src.ID}
	if err := st.CreateSession(ctx, dst); err != nil {
		t.Fatalf("failed to create fork session: %v", err)
	}
	copied, err := st.CopyMessages(ctx, src.ID, dst.ID)
	if err != nil {
		t.Fatalf("failed to copy messages: %v", err)
	}
	if copied != 2 {
		t.Errorf("expected 2 copied messages, got %d", copied)
	}

	msgs, err := st.ListMessages(ctx, dst.ID, 0, 0)
	if err != nil {
		t.Fatalf("failed to list fork messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages in fork, got %d", len(msgs))
	}
	if msgs[0].Sequence != 1 || msgs[1].Sequence != 2 {
		t.Errorf("expected preserved sequences 1,2; got %d,%d", msgs[0].Sequence, msgs[1].Sequence)
	}
	if msgs[1].Content != `{"n":2}` {
		t.Errorf("expected content preserved, got %q", msgs[1].Content)
	}

	// The fork's counter continues after the copied history.
	next := &Message{SessionID: dst.ID, Content: `{"n":3}`}
	if err := st.AppendMessage(ctx, next); err != nil {
		t.Fatalf("failed to append after copy: %v", err)
	}
	if next.Sequence != 3 {
		t.Errorf("expected sequence 3 after copied history, got %d", next.Sequence)
	}
}

func TestStore_SearchMessages(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	session := &Session{AgentName: "bot"}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	for _, content := range []string{`{"text":"fix the login bug"}`, `{"text":"deploy finished"}`} {
		if err := st.AppendMessage(ctx, &Message{SessionID: session.ID, Content: content}); err != nil {
			t.Fatalf("failed to append message: %v", err)
		}
	}

	hits, err := st.SearchMessages(ctx, session.ID, "login", 0)
	if err != nil {
		t.Fatalf("failed to search messages: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Sequence != 1 {
		t.Errorf("expected first message to match, got sequence %d", hits[0].Sequence)
	}
}

func TestStore_EventSequencingIndependentOfMessages(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	session := &Session{AgentName: "bot"}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := st.AppendMessage(ctx, &Message{SessionID: session.ID, Content: `{}`}); err != nil {
		t.Fatalf("failed to append message: %v", err)
	}

	first := &SessionEvent{SessionID: session.ID, Type: EventLifecycle, Data: `{"status":"active"}`}
	if err := st.AppendEvent(ctx, first); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if first.Sequence != 1 {
		t.Errorf("expected event counter to start at 1, got %d", first.Sequence)
	}

	second := &SessionEvent{SessionID: session.ID, Type: EventToolStart, Data: `{"name":"Bash"}`}
	if err := st.AppendEvent(ctx, second); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if second.Sequence != 2 {
		t.Errorf("expected sequence 2, got %d", second.Sequence)
	}

	tools, err := st.ListEvents(ctx, session.ID, EventFilter{Type: EventToolStart})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(tools) != 1 || tools[0].Type != EventToolStart {
		t.Fatalf("expected 1 tool_start event, got %d", len(tools))
	}

	afterCursor, err := st.ListEvents(ctx, session.ID, EventFilter{After: 1})
	if err != nil {
		t.Fatalf("failed to list events after cursor: %v", err)
	}
	if len(afterCursor) != 1 || afterCursor[0].Sequence != 2 {
		t.Fatalf("expected only the second event after cursor 1")
	}
}

func TestStore_RunnerRegistry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	busy := &Runner{ID: "runner-busy", Host: "10.0.0.1", Port: 4101, MaxSandboxes: 10, ActiveCount: 9}
	free := &Runner{ID: "runner-free", Host: "10.0.0.2", Port: 4101, MaxSandboxes: 10, ActiveCount: 2}
	for _, r := range []*Runner{busy, free} {
		if err := st.UpsertRunner(ctx, r); err != nil {
			t.Fatalf("failed to upsert runner: %v", err)
		}
	}

	live, err := st.ListLiveRunners(ctx, time.Minute)
	if err != nil {
		t.Fatalf("failed to list live runners: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("expected 2 live runners, got %d", len(live))
	}
	if live[0].ID != "runner-free" {
		t.Errorf("expected most-free-slots runner first, got %s", live[0].ID)
	}

	if err := st.HeartbeatRunner(ctx, "runner-busy", 4, 1); err != nil {
		t.Fatalf("failed to heartbeat: %v", err)
	}
	got, err := st.GetRunner(ctx, "runner-busy")
	if err != nil {
		t.Fatalf("failed to get runner: %v", err)
	}
	if got.ActiveCount != 4 || got.WarmingCount != 1 {
		t.Errorf("expected counts 4/1, got %d/%d", got.ActiveCount, got.WarmingCount)
	}

	backdate(t, st, "runners", "last_heartbeat_at", "runner-busy", 2*time.Minute)
	dead, err := st.ListDeadRunners(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("failed to list dead runners: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != "runner-busy" {
		t.Fatalf("expected runner-busy to be dead, got %d entries", len(dead))
	}

	if err := st.DeleteRunner(ctx, "runner-busy"); err != nil {
		t.Fatalf("failed to delete runner: %v", err)
	}
	if err := st.HeartbeatRunner(ctx, "runner-busy", 0, 0); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected not-found after delete, got %v", err)
	}

	// Re-registration preserves the original registration time.
	before, _ := st.GetRunner(ctx, "runner-free")
	if err := st.UpsertRunner(ctx, &Runner{ID: "runner-free", Host: "10.0.0.9", Port: 4102, MaxSandboxes: 8, RegisteredAt: before.RegisteredAt}); err != nil {
		t.Fatalf("failed to re-register runner: %v", err)
	}
	after, _ := st.GetRunner(ctx, "runner-free")
	if after.Host != "10.0.0.9" || after.MaxSandboxes != 8 {
		t.Errorf("expected registration refresh, got host %s max %d", after.Host, after.MaxSandboxes)
	}
	if !after.RegisteredAt.Equal(before.RegisteredAt) {
		t.Errorf("expected registered_at preserved across re-register")
	}
}

func TestStore_APIKeys(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	key := &APIKey{KeyHash: "abc123", Label: "ci"}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("failed to create api key: %v", err)
	}

	got, err := st.GetAPIKeyByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("failed to look up key: %v", err)
	}
	if got.Label != "ci" {
		t.Errorf("expected label ci, got %q", got.Label)
	}

	if err := st.TouchAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("failed to touch key: %v", err)
	}
	keys, err := st.ListAPIKeys(ctx, "")
	if err != nil {
		t.Fatalf("failed to list keys: %v", err)
	}
	if len(keys) != 1 || keys[0].LastUsedAt == nil {
		t.Fatalf("expected 1 key with last_used_at set")
	}

	if err := st.RevokeAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("failed to revoke key: %v", err)
	}
	if _, err := st.GetAPIKeyByHash(ctx, "abc123"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected revoked key to be invisible, got %v", err)
	}
}

func TestStore_Stats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	session := &Session{AgentName: "bot"}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := st.UpdateSessionStatus(ctx, session.ID, SessionEnded, ""); err != nil {
		t.Fatalf("failed to end session: %v", err)
	}
	if err := st.AppendMessage(ctx, &Message{SessionID: session.ID, Content: `{}`}); err != nil {
		t.Fatalf("failed to append message: %v", err)
	}
	if err := st.CreateSandbox(ctx, &Sandbox{ID: session.ID, AgentName: "bot"}); err != nil {
		t.Fatalf("failed to create sandbox: %v", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to collect stats: %v", err)
	}
	if stats.SessionsByStatus[string(SessionEnded)] != 1 {
		t.Errorf("expected 1 ended session, got %d", stats.SessionsByStatus[string(SessionEnded)])
	}
	if stats.SandboxesByState[string(SandboxWarming)] != 1 {
		t.Errorf("expected 1 warming sandbox, got %d", stats.SandboxesByState[string(SandboxWarming)])
	}
	if stats.TotalMessages != 1 {
		t.Errorf("expected 1 message, got %d", stats.TotalMessages)
	}
}
