package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashrun/ash/internal/errs"
)

// CreateSession inserts a new session in status starting unless one was set.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.TenantID == "" {
		session.TenantID = DefaultTenant
	}
	if session.Status == "" {
		session.Status = SessionStarting
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.LastActiveAt = now
	session.UpdatedAt = now

	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		INSERT INTO sessions (
			id, tenant_id, agent_name, sandbox_id, status, runner_id,
			parent_session_id, model, upstream_session_id, error_message,
			created_at, last_active_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.TenantID, session.AgentName, session.SandboxID,
		string(session.Status), session.RunnerID, session.ParentSessionID,
		session.Model, session.UpstreamSessionID, session.ErrorMessage,
		session.CreatedAt, session.LastActiveAt, session.UpdatedAt)
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	session := &Session{}
	var status string
	err := s.r.QueryRowContext(ctx, s.r.Rebind(`
		SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id,
		       parent_session_id, model, upstream_session_id, error_message,
		       created_at, last_active_at, updated_at
		FROM sessions WHERE id = ?
	`), id).Scan(
		&session.ID, &session.TenantID, &session.AgentName, &session.SandboxID, &status,
		&session.RunnerID, &session.ParentSessionID, &session.Model,
		&session.UpstreamSessionID, &session.ErrorMessage,
		&session.CreatedAt, &session.LastActiveAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	session.Status = SessionStatus(status)
	return session, nil
}

// UpdateSessionStatus sets the status and, for the error status, the message
// explaining it. Any other status clears a previous error message.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, errorMessage string) error {
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE sessions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`), string(status), errorMessage, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errs.Newf(errs.KindNotFound, "session not found: %s", id)
	}
	return nil
}

// SetSessionSandbox points the session at its live sandbox record, or clears
// the link when the sandbox is destroyed.
func (s *Store) SetSessionSandbox(ctx context.Context, id, sandboxID string) error {
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE sessions SET sandbox_id = ?, updated_at = ? WHERE id = ?
	`), sandboxID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errs.Newf(errs.KindNotFound, "session not found: %s", id)
	}
	return nil
}

// SetSessionRunner records which runner hosts the session's sandbox.
func (s *Store) SetSessionRunner(ctx context.Context, id, runnerID string) error {
	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE sessions SET runner_id = ?, updated_at = ? WHERE id = ?
	`), runnerID, time.Now().UTC(), id)
	return err
}

// SetSessionUpstream records the agent SDK's own session id so later
// queries can resume the upstream conversation.
func (s *Store) SetSessionUpstream(ctx context.Context, id, upstreamID string) error {
	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE sessions SET upstream_session_id = ?, updated_at = ? WHERE id = ?
	`), upstreamID, time.Now().UTC(), id)
	return err
}

// TouchSession bumps last_active_at, feeding the idle sweep's LRU ordering.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE sessions SET last_active_at = ?, updated_at = ? WHERE id = ?
	`), now, now, id)
	return err
}

// ListSessions returns a tenant's sessions, newest first, honoring the
// optional agent and status filters.
func (s *Store) ListSessions(ctx context.Context, tenantID string, filter SessionFilter) ([]*Session, error) {
	if tenantID == "" {
		tenantID = DefaultTenant
	}

	query := `
		SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id,
		       parent_session_id, model, upstream_session_id, error_message,
		       created_at, last_active_at, updated_at
		FROM sessions WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.AgentName != "" {
		query += " AND agent_name = ?"
		args = append(args, filter.AgentName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 || filter.Offset > 0 {
		// sqlite insists on LIMIT whenever OFFSET is present.
		limit := filter.Limit
		if limit <= 0 {
			limit = 1<<31 - 1
		}
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.r.QueryContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		session := &Session{}
		var status string
		if err := rows.Scan(
			&session.ID, &session.TenantID, &session.AgentName, &session.SandboxID, &status,
			&session.RunnerID, &session.ParentSessionID, &session.Model,
			&session.UpstreamSessionID, &session.ErrorMessage,
			&session.CreatedAt, &session.LastActiveAt, &session.UpdatedAt,
		); err != nil {
			return nil, err
		}
		session.Status = SessionStatus(status)
		result = append(result, session)
	}
	return result, rows.Err()
}

// ListSessionsByStatus returns every session in one of the given statuses,
// across tenants. Startup recovery uses this to find sessions stranded by a
// crash.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.r.QueryContext(ctx, s.r.Rebind(`
		SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id,
		       parent_session_id, model, upstream_session_id, error_message,
		       created_at, last_active_at, updated_at
		FROM sessions WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at DESC
	`), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		session := &Session{}
		var status string
		if err := rows.Scan(
			&session.ID, &session.TenantID, &session.AgentName, &session.SandboxID, &status,
			&session.RunnerID, &session.ParentSessionID, &session.Model,
			&session.UpstreamSessionID, &session.ErrorMessage,
			&session.CreatedAt, &session.LastActiveAt, &session.UpdatedAt,
		); err != nil {
			return nil, err
		}
		session.Status = SessionStatus(status)
		result = append(result, session)
	}
	return result, rows.Err()
}
