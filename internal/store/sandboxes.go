package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashrun/ash/internal/db/dialect"
	"github.com/ashrun/ash/internal/errs"
)

// CreateSandbox inserts a sandbox record. The id is the owning session's id.
func (s *Store) CreateSandbox(ctx context.Context, sb *Sandbox) error {
	if sb.ID == "" {
		return errs.New(errs.KindBadRequest, "sandbox id is required")
	}
	if sb.TenantID == "" {
		sb.TenantID = DefaultTenant
	}
	if sb.State == "" {
		sb.State = SandboxWarming
	}
	if sb.Caps == "" {
		sb.Caps = "{}"
	}
	now := time.Now().UTC()
	sb.CreatedAt = now
	sb.UpdatedAt = now
	sb.LastUsedAt = now

	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		INSERT INTO sandboxes (
			id, tenant_id, session_id, agent_name, state, workspace_dir, caps,
			last_used_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sb.ID, sb.TenantID, sb.SessionID, sb.AgentName, string(sb.State),
		sb.WorkspaceDir, sb.Caps, sb.LastUsedAt, sb.CreatedAt, sb.UpdatedAt)
	return err
}

// GetSandbox retrieves a sandbox record by id.
func (s *Store) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	sb := &Sandbox{}
	var state string
	err := s.r.QueryRowContext(ctx, s.r.Rebind(`
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, caps,
		       last_used_at, created_at, updated_at
		FROM sandboxes WHERE id = ?
	`), id).Scan(
		&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &state,
		&sb.WorkspaceDir, &sb.Caps, &sb.LastUsedAt, &sb.CreatedAt, &sb.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "sandbox", id)
	}
	sb.State = SandboxState(state)
	return sb, nil
}

// ActivateSandbox moves a freshly created sandbox to waiting and records
// where its workspace landed.
func (s *Store) ActivateSandbox(ctx context.Context, id, workspaceDir string) error {
	now := time.Now().UTC()
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE sandboxes SET state = ?, workspace_dir = ?, last_used_at = ?, updated_at = ? WHERE id = ?
	`), string(SandboxWaiting), workspaceDir, now, now, id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errs.Newf(errs.KindNotFound, "sandbox not found: %s", id)
	}
	return nil
}

// SetSandboxState records a state transition.
func (s *Store) SetSandboxState(ctx context.Context, id string, state SandboxState) error {
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE sandboxes SET state = ?, updated_at = ? WHERE id = ?
	`), string(state), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errs.Newf(errs.KindNotFound, "sandbox not found: %s", id)
	}
	return nil
}

// TransitionSandbox records a state change only when the record is currently
// in one of the from states. Reports false when the record has moved on, so a
// caller racing an eviction cannot resurrect a cold record.
func (s *Store) TransitionSandbox(ctx context.Context, id string, to SandboxState, from ...SandboxState) (bool, error) {
	if len(from) == 0 {
		return false, errs.New(errs.KindBadRequest, "transition needs at least one source state")
	}
	query := `UPDATE sandboxes SET state = ?, updated_at = ? WHERE id = ? AND state IN (`
	args := []any{string(to), time.Now().UTC(), id}
	for i, st := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(st))
	}
	query += ")"

	result, err := s.w.ExecContext(ctx, s.w.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// TouchSandbox bumps last_used_at; the LRU eviction order keys off it.
func (s *Store) TouchSandbox(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE sandboxes SET last_used_at = ?, updated_at = ? WHERE id = ?
	`), now, now, id)
	return err
}

// SetSandboxCaps persists the capability snapshot reported by the limits
// layer after spawn.
func (s *Store) SetSandboxCaps(ctx context.Context, id, caps string) error {
	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE sandboxes SET caps = ?, updated_at = ? WHERE id = ?
	`), caps, time.Now().UTC(), id)
	return err
}

// MarkSandboxEvicted moves the record to cold, its terminal state. The record
// itself survives until the cold-cleanup TTL so a resume can find its
// snapshot.
func (s *Store) MarkSandboxEvicted(ctx context.Context, id string) error {
	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE sandboxes SET state = ?, workspace_dir = '', updated_at = ? WHERE id = ?
	`), string(SandboxCold), time.Now().UTC(), id)
	return err
}

// DeleteSandbox removes the record entirely.
func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	_, err := s.w.ExecContext(ctx, s.w.Rebind(`DELETE FROM sandboxes WHERE id = ?`), id)
	return err
}

// ListSandboxesByState returns records in the given state, least recently
// used first, which is the order the LRU eviction scans them in.
func (s *Store) ListSandboxesByState(ctx context.Context, states ...SandboxState) ([]*Sandbox, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, caps,
		       last_used_at, created_at, updated_at
		FROM sandboxes WHERE state IN (`
	args := make([]any, len(states))
	for i, st := range states {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args[i] = string(st)
	}
	query += ") ORDER BY last_used_at ASC"

	return s.querySandboxes(ctx, query, args...)
}

// ListIdleSandboxes returns warm or waiting sandboxes whose last use is
// older than the idle timeout.
func (s *Store) ListIdleSandboxes(ctx context.Context, idle time.Duration) ([]*Sandbox, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, caps,
		       last_used_at, created_at, updated_at
		FROM sandboxes
		WHERE state IN (?, ?) AND last_used_at < %s
		ORDER BY last_used_at ASC
	`, dialect.NowMinusSeconds(s.driver, "?"))
	return s.querySandboxes(ctx, query,
		string(SandboxWarm), string(SandboxWaiting), int64(idle.Seconds()))
}

// ListStaleSandboxes returns cold records whose last use is older than the
// cold-cleanup TTL; the sweep deletes them along with their snapshots.
func (s *Store) ListStaleSandboxes(ctx context.Context, ttl time.Duration) ([]*Sandbox, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, caps,
		       last_used_at, created_at, updated_at
		FROM sandboxes
		WHERE state = ? AND last_used_at < %s
		ORDER BY last_used_at ASC
	`, dialect.NowMinusSeconds(s.driver, "?"))
	return s.querySandboxes(ctx, query, string(SandboxCold), int64(ttl.Seconds()))
}

// CountLiveSandboxes reports how many records count against capacity.
func (s *Store) CountLiveSandboxes(ctx context.Context) (int, error) {
	var count int
	err := s.r.QueryRowContext(ctx, s.r.Rebind(`
		SELECT COUNT(*) FROM sandboxes WHERE state IN (?, ?, ?, ?)
	`), string(SandboxWarming), string(SandboxWarm), string(SandboxWaiting), string(SandboxRunning)).Scan(&count)
	return count, err
}

func (s *Store) querySandboxes(ctx context.Context, query string, args ...any) ([]*Sandbox, error) {
	rows, err := s.r.QueryContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Sandbox
	for rows.Next() {
		sb := &Sandbox{}
		var state string
		if err := rows.Scan(
			&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &state,
			&sb.WorkspaceDir, &sb.Caps, &sb.LastUsedAt, &sb.CreatedAt, &sb.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sb.State = SandboxState(state)
		result = append(result, sb)
	}
	return result, rows.Err()
}
