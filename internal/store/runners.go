package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashrun/ash/internal/db/dialect"
	"github.com/ashrun/ash/internal/errs"
)

// UpsertRunner registers a runner or refreshes an existing registration.
// Re-registering after a restart keeps the original registered_at.
func (s *Store) UpsertRunner(ctx context.Context, r *Runner) error {
	now := time.Now().UTC()
	r.LastHeartbeatAt = now
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = now
	}

	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		INSERT INTO runners (id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			max_sandboxes = excluded.max_sandboxes,
			active_count = excluded.active_count,
			warming_count = excluded.warming_count,
			last_heartbeat_at = excluded.last_heartbeat_at
	`), r.ID, r.Host, r.Port, r.MaxSandboxes, r.ActiveCount, r.WarmingCount,
		r.LastHeartbeatAt, r.RegisteredAt)
	return err
}

// HeartbeatRunner refreshes a runner's liveness and slot counts.
func (s *Store) HeartbeatRunner(ctx context.Context, id string, active, warming int) error {
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE runners SET active_count = ?, warming_count = ?, last_heartbeat_at = ? WHERE id = ?
	`), active, warming, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errs.Newf(errs.KindNotFound, "runner not found: %s", id)
	}
	return nil
}

// GetRunner retrieves a runner by id.
func (s *Store) GetRunner(ctx context.Context, id string) (*Runner, error) {
	r := &Runner{}
	err := s.r.QueryRowContext(ctx, s.r.Rebind(`
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE id = ?
	`), id).Scan(
		&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount,
		&r.LastHeartbeatAt, &r.RegisteredAt,
	)
	if err != nil {
		return nil, notFound(err, "runner", id)
	}
	return r, nil
}

// ListLiveRunners returns runners whose heartbeat is within the liveness
// window, most free slots first.
func (s *Store) ListLiveRunners(ctx context.Context, liveness time.Duration) ([]*Runner, error) {
	query := fmt.Sprintf(`
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE last_heartbeat_at >= %s
		ORDER BY (max_sandboxes - active_count - warming_count) DESC, id ASC
	`, dialect.NowMinusSeconds(s.driver, "?"))
	return s.queryRunners(ctx, query, int64(liveness.Seconds()))
}

// ListDeadRunners returns runners whose heartbeat fell outside the liveness
// window; the registry prunes them and fails their sessions over.
func (s *Store) ListDeadRunners(ctx context.Context, liveness time.Duration) ([]*Runner, error) {
	query := fmt.Sprintf(`
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE last_heartbeat_at < %s
		ORDER BY last_heartbeat_at ASC
	`, dialect.NowMinusSeconds(s.driver, "?"))
	return s.queryRunners(ctx, query, int64(liveness.Seconds()))
}

// DeleteRunner removes a runner's registration.
func (s *Store) DeleteRunner(ctx context.Context, id string) error {
	_, err := s.w.ExecContext(ctx, s.w.Rebind(`DELETE FROM runners WHERE id = ?`), id)
	return err
}

func (s *Store) queryRunners(ctx context.Context, query string, args ...any) ([]*Runner, error) {
	rows, err := s.r.QueryContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Runner
	for rows.Next() {
		r := &Runner{}
		if err := rows.Scan(
			&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount,
			&r.LastHeartbeatAt, &r.RegisteredAt,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
