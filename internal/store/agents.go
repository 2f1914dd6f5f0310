package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashrun/ash/internal/errs"
)

// CreateAgent inserts a newly deployed agent at version 1.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.TenantID == "" {
		agent.TenantID = DefaultTenant
	}
	if agent.Version == 0 {
		agent.Version = 1
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		INSERT INTO agents (id, tenant_id, name, version, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), agent.ID, agent.TenantID, agent.Name, agent.Version, agent.Path, agent.CreatedAt, agent.UpdatedAt)
	return err
}

// GetAgent retrieves an agent by tenant and name.
func (s *Store) GetAgent(ctx context.Context, tenantID, name string) (*Agent, error) {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	agent := &Agent{}
	err := s.r.QueryRowContext(ctx, s.r.Rebind(`
		SELECT id, tenant_id, name, version, path, created_at, updated_at
		FROM agents WHERE tenant_id = ? AND name = ?
	`), tenantID, name).Scan(
		&agent.ID, &agent.TenantID, &agent.Name, &agent.Version, &agent.Path,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "agent", name)
	}
	return agent, nil
}

// ListAgents returns all agents for a tenant ordered by name.
func (s *Store) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	rows, err := s.r.QueryContext(ctx, s.r.Rebind(`
		SELECT id, tenant_id, name, version, path, created_at, updated_at
		FROM agents WHERE tenant_id = ? ORDER BY name ASC
	`), tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Agent
	for rows.Next() {
		agent := &Agent{}
		if err := rows.Scan(
			&agent.ID, &agent.TenantID, &agent.Name, &agent.Version, &agent.Path,
			&agent.CreatedAt, &agent.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

// BumpAgentVersion records a redeploy: increments the version, points the
// agent at the freshly staged directory, and returns the new version.
func (s *Store) BumpAgentVersion(ctx context.Context, tenantID, name, path string) (int, error) {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE agents SET version = version + 1, path = ?, updated_at = ?
		WHERE tenant_id = ? AND name = ?
	`), path, time.Now().UTC(), tenantID, name)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return 0, errs.Newf(errs.KindNotFound, "agent not found: %s", name)
	}

	var version int
	err = s.w.QueryRowContext(ctx, s.w.Rebind(`
		SELECT version FROM agents WHERE tenant_id = ? AND name = ?
	`), tenantID, name).Scan(&version)
	return version, err
}

// DeleteAgent removes an agent's metadata. Live sessions are untouched.
func (s *Store) DeleteAgent(ctx context.Context, tenantID, name string) error {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		DELETE FROM agents WHERE tenant_id = ? AND name = ?
	`), tenantID, name)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errs.Newf(errs.KindNotFound, "agent not found: %s", name)
	}
	return nil
}
