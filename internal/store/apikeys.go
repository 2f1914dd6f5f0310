package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ashrun/ash/internal/db/dialect"
	"github.com/ashrun/ash/internal/errs"
)

// CreateAPIKey inserts the salted hash of an issued key.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.TenantID == "" {
		key.TenantID = DefaultTenant
	}
	key.CreatedAt = time.Now().UTC()

	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		INSERT INTO api_keys (id, tenant_id, key_hash, label, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), key.ID, key.TenantID, key.KeyHash, key.Label, dialect.BoolToInt(key.Revoked), key.CreatedAt)
	return err
}

// GetAPIKeyByHash looks up an unrevoked key by its hash. Auth middleware
// calls this on every request, so it runs on the reader pool.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	key := &APIKey{}
	var revoked int
	var lastUsedAt sql.NullTime
	err := s.r.QueryRowContext(ctx, s.r.Rebind(`
		SELECT id, tenant_id, key_hash, label, revoked, created_at, last_used_at
		FROM api_keys WHERE key_hash = ? AND revoked = 0
	`), hash).Scan(
		&key.ID, &key.TenantID, &key.KeyHash, &key.Label, &revoked,
		&key.CreatedAt, &lastUsedAt,
	)
	if err != nil {
		return nil, notFound(err, "api key", "by hash")
	}
	key.Revoked = revoked == 1
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}
	return key, nil
}

// TouchAPIKey records the last successful use of a key.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE api_keys SET last_used_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	return err
}

// RevokeAPIKey marks a key unusable without destroying the audit trail.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE api_keys SET revoked = 1 WHERE id = ?
	`), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errs.Newf(errs.KindNotFound, "api key not found: %s", id)
	}
	return nil
}

// ListAPIKeys returns a tenant's keys, newest first. Hashes stay server-side;
// the JSON shape omits them.
func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	rows, err := s.r.QueryContext(ctx, s.r.Rebind(`
		SELECT id, tenant_id, key_hash, label, revoked, created_at, last_used_at
		FROM api_keys WHERE tenant_id = ? ORDER BY created_at DESC
	`), tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*APIKey
	for rows.Next() {
		key := &APIKey{}
		var revoked int
		var lastUsedAt sql.NullTime
		if err := rows.Scan(
			&key.ID, &key.TenantID, &key.KeyHash, &key.Label, &revoked,
			&key.CreatedAt, &lastUsedAt,
		); err != nil {
			return nil, err
		}
		key.Revoked = revoked == 1
		if lastUsedAt.Valid {
			key.LastUsedAt = &lastUsedAt.Time
		}
		result = append(result, key)
	}
	return result, rows.Err()
}
