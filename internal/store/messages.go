package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ashrun/ash/internal/db/dialect"
)

// AppendMessage persists a message under the session's next sequence number.
// Allocation and insert share one transaction, so concurrent appends cannot
// claim the same sequence; on SQLite the single-writer pool serializes them
// anyway.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Role == "" {
		msg.Role = RoleUser
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var next int64
		err := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?
		`), msg.SessionID).Scan(&next)
		if err != nil {
			return fmt.Errorf("allocate message sequence: %w", err)
		}
		msg.Sequence = next

		id, err := dialect.InsertReturningID(ctx, tx, `
			INSERT INTO messages (session_id, role, content, sequence, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, msg.SessionID, msg.Role, msg.Content, msg.Sequence, msg.CreatedAt)
		if err != nil {
			return err
		}
		msg.ID = id
		return nil
	})
}

// ListMessages returns a session's messages with sequence greater than the
// cursor, oldest first. A non-positive limit means no limit.
func (s *Store) ListMessages(ctx context.Context, sessionID string, after int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, session_id, role, content, sequence, created_at
		FROM messages WHERE session_id = ? AND sequence > ?
		ORDER BY sequence ASC`
	args := []any{sessionID, after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

// SearchMessages returns a session's messages whose content matches the
// pattern, oldest first.
func (s *Store) SearchMessages(ctx context.Context, sessionID, q string, limit int) ([]*Message, error) {
	query := fmt.Sprintf(`
		SELECT id, session_id, role, content, sequence, created_at
		FROM messages WHERE session_id = ? AND content %s ?
		ORDER BY sequence ASC`, dialect.Like(s.driver))
	args := []any{sessionID, "%" + q + "%"}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

// CopyMessages duplicates every message of src under dst, preserving role,
// content and sequence. Forking a session keeps its history this way.
func (s *Store) CopyMessages(ctx context.Context, srcSessionID, dstSessionID string) (int64, error) {
	var copied int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO messages (session_id, role, content, sequence, created_at)
			SELECT ?, role, content, sequence, created_at
			FROM messages WHERE session_id = ?
		`), dstSessionID, srcSessionID)
		if err != nil {
			return fmt.Errorf("copy messages: %w", err)
		}
		copied, _ = result.RowsAffected()
		return nil
	})
	return copied, err
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.r.QueryContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Sequence, &msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
