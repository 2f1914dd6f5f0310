package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ashrun/ash/internal/db/dialect"
)

// AppendEvent persists a timeline event under the session's next event
// sequence. The counter is independent of the message counter.
func (s *Store) AppendEvent(ctx context.Context, ev *SessionEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Data == "" {
		ev.Data = "{}"
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var next int64
		err := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT COALESCE(MAX(sequence), 0) + 1 FROM session_events WHERE session_id = ?
		`), ev.SessionID).Scan(&next)
		if err != nil {
			return fmt.Errorf("allocate event sequence: %w", err)
		}
		ev.Sequence = next

		id, err := dialect.InsertReturningID(ctx, tx, `
			INSERT INTO session_events (session_id, type, data, sequence, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, ev.SessionID, ev.Type, ev.Data, ev.Sequence, ev.CreatedAt)
		if err != nil {
			return err
		}
		ev.ID = id
		return nil
	})
}

// ListEvents returns a session's timeline after the cursor, oldest first,
// optionally narrowed to one event type.
func (s *Store) ListEvents(ctx context.Context, sessionID string, filter EventFilter) ([]*SessionEvent, error) {
	query := `
		SELECT id, session_id, type, data, sequence, created_at
		FROM session_events WHERE session_id = ? AND sequence > ?`
	args := []any{sessionID, filter.After}

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY sequence ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.r.QueryContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SessionEvent
	for rows.Next() {
		ev := &SessionEvent{}
		if err := rows.Scan(
			&ev.ID, &ev.SessionID, &ev.Type, &ev.Data, &ev.Sequence, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}
