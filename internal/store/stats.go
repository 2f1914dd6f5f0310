package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ashrun/ash/internal/db/dialect"
)

// Stats aggregates the store-side numbers for the metrics endpoint. Pool
// counters (warm/cold resume hits, evictions) live in memory and are merged
// by the caller.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		SessionsByStatus: make(map[string]int),
		SandboxesByState: make(map[string]int),
	}

	rows, err := s.r.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.SessionsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = s.r.QueryContext(ctx, `SELECT state, COUNT(*) FROM sandboxes GROUP BY state`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.SandboxesByState[state] = count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := s.r.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&stats.TotalMessages); err != nil {
		return nil, err
	}

	// Session duration approximated as creation to last activity; only
	// finished sessions count.
	var avgMs sql.NullFloat64
	query := fmt.Sprintf(`
		SELECT AVG(%s) FROM sessions WHERE status IN (?, ?)
	`, dialect.DurationMs(s.driver, "last_active_at", "created_at"))
	err = s.r.QueryRowContext(ctx, s.r.Rebind(query),
		string(SessionEnded), string(SessionStopped)).Scan(&avgMs)
	if err != nil {
		return nil, err
	}
	if avgMs.Valid {
		stats.AvgEndedSessionMs = int64(avgMs.Float64)
	}

	return stats, nil
}
