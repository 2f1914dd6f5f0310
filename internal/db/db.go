// Package db opens the database connection pools behind the state store.
//
// SQLite (the default, zero-setup engine) gets a single-connection writer
// plus a read-only reader pool: WAL mode allows many readers alongside one
// writer, and capping the write pool at one connection serializes writes in
// Go instead of surfacing SQLITE_BUSY. PostgreSQL uses one shared pool for
// both roles since pgx handles pooling internally.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ashrun/ash/internal/common/config"
)

// Pool provides separate read and write database connections.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open connects to the engine selected by cfg.DBDriver.
func Open(cfg *config.Config) (*Pool, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		return openSQLite(cfg.SQLitePath())
	case config.DriverPostgres:
		return openPostgres(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.DBDriver)
	}
}

// Writer returns the pool used for INSERT, UPDATE, DELETE, and transactions.
// For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries. For SQLite this holds
// multiple read-only connections that operate concurrently with the writer
// via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports the underlying sql driver, "sqlite3" or "pgx".
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// The reader may be the same *sqlx.DB as the writer (PostgreSQL).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
