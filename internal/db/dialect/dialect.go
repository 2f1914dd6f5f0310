// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage. SQLite has no
// boolean type, so flags are stored as 0/1 INTEGER columns on both engines.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Like returns the case-insensitive pattern-match operator.
//
//	SQLite:   LIKE (case-insensitive for ASCII by default)
//	Postgres: ILIKE
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}
