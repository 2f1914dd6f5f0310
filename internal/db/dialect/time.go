package dialect

import "fmt"

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// NowMinusSeconds returns the SQL expression for "current time minus N
// seconds", where secondsExpr is a parameter placeholder (e.g. "?") or an
// expression producing the number of seconds. Idle-sandbox, cold-record and
// stale-runner sweeps all cut on this.
//
//	SQLite:   datetime('now', '-' || ? || ' seconds')
//	Postgres: NOW() - (? || ' seconds')::interval
func NowMinusSeconds(driver, secondsExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' seconds')::interval", secondsExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' seconds')", secondsExpr)
}

// DurationMs returns the SQL expression for the difference between two
// timestamps in milliseconds.
//
//	SQLite:   (julianday(end) - julianday(start)) * 86400000
//	Postgres: EXTRACT(EPOCH FROM (end - start)) * 1000
func DurationMs(driver, end, start string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s)) * 1000", end, start)
	}
	return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 86400000", end, start)
}
