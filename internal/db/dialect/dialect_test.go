package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if BoolToInt(true) != 1 {
		t.Error("expected 1 for true")
	}
	if BoolToInt(false) != 0 {
		t.Error("expected 0 for false")
	}
}

func TestLike(t *testing.T) {
	if got := Like(SQLite3); got != "LIKE" {
		t.Errorf("sqlite: got %q", got)
	}
	if got := Like(PGX); got != "ILIKE" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestNow(t *testing.T) {
	if got := Now(SQLite3); got != "datetime('now')" {
		t.Errorf("sqlite: got %q", got)
	}
	if got := Now(PGX); got != "NOW()" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestNowMinusSeconds(t *testing.T) {
	got := NowMinusSeconds(SQLite3, "?")
	if got != "datetime('now', '-' || ? || ' seconds')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = NowMinusSeconds(PGX, "?")
	if got != "NOW() - (? || ' seconds')::interval" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestDurationMs(t *testing.T) {
	got := DurationMs(SQLite3, "ended_at", "created_at")
	if got != "(julianday(ended_at) - julianday(created_at)) * 86400000" {
		t.Errorf("sqlite: got %q", got)
	}
	got = DurationMs(PGX, "ended_at", "created_at")
	if got != "EXTRACT(EPOCH FROM (ended_at - created_at)) * 1000" {
		t.Errorf("pgx: got %q", got)
	}
}
