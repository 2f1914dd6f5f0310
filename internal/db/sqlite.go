package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns is the size of the read-only pool. WAL mode allows
	// many readers alongside the single writer; four is plenty for the
	// daemon's query load.
	sqliteReaderConns = 4
)

func openSQLite(dbPath string) (*Pool, error) {
	path := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(path); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	// The read-only pool refuses to open a missing file, so create it
	// before either pool connects.
	if err := ensureSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks instead of failing with SQLITE_BUSY.
	// - journal_mode=WAL: concurrent reads alongside the single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff under WAL.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// journal_mode and synchronous are database-level, set by the writer.
	roDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open("sqlite3", roDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return &Pool{writer: writer, reader: reader}, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
