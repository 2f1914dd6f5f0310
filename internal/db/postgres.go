package db

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const (
	postgresMaxConns  = 25
	postgresIdleConns = 5
)

func openPostgres(dsn string) (*Pool, error) {
	conn, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	conn.SetMaxOpenConns(postgresMaxConns)
	conn.SetMaxIdleConns(postgresIdleConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}

	// pgx pools internally, so one *sqlx.DB serves both roles.
	return &Pool{writer: conn, reader: conn}, nil
}
