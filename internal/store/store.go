package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/errs"
)

// Store provides durable state on top of a db.Pool. All queries are
// authored with `?` placeholders and rebound per driver.
type Store struct {
	w      *sqlx.DB
	r      *sqlx.DB
	driver string
}

// New bootstraps the schema and returns a ready store. The caller keeps
// ownership of the pool and closes it on shutdown.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{
		w:      pool.Writer(),
		r:      pool.Reader(),
		driver: pool.DriverName(),
	}
	if err := s.initSchema(); err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "initialize schema", err)
	}
	return s, nil
}

// inTx runs fn inside a write transaction, committing on nil and rolling
// back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.w.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Newf(errs.KindNotFound, "%s not found: %s", what, id)
	}
	return err
}
