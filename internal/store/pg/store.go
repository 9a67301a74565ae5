// Package pg persists accounts, identities, emails, roles and session tokens in PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fastybird/accounts-module/internal/accounts"
	"github.com/fastybird/accounts-module/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"

	// account writes run one at a time so invariant checks see a stable state
	accountsLockKey = 7_346_201
)

// Store wraps the connection pool.
type Store struct {
	db *sql.DB
}

var (
	_ accounts.Tx = (*tx)(nil)
	_ auth.Tx     = (*tx)(nil)
)

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Accounts returns the store as seen by accounts.Service.
func (s *Store) Accounts() accounts.Store { return accountsStore{s} }

// Sessions returns the store as seen by auth.Service.
func (s *Store) Sessions() auth.Store { return sessionsStore{s} }

type accountsStore struct{ s *Store }

func (a accountsStore) InTx(ctx context.Context, fn func(tx accounts.Tx) error) error {
	return a.s.inTx(ctx, true, func(t *tx) error { return fn(t) })
}

type sessionsStore struct{ s *Store }

func (a sessionsStore) InTx(ctx context.Context, fn func(tx auth.Tx) error) error {
	return a.s.inTx(ctx, false, func(t *tx) error { return fn(t) })
}

func (s *Store) inTx(ctx context.Context, serialize bool, fn func(*tx) error) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if serialize {
		if _, err := sqlTx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, accountsLockKey); err != nil {
			return err
		}
	}
	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// tx implements both accounts.Tx and auth.Tx on one database transaction.
type tx struct {
	tx *sql.Tx
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
