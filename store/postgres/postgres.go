/*
Package postgres provides the production implementation of generic.Store on
PostgreSQL, using pgx.

PURPOSE:
  Same contract as store/sqlite, with real row locks: every Lock* method is
  a SELECT ... FOR UPDATE held until the transaction ends, and DebitWallet
  is a single conditional UPDATE that never takes the balance below zero.

MIGRATIONS:
  Versioned SQL files under migrations/ are embedded in the binary and
  applied with golang-migrate on startup (Migrate). ErrNoChange is success.

LOCK TIMEOUT:
  Each transaction sets a local lock_timeout. A transaction that waits
  longer on a row lock fails with ErrConcurrentModification instead of
  hanging, and the caller may retry.

ERROR MAPPING:
  23505 unique_violation     -> *generic.DuplicateError (or ErrDuplicateIdempotencyKey)
  40001 serialization_failure,
  40P01 deadlock_detected,
  55P03 lock_not_available   -> generic.ErrConcurrentModification
  anything else              -> *generic.StorageError

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/sqlite: Development implementation
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // register postgres driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kotize/savings-engine/generic"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds PostgreSQL connection parameters.
type Config struct {
	DSN         string
	MaxConns    int32
	MinConns    int32
	LockTimeout time.Duration
}

// Store implements generic.Store on a pgx pool.
type Store struct {
	queries
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ generic.Store = (*Store)(nil)

// New connects to PostgreSQL and verifies the connection. It does not
// migrate; call Migrate first when the schema may be behind.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Store{queries: queries{q: pool}, pool: pool, lockTimeout: lockTimeout}, nil
}

// Migrate applies all pending embedded migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("postgres: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: run migrations up: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return mapError("set lock timeout", err)
	}

	if err := fn(&txStore{queries: queries{q: tx}}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

type txStore struct {
	queries
}

var _ generic.Tx = (*txStore)(nil)

// Querier abstracts pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type queries struct {
	q Querier
}

// =============================================================================
// HELPERS
// =============================================================================

// decoder parses the NUMERIC columns of one row, scanned as text, and keeps
// the first failure.
type decoder struct {
	err error
}

func (d *decoder) amount(column, value string, currency generic.Currency) generic.Amount {
	v, err := generic.DecodeDecimal(column, value)
	if err != nil && d.err == nil {
		d.err = err
	}
	return generic.Amount{Value: v, Currency: currency}
}

func dec(a generic.Amount) decimal.Decimal { return a.Value }

func date(tp generic.TimePoint) time.Time { return tp.Time }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var storageErr *generic.StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if strings.Contains(pgErr.ConstraintName, "idempotency_key") {
				return generic.ErrDuplicateIdempotencyKey
			}
			return &generic.DuplicateError{Constraint: pgErr.ConstraintName}
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s: %s", generic.ErrConcurrentModification, op, pgErr.Message)
		}
	}
	return &generic.StorageError{Op: op, Err: err}
}
