/*
Package sqlite provides a SQLite-backed implementation of generic.Store.

PURPOSE:
  Development and test store for the savings engine. The production store
  (store/postgres) runs the same contract on PostgreSQL; only the locking
  mechanics and SQL dialect differ.

KEY TABLES:
  accounts:            SOL groups and Ti Kanè accounts with derived totals
  participants:        SOL members, unique (account_id, position) and (account_id, user_id)
  scheduled_events:    Due installments and payouts, unique (account_id, kind, sequence)
  entries:             Contribution / installment / payout ledger rows
  wallets:             One row per (user_id, currency)
  wallet_transactions: Append-only wallet audit trail, unique idempotency_key

PARTIAL UNIQUE INDEXES:
  - uq_entries_contribution_cycle: one live contribution per participant and cycle
  - uq_entries_payout_cycle:       one payout per group and cycle
  - uq_entries_installment_event:  one live payment per installment event

MONEY:
  Amounts are stored as TEXT decimals and summed in Go, so no value ever
  passes through a float.

CONCURRENCY:
  The database is opened with a single connection and _txlock=immediate, so
  every transaction takes the database write lock at BEGIN. Inside WithTx
  the Lock* methods are therefore plain reads: no other writer can run until
  commit. Reads inside a transaction go through the transaction itself;
  reading through the Store from inside fn would wait on the one connection.

  Wallet debits are still written as a conditional update (compare-and-set
  on the previous balance) so the statement alone cannot overdraw.

WAL MODE:
  Opened with WAL for file databases; ignored for ":memory:".

USAGE:
  store, err := sqlite.New("./data/savings.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). PostgreSQL uses versioned migrations
  (store/postgres/migrations).

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/postgres: Production implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/kotize/savings-engine/generic"
)

// Store implements generic.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

var _ generic.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		frequency TEXT NOT NULL,
		advance_policy TEXT NOT NULL,
		base_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		mode TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		total_expected TEXT NOT NULL,
		paid_total TEXT NOT NULL,
		status TEXT NOT NULL,
		member_limit INTEGER NOT NULL DEFAULT 0,
		duration TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner_id);
	CREATE INDEX IF NOT EXISTS idx_accounts_kind_status ON accounts(kind, status);

	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		user_id TEXT NOT NULL,
		position INTEGER NOT NULL CHECK (position >= 1),
		status TEXT NOT NULL,
		total_contributed TEXT NOT NULL,
		total_received TEXT NOT NULL,
		joined_at TEXT NOT NULL
	);

	-- Payout positions are gap-free and unique per group; concurrent joins
	-- that compute the same next position collide here and retry.
	CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_position
		ON participants(account_id, position);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_user
		ON participants(account_id, user_id);

	CREATE TABLE IF NOT EXISTS scheduled_events (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		participant_id TEXT REFERENCES participants(id),
		kind TEXT NOT NULL,
		sequence INTEGER NOT NULL CHECK (sequence >= 1),
		due_date TEXT NOT NULL,
		expected TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		paid_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_scheduled_events_sequence
		ON scheduled_events(account_id, kind, sequence);
	CREATE INDEX IF NOT EXISTS idx_scheduled_events_due
		ON scheduled_events(status, kind, due_date);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		participant_id TEXT REFERENCES participants(id),
		user_id TEXT NOT NULL,
		event_id TEXT,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		status TEXT NOT NULL,
		method TEXT NOT NULL,
		reference TEXT,
		reason TEXT,
		processed_by TEXT,
		processed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account_cycle
		ON entries(account_id, kind, cycle, status);
	CREATE INDEX IF NOT EXISTS idx_entries_user ON entries(user_id);
	CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_entries_contribution_cycle
		ON entries(participant_id, cycle)
		WHERE kind = 'contribution' AND status <> 'rejected';
	CREATE UNIQUE INDEX IF NOT EXISTS uq_entries_payout_cycle
		ON entries(account_id, cycle)
		WHERE kind = 'payout';
	CREATE UNIQUE INDEX IF NOT EXISTS uq_entries_installment_event
		ON entries(event_id)
		WHERE kind = 'installment' AND status IN ('pending', 'paid');

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, currency)
	);

	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		delta TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		currency TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet
		ON wallet_transactions(wallet_id, created_at DESC);
`

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// txStore is the generic.Tx handed to WithTx callbacks.
type txStore struct {
	queries
}

var _ generic.Tx = (*txStore)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the read methods shared by Store and txStore.
type queries struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// HELPERS
// =============================================================================

const (
	dateLayout = "2006-01-02"
	tsLayout   = time.RFC3339Nano
)

func formatDate(tp generic.TimePoint) string { return tp.String() }

func parseDate(s string) generic.TimePoint {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return generic.TimePoint{}
	}
	return generic.FromTime(t)
}

func formatTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// decoder parses the decimal columns of one row and keeps the first failure.
type decoder struct {
	err error
}

func (d *decoder) amount(column, value, currency string) generic.Amount {
	v, err := generic.DecodeDecimal(column, value)
	if err != nil && d.err == nil {
		d.err = err
	}
	return generic.Amount{Value: v, Currency: generic.Currency(currency)}
}

// mapError translates driver errors into the generic taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var storageErr *generic.StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			constraint := strings.TrimPrefix(sqliteErr.Error(), "UNIQUE constraint failed: ")
			if strings.Contains(constraint, "idempotency_key") {
				return generic.ErrDuplicateIdempotencyKey
			}
			return &generic.DuplicateError{Constraint: constraint}
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %s: %v", generic.ErrConcurrentModification, op, err)
		}
	}
	return &generic.StorageError{Op: op, Err: err}
}

func rowsAffected(op string, res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapError(op, err)
	}
	return n, nil
}
