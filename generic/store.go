/*
store.go - Persistence interface for accounts, schedules, entries and wallets

PURPOSE:
  Defines the interface between the engine and the relational store.
  Reads go through Reader; every write happens inside WithTx on a Tx, so
  a multi-table change is either fully visible or not visible at all.

KEY INTERFACES:
  Reader: Point lookups, listings and aggregate queries
  Tx:     Reader plus row locks and writes, valid only inside WithTx
  Store:  Reader plus WithTx

LOCKING CONTRACT:
  Lock* methods take a row lock that is held until the transaction ends
  (SELECT ... FOR UPDATE on PostgreSQL, the database write lock on SQLite).
  Callers lock in a fixed order to avoid deadlocks:

      account -> entry -> scheduled event -> wallet

  Preconditions (status, balance) are always re-checked on the locked row.

ATOMIC DEBIT:
  DebitWallet is a single conditional update that only succeeds when the
  balance covers the amount. It reports false instead of going negative.

UNIQUENESS:
  Implementations enforce, and report as *DuplicateError:
  - participants (account_id, position) and (account_id, user_id)
  - wallets (user_id, currency)
  - one live contribution per (participant, cycle)
  - one payout entry per (account, cycle)
  - one live installment entry per scheduled event
  - wallet transaction idempotency keys (reported as ErrDuplicateIdempotencyKey)

IMPLEMENTATIONS:
  - store/sqlite: database/sql + go-sqlite3 (development and tests)
  - store/postgres: pgx (production)

SEE ALSO:
  - ledger.go, wallet.go, lifecycle.go: Use these interfaces
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS AND AGGREGATES
// =============================================================================

type AccountFilter struct {
	Kind    AccountKind
	OwnerID UserID
	Status  AccountStatus
}

type EntryFilter struct {
	AccountID AccountID
	UserID    UserID
	EventID   EventID
	Kind      EntryKind
	Status    EntryStatus
	Cycle     int // 0 = any
}

// Stats backs the administrative read endpoint.
type Stats struct {
	AccountsByStatus map[AccountStatus]int
	EntriesByStatus  map[EntryStatus]int
	PaidByCurrency   map[Currency]decimal.Decimal
}

// =============================================================================
// STORE
// =============================================================================

// Reader is implemented by both the store and its transactions.
// Get* methods return *NotFoundError when the row does not exist;
// Find* methods return (nil, nil).
type Reader interface {
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error)

	GetParticipant(ctx context.Context, id ParticipantID) (*Participant, error)
	FindParticipant(ctx context.Context, accountID AccountID, userID UserID) (*Participant, error)
	// ListParticipants returns members ordered by payout position.
	ListParticipants(ctx context.Context, accountID AccountID) ([]Participant, error)

	GetScheduledEvent(ctx context.Context, id EventID) (*ScheduledEvent, error)
	// ListScheduledEvents returns events ordered by kind then sequence.
	ListScheduledEvents(ctx context.Context, accountID AccountID) ([]ScheduledEvent, error)
	// ListDueEvents returns pending events due before asOf on active accounts.
	ListDueEvents(ctx context.Context, kind EventKind, asOf TimePoint) ([]ScheduledEvent, error)
	// SumPaidEvents sums paid_amount over the account's paid events.
	SumPaidEvents(ctx context.Context, accountID AccountID) (decimal.Decimal, error)
	CountPaidEvents(ctx context.Context, accountID AccountID) (int, error)

	GetEntry(ctx context.Context, id EntryID) (*Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
	// CountCycleContributions returns the number of distinct current members
	// holding a paid contribution for the cycle, and the member count.
	CountCycleContributions(ctx context.Context, accountID AccountID, cycle int) (paid int, participants int, err error)

	FindWallet(ctx context.Context, userID UserID, currency Currency) (*Wallet, error)
	ListWallets(ctx context.Context, userID UserID) ([]Wallet, error)
	ListWalletTransactions(ctx context.Context, walletID WalletID, limit int) ([]WalletTransaction, error)

	Stats(ctx context.Context) (Stats, error)
}

// Tx is a Reader bound to an open transaction, plus locks and writes.
type Tx interface {
	Reader

	InsertAccount(ctx context.Context, a Account) error
	LockAccount(ctx context.Context, id AccountID) (*Account, error)
	UpdateAccount(ctx context.Context, a Account) error

	InsertParticipant(ctx context.Context, p Participant) error
	// NextPosition returns max(position)+1 for the account.
	NextPosition(ctx context.Context, accountID AccountID) (int, error)
	UpdateParticipant(ctx context.Context, p Participant) error

	InsertScheduledEvents(ctx context.Context, events []ScheduledEvent) error
	DeleteScheduledEvents(ctx context.Context, accountID AccountID) (int, error)
	LockScheduledEvent(ctx context.Context, id EventID) (*ScheduledEvent, error)
	UpdateScheduledEvent(ctx context.Context, e ScheduledEvent) error

	InsertEntry(ctx context.Context, e Entry) error
	LockEntry(ctx context.Context, id EntryID) (*Entry, error)
	UpdateEntry(ctx context.Context, e Entry) error

	// EnsureWallet inserts w unless a wallet for (UserID, Currency) exists.
	EnsureWallet(ctx context.Context, w Wallet) error
	LockWallet(ctx context.Context, userID UserID, currency Currency) (*Wallet, error)
	// DebitWallet decrements the balance only if it covers amount.
	DebitWallet(ctx context.Context, id WalletID, amount decimal.Decimal) (bool, error)
	CreditWallet(ctx context.Context, id WalletID, amount decimal.Decimal) error
	AppendWalletTransaction(ctx context.Context, t WalletTransaction) error
}

// Store is the transactional entry point.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
