/*
wallet.go - Wallet balance engine

PURPOSE:
  Applies debits and credits to the per-user, per-currency wallet. Every
  mutation runs inside a store transaction and writes an append-only
  WalletTransaction row next to the balance change.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: A debit is a single conditional update that fails when
     balance < amount. Two concurrent debits can never both pass a stale read.
  2. AUDITABLE: Each balance change has exactly one WalletTransaction row.
  3. IDEMPOTENT: A repeated idempotency key rejects the whole transaction
     with ErrDuplicateIdempotencyKey, so a retried top-up never doubles.

LAZY CREATION:
  Wallets are created on first access. GetOrCreate inserts a zero-balance
  row only if none exists for (user, currency), then reads it back, so two
  concurrent calls return the same wallet ID.

TX-SCOPED OPERATIONS:
  DebitTx and CreditTx run inside a caller's transaction. The ledger uses
  them so a wallet payment and the event it settles commit together.

SEE ALSO:
  - ledger.go: Wallet-method payments and payout credits
  - store.go: DebitWallet contract
*/
package generic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kotize/savings-engine/metrics"
)

// Wallets is the wallet balance engine.
type Wallets struct {
	store  Store
	logger *slog.Logger
}

func NewWallets(store Store, logger *slog.Logger) *Wallets {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wallets{store: store, logger: logger}
}

// WalletOp describes one debit or credit.
type WalletOp struct {
	UserID         UserID
	Amount         Amount
	ReferenceID    string
	Reason         string
	IdempotencyKey string
}

func (op WalletOp) validate() error {
	if op.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if op.Amount.Currency == "" {
		return &ValidationError{Field: "currency", Reason: "required"}
	}
	if !op.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return checkScale("amount", op.Amount)
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// GetOrCreate returns the wallet for (user, currency), creating it at zero.
func (w *Wallets) GetOrCreate(ctx context.Context, userID UserID, currency Currency) (*Wallet, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "required"}
	}
	if currency == "" {
		return nil, &ValidationError{Field: "currency", Reason: "required"}
	}

	existing, err := w.store.FindWallet(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var wallet *Wallet
	err = w.store.WithTx(ctx, func(tx Tx) error {
		var err error
		wallet, err = ensureWalletTx(ctx, tx, userID, currency)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// Debit removes op.Amount or fails with *InsufficientFundsError.
func (w *Wallets) Debit(ctx context.Context, op WalletOp) (*WalletTransaction, error) {
	var rec *WalletTransaction
	err := w.store.WithTx(ctx, func(tx Tx) error {
		var err error
		rec, err = w.DebitTx(ctx, tx, op)
		return err
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info("wallet debited", "user_id", op.UserID, "amount", op.Amount.String(),
		"balance", rec.BalanceAfter.String(), "reference", op.ReferenceID)
	return rec, nil
}

// Credit adds op.Amount. It fails only on validation or storage errors.
func (w *Wallets) Credit(ctx context.Context, op WalletOp) (*WalletTransaction, error) {
	var rec *WalletTransaction
	err := w.store.WithTx(ctx, func(tx Tx) error {
		var err error
		rec, err = w.CreditTx(ctx, tx, op)
		return err
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info("wallet credited", "user_id", op.UserID, "amount", op.Amount.String(),
		"balance", rec.BalanceAfter.String(), "reference", op.ReferenceID)
	return rec, nil
}

// Balance returns the current balance, zero when no wallet exists yet.
func (w *Wallets) Balance(ctx context.Context, userID UserID, currency Currency) (Amount, error) {
	wallet, err := w.store.FindWallet(ctx, userID, currency)
	if err != nil {
		return Amount{}, err
	}
	if wallet == nil {
		return Amount{Currency: currency}.Zero(), nil
	}
	return wallet.Balance, nil
}

// List returns all wallets of a user.
func (w *Wallets) List(ctx context.Context, userID UserID) ([]Wallet, error) {
	return w.store.ListWallets(ctx, userID)
}

// History returns the newest wallet transactions first.
func (w *Wallets) History(ctx context.Context, userID UserID, currency Currency, limit int) ([]WalletTransaction, error) {
	wallet, err := w.store.FindWallet(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return []WalletTransaction{}, nil
	}
	return w.store.ListWalletTransactions(ctx, wallet.ID, limit)
}

// =============================================================================
// TX-SCOPED OPERATIONS
// =============================================================================

// DebitTx debits inside an existing transaction.
func (w *Wallets) DebitTx(ctx context.Context, tx Tx, op WalletOp) (rec *WalletTransaction, err error) {
	defer func() {
		metrics.WalletOperations.WithLabelValues(string(WalletDebit), metrics.Outcome(err, IsClientError)).Inc()
	}()

	if err := op.validate(); err != nil {
		return nil, err
	}
	if _, err := ensureWalletTx(ctx, tx, op.UserID, op.Amount.Currency); err != nil {
		return nil, err
	}
	wallet, err := tx.LockWallet(ctx, op.UserID, op.Amount.Currency)
	if err != nil {
		return nil, err
	}

	ok, err := tx.DebitWallet(ctx, wallet.ID, op.Amount.Value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &InsufficientFundsError{
			WalletID:  wallet.ID,
			UserID:    op.UserID,
			Available: wallet.Balance,
			Requested: op.Amount,
		}
	}

	return appendWalletTx(ctx, tx, wallet, WalletDebit, op.Amount.Neg(), op)
}

// CreditTx credits inside an existing transaction.
func (w *Wallets) CreditTx(ctx context.Context, tx Tx, op WalletOp) (rec *WalletTransaction, err error) {
	defer func() {
		metrics.WalletOperations.WithLabelValues(string(WalletCredit), metrics.Outcome(err, IsClientError)).Inc()
	}()

	if err := op.validate(); err != nil {
		return nil, err
	}
	if _, err := ensureWalletTx(ctx, tx, op.UserID, op.Amount.Currency); err != nil {
		return nil, err
	}
	wallet, err := tx.LockWallet(ctx, op.UserID, op.Amount.Currency)
	if err != nil {
		return nil, err
	}
	if err := tx.CreditWallet(ctx, wallet.ID, op.Amount.Value); err != nil {
		return nil, err
	}

	return appendWalletTx(ctx, tx, wallet, WalletCredit, op.Amount, op)
}

func ensureWalletTx(ctx context.Context, tx Tx, userID UserID, currency Currency) (*Wallet, error) {
	now := time.Now().UTC()
	err := tx.EnsureWallet(ctx, Wallet{
		ID:        WalletID(NewID()),
		UserID:    userID,
		Currency:  currency,
		Balance:   Amount{Currency: currency}.Zero(),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	wallet, err := tx.FindWallet(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, &StorageError{Op: "ensure wallet", Err: fmt.Errorf("wallet %s/%s missing after insert", userID, currency)}
	}
	return wallet, nil
}

// appendWalletTx records the change; wallet holds the balance read under lock.
func appendWalletTx(ctx context.Context, tx Tx, wallet *Wallet, typ WalletTxType, delta Amount, op WalletOp) (*WalletTransaction, error) {
	rec := WalletTransaction{
		ID:             TransactionID(NewID()),
		WalletID:       wallet.ID,
		UserID:         wallet.UserID,
		Type:           typ,
		Delta:          delta,
		BalanceAfter:   wallet.Balance.Add(delta),
		ReferenceID:    op.ReferenceID,
		Reason:         op.Reason,
		IdempotencyKey: op.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.AppendWalletTransaction(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
