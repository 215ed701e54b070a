package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kotize/savings-engine/generic"
)

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `id, user_id, currency, balance, created_at, updated_at`

func scanWallet(row scanner) (*generic.Wallet, error) {
	var (
		w                 generic.Wallet
		currency, balance string
		created, updated  string
	)
	if err := row.Scan(&w.ID, &w.UserID, &currency, &balance, &created, &updated); err != nil {
		return nil, err
	}
	w.Currency = generic.Currency(currency)
	var d decoder
	w.Balance = d.amount("wallets.balance", balance, currency)
	if d.err != nil {
		return nil, d.err
	}
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	return &w, nil
}

func (s *queries) FindWallet(ctx context.Context, userID generic.UserID, currency generic.Currency) (*generic.Wallet, error) {
	w, err := scanWallet(s.q.QueryRowContext(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = ? AND currency = ?", userID, currency))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find wallet", err)
	}
	return w, nil
}

func (s *queries) ListWallets(ctx context.Context, userID generic.UserID) ([]generic.Wallet, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = ? ORDER BY currency ASC", userID)
	if err != nil {
		return nil, mapError("list wallets", err)
	}
	defer rows.Close()

	wallets := []generic.Wallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, mapError("scan wallet", err)
		}
		wallets = append(wallets, *w)
	}
	return wallets, mapError("list wallets", rows.Err())
}

func (s *queries) ListWalletTransactions(ctx context.Context, walletID generic.WalletID, limit int) ([]generic.WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, wallet_id, user_id, tx_type, delta, balance_after, currency,
		       reference_id, reason, idempotency_key, created_at
		FROM wallet_transactions
		WHERE wallet_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, walletID, limit)
	if err != nil {
		return nil, mapError("list wallet transactions", err)
	}
	defer rows.Close()

	txs := []generic.WalletTransaction{}
	for rows.Next() {
		var (
			t                                 generic.WalletTransaction
			delta, after, currency, created   string
			reference, reason, idempotencyKey sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.WalletID, &t.UserID, &t.Type, &delta, &after, &currency,
			&reference, &reason, &idempotencyKey, &created); err != nil {
			return nil, mapError("scan wallet transaction", err)
		}
		var d decoder
		t.Delta = d.amount("wallet_transactions.delta", delta, currency)
		t.BalanceAfter = d.amount("wallet_transactions.balance_after", after, currency)
		if d.err != nil {
			return nil, d.err
		}
		t.ReferenceID = reference.String
		t.Reason = reason.String
		t.IdempotencyKey = idempotencyKey.String
		t.CreatedAt = parseTime(created)
		txs = append(txs, t)
	}
	return txs, mapError("list wallet transactions", rows.Err())
}

func (t *txStore) EnsureWallet(ctx context.Context, w generic.Wallet) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, currency) DO NOTHING`,
		w.ID, w.UserID, w.Currency, w.Balance.Value.String(), formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	return mapError("ensure wallet", err)
}

func (t *txStore) LockWallet(ctx context.Context, userID generic.UserID, currency generic.Currency) (*generic.Wallet, error) {
	w, err := t.FindWallet(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, &generic.NotFoundError{Kind: "wallet", ID: string(userID) + "/" + string(currency)}
	}
	return w, nil
}

// DebitWallet reads the balance and writes the new one only if the row
// still holds what was read. SQLite has no decimal type, so the
// comparison happens in Go and the update is a compare-and-set.
func (t *txStore) DebitWallet(ctx context.Context, id generic.WalletID, amount decimal.Decimal) (bool, error) {
	var current string
	err := t.q.QueryRowContext(ctx, "SELECT balance FROM wallets WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &generic.NotFoundError{Kind: "wallet", ID: string(id)}
	}
	if err != nil {
		return false, mapError("debit wallet", err)
	}

	balance, err := generic.DecodeDecimal("wallets.balance", current)
	if err != nil {
		return false, err
	}
	if balance.LessThan(amount) {
		return false, nil
	}

	res, err := t.q.ExecContext(ctx,
		"UPDATE wallets SET balance = ?, updated_at = ? WHERE id = ? AND balance = ?",
		balance.Sub(amount).String(), formatTime(time.Now()), id, current,
	)
	if err != nil {
		return false, mapError("debit wallet", err)
	}
	n, err := rowsAffected("debit wallet", res)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, generic.ErrConcurrentModification
	}
	return true, nil
}

func (t *txStore) CreditWallet(ctx context.Context, id generic.WalletID, amount decimal.Decimal) error {
	var current string
	err := t.q.QueryRowContext(ctx, "SELECT balance FROM wallets WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &generic.NotFoundError{Kind: "wallet", ID: string(id)}
	}
	if err != nil {
		return mapError("credit wallet", err)
	}

	balance, err := generic.DecodeDecimal("wallets.balance", current)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx,
		"UPDATE wallets SET balance = ?, updated_at = ? WHERE id = ? AND balance = ?",
		balance.Add(amount).String(), formatTime(time.Now()), id, current,
	)
	if err != nil {
		return mapError("credit wallet", err)
	}
	n, err := rowsAffected("credit wallet", res)
	if err != nil {
		return err
	}
	if n == 0 {
		return generic.ErrConcurrentModification
	}
	return nil
}

func (t *txStore) AppendWalletTransaction(ctx context.Context, w generic.WalletTransaction) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, user_id, tx_type, delta, balance_after, currency,
			reference_id, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.WalletID, w.UserID, w.Type, w.Delta.Value.String(), w.BalanceAfter.Value.String(), w.Delta.Currency,
		nullString(w.ReferenceID), nullString(w.Reason), nullString(w.IdempotencyKey), formatTime(w.CreatedAt),
	)
	return mapError("append wallet transaction", err)
}
