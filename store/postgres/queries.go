package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/kotize/savings-engine/generic"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountSelect = `SELECT id, kind, owner_id, name, frequency, advance_policy, base_amount::text, currency, mode,
	start_date, end_date, total_expected::text, paid_total::text, status, member_limit, duration, created_at, updated_at
	FROM accounts`

func scanAccount(row pgx.Row) (*generic.Account, error) {
	var (
		a                  generic.Account
		base, total, paid  string
		currency           generic.Currency
		startDate, endDate time.Time
	)
	err := row.Scan(&a.ID, &a.Kind, &a.OwnerID, &a.Name, &a.Frequency, &a.Policy, &base, &currency, &a.Mode,
		&startDate, &endDate, &total, &paid, &a.Status, &a.MemberLimit, &a.Duration, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	var d decoder
	a.BaseAmount = d.amount("accounts.base_amount", base, currency)
	a.TotalExpected = d.amount("accounts.total_expected", total, currency)
	a.PaidTotal = d.amount("accounts.paid_total", paid, currency)
	if d.err != nil {
		return nil, d.err
	}
	a.StartDate = generic.FromTime(startDate)
	a.EndDate = generic.FromTime(endDate)
	return &a, nil
}

func (s *queries) getAccount(ctx context.Context, id generic.AccountID, suffix string) (*generic.Account, error) {
	acc, err := scanAccount(s.q.QueryRow(ctx, accountSelect+" WHERE id = $1"+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "account", ID: string(id)}
	}
	if err != nil {
		return nil, mapError("get account", err)
	}
	return acc, nil
}

func (s *queries) GetAccount(ctx context.Context, id generic.AccountID) (*generic.Account, error) {
	return s.getAccount(ctx, id, "")
}

func (s *queries) ListAccounts(ctx context.Context, filter generic.AccountFilter) ([]generic.Account, error) {
	var w where
	if filter.Kind != "" {
		w.add("kind", filter.Kind)
	}
	if filter.OwnerID != "" {
		w.add("owner_id", filter.OwnerID)
	}
	if filter.Status != "" {
		w.add("status", filter.Status)
	}

	rows, err := s.q.Query(ctx, accountSelect+w.String()+" ORDER BY created_at, id", w.args...)
	if err != nil {
		return nil, mapError("list accounts", err)
	}
	defer rows.Close()

	accounts := []generic.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, mapError("scan account", err)
		}
		accounts = append(accounts, *acc)
	}
	return accounts, mapError("list accounts", rows.Err())
}

func (t *txStore) InsertAccount(ctx context.Context, a generic.Account) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO accounts (id, kind, owner_id, name, frequency, advance_policy, base_amount, currency, mode,
			start_date, end_date, total_expected, paid_total, status, member_limit, duration, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		a.ID, a.Kind, a.OwnerID, a.Name, a.Frequency, a.Policy, dec(a.BaseAmount), a.Currency(), a.Mode,
		date(a.StartDate), date(a.EndDate), dec(a.TotalExpected), dec(a.PaidTotal),
		a.Status, a.MemberLimit, a.Duration, a.CreatedAt, a.UpdatedAt,
	)
	return mapError("insert account", err)
}

func (t *txStore) LockAccount(ctx context.Context, id generic.AccountID) (*generic.Account, error) {
	return t.getAccount(ctx, id, " FOR UPDATE")
}

func (t *txStore) UpdateAccount(ctx context.Context, a generic.Account) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE accounts
		SET name = $1, mode = $2, end_date = $3, total_expected = $4, paid_total = $5,
		    status = $6, member_limit = $7, updated_at = $8
		WHERE id = $9`,
		a.Name, a.Mode, date(a.EndDate), dec(a.TotalExpected), dec(a.PaidTotal),
		a.Status, a.MemberLimit, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return mapError("update account", err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Kind: "account", ID: string(a.ID)}
	}
	return nil
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

const participantSelect = `SELECT p.id, p.account_id, p.user_id, p.position, p.status,
	p.total_contributed::text, p.total_received::text, p.joined_at, a.currency
	FROM participants p JOIN accounts a ON a.id = p.account_id`

func scanParticipant(row pgx.Row) (*generic.Participant, error) {
	var (
		p                     generic.Participant
		contributed, received string
		currency              generic.Currency
	)
	err := row.Scan(&p.ID, &p.AccountID, &p.UserID, &p.Position, &p.Status,
		&contributed, &received, &p.JoinedAt, &currency)
	if err != nil {
		return nil, err
	}
	var d decoder
	p.TotalContributed = d.amount("participants.total_contributed", contributed, currency)
	p.TotalReceived = d.amount("participants.total_received", received, currency)
	if d.err != nil {
		return nil, d.err
	}
	return &p, nil
}

func (s *queries) GetParticipant(ctx context.Context, id generic.ParticipantID) (*generic.Participant, error) {
	p, err := scanParticipant(s.q.QueryRow(ctx, participantSelect+" WHERE p.id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "participant", ID: string(id)}
	}
	if err != nil {
		return nil, mapError("get participant", err)
	}
	return p, nil
}

func (s *queries) FindParticipant(ctx context.Context, accountID generic.AccountID, userID generic.UserID) (*generic.Participant, error) {
	p, err := scanParticipant(s.q.QueryRow(ctx,
		participantSelect+" WHERE p.account_id = $1 AND p.user_id = $2", accountID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find participant", err)
	}
	return p, nil
}

func (s *queries) ListParticipants(ctx context.Context, accountID generic.AccountID) ([]generic.Participant, error) {
	rows, err := s.q.Query(ctx, participantSelect+" WHERE p.account_id = $1 ORDER BY p.position", accountID)
	if err != nil {
		return nil, mapError("list participants", err)
	}
	defer rows.Close()

	participants := []generic.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, mapError("scan participant", err)
		}
		participants = append(participants, *p)
	}
	return participants, mapError("list participants", rows.Err())
}

func (t *txStore) InsertParticipant(ctx context.Context, p generic.Participant) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO participants (id, account_id, user_id, position, status, total_contributed, total_received, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.AccountID, p.UserID, p.Position, p.Status,
		dec(p.TotalContributed), dec(p.TotalReceived), p.JoinedAt,
	)
	return mapError("insert participant", err)
}

func (t *txStore) NextPosition(ctx context.Context, accountID generic.AccountID) (int, error) {
	var next int
	err := t.q.QueryRow(ctx,
		"SELECT COALESCE(MAX(position), 0) + 1 FROM participants WHERE account_id = $1", accountID,
	).Scan(&next)
	if err != nil {
		return 0, mapError("next position", err)
	}
	return next, nil
}

func (t *txStore) UpdateParticipant(ctx context.Context, p generic.Participant) error {
	_, err := t.q.Exec(ctx,
		"UPDATE participants SET status = $1, total_contributed = $2, total_received = $3 WHERE id = $4",
		p.Status, dec(p.TotalContributed), dec(p.TotalReceived), p.ID,
	)
	return mapError("update participant", err)
}

// =============================================================================
// SCHEDULED EVENTS
// =============================================================================

const eventSelect = `SELECT e.id, e.account_id, e.participant_id, e.kind, e.sequence, e.due_date,
	e.expected::text, e.currency, e.status, e.paid_amount::text, e.paid_at
	FROM scheduled_events e`

func scanEvent(row pgx.Row) (*generic.ScheduledEvent, error) {
	var (
		e              generic.ScheduledEvent
		participant    *string
		due            time.Time
		expected, paid string
		currency       generic.Currency
	)
	err := row.Scan(&e.ID, &e.AccountID, &participant, &e.Kind, &e.Sequence, &due,
		&expected, &currency, &e.Status, &paid, &e.PaidAt)
	if err != nil {
		return nil, err
	}
	e.ParticipantID = generic.ParticipantID(deref(participant))
	e.DueDate = generic.FromTime(due)
	var d decoder
	e.Expected = d.amount("scheduled_events.expected", expected, currency)
	e.PaidAmount = d.amount("scheduled_events.paid_amount", paid, currency)
	if d.err != nil {
		return nil, d.err
	}
	return &e, nil
}

func (s *queries) listEvents(ctx context.Context, op, query string, args ...any) ([]generic.ScheduledEvent, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	events := []generic.ScheduledEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		events = append(events, *e)
	}
	return events, mapError(op, rows.Err())
}

func (s *queries) getEvent(ctx context.Context, id generic.EventID, suffix string) (*generic.ScheduledEvent, error) {
	e, err := scanEvent(s.q.QueryRow(ctx, eventSelect+" WHERE e.id = $1"+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "scheduled event", ID: string(id)}
	}
	if err != nil {
		return nil, mapError("get scheduled event", err)
	}
	return e, nil
}

func (s *queries) GetScheduledEvent(ctx context.Context, id generic.EventID) (*generic.ScheduledEvent, error) {
	return s.getEvent(ctx, id, "")
}

func (s *queries) ListScheduledEvents(ctx context.Context, accountID generic.AccountID) ([]generic.ScheduledEvent, error) {
	return s.listEvents(ctx, "list scheduled events",
		eventSelect+" WHERE e.account_id = $1 ORDER BY e.kind, e.sequence", accountID)
}

func (s *queries) ListDueEvents(ctx context.Context, kind generic.EventKind, asOf generic.TimePoint) ([]generic.ScheduledEvent, error) {
	return s.listEvents(ctx, "list due events", eventSelect+`
		JOIN accounts a ON a.id = e.account_id
		WHERE e.kind = $1 AND e.status = $2 AND e.due_date < $3 AND a.status = $4
		ORDER BY e.due_date, e.account_id, e.sequence`,
		kind, generic.EventPending, date(asOf), generic.AccountActive)
}

func (s *queries) SumPaidEvents(ctx context.Context, accountID generic.AccountID) (decimal.Decimal, error) {
	var sum string
	err := s.q.QueryRow(ctx,
		"SELECT COALESCE(SUM(paid_amount), 0)::text FROM scheduled_events WHERE account_id = $1 AND status = $2",
		accountID, generic.EventPaid,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, mapError("sum paid events", err)
	}
	return generic.DecodeDecimal("scheduled_events.paid_amount", sum)
}

func (s *queries) CountPaidEvents(ctx context.Context, accountID generic.AccountID) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		"SELECT COUNT(*) FROM scheduled_events WHERE account_id = $1 AND status = $2", accountID, generic.EventPaid,
	).Scan(&n)
	if err != nil {
		return 0, mapError("count paid events", err)
	}
	return n, nil
}

func (t *txStore) InsertScheduledEvents(ctx context.Context, events []generic.ScheduledEvent) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO scheduled_events (id, account_id, participant_id, kind, sequence, due_date, expected,
				currency, status, paid_amount, paid_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.AccountID, optional(string(e.ParticipantID)), e.Kind, e.Sequence, date(e.DueDate),
			dec(e.Expected), e.Expected.Currency, e.Status, dec(e.PaidAmount), e.PaidAt,
		)
	}
	tx, ok := t.q.(pgx.Tx)
	if !ok {
		return &generic.StorageError{Op: "insert scheduled events", Err: errors.New("not in a transaction")}
	}
	results := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return mapError("insert scheduled event", err)
		}
	}
	return mapError("insert scheduled events", results.Close())
}

func (t *txStore) DeleteScheduledEvents(ctx context.Context, accountID generic.AccountID) (int, error) {
	tag, err := t.q.Exec(ctx, "DELETE FROM scheduled_events WHERE account_id = $1", accountID)
	if err != nil {
		return 0, mapError("delete scheduled events", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *txStore) LockScheduledEvent(ctx context.Context, id generic.EventID) (*generic.ScheduledEvent, error) {
	return t.getEvent(ctx, id, " FOR UPDATE")
}

func (t *txStore) UpdateScheduledEvent(ctx context.Context, e generic.ScheduledEvent) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE scheduled_events SET status = $1, paid_amount = $2, paid_at = $3 WHERE id = $4",
		e.Status, dec(e.PaidAmount), e.PaidAt, e.ID,
	)
	if err != nil {
		return mapError("update scheduled event", err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Kind: "scheduled event", ID: string(e.ID)}
	}
	return nil
}

// =============================================================================
// ENTRIES
// =============================================================================

const entrySelect = `SELECT id, account_id, participant_id, user_id, event_id, kind, amount::text, currency, cycle,
	status, method, reference, reason, processed_by, processed_at, created_at
	FROM entries`

func scanEntry(row pgx.Row) (*generic.Entry, error) {
	var (
		e                                         generic.Entry
		participant, event, reference, reason, by *string
		value                                     string
		currency                                  generic.Currency
	)
	err := row.Scan(&e.ID, &e.AccountID, &participant, &e.UserID, &event, &e.Kind, &value, &currency, &e.Cycle,
		&e.Status, &e.Method, &reference, &reason, &by, &e.ProcessedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.ParticipantID = generic.ParticipantID(deref(participant))
	e.EventID = generic.EventID(deref(event))
	var d decoder
	e.Amount = d.amount("entries.amount", value, currency)
	if d.err != nil {
		return nil, d.err
	}
	e.Reference = deref(reference)
	e.Reason = deref(reason)
	e.ProcessedBy = generic.UserID(deref(by))
	return &e, nil
}

func (s *queries) getEntry(ctx context.Context, id generic.EntryID, suffix string) (*generic.Entry, error) {
	e, err := scanEntry(s.q.QueryRow(ctx, entrySelect+" WHERE id = $1"+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "entry", ID: string(id)}
	}
	if err != nil {
		return nil, mapError("get entry", err)
	}
	return e, nil
}

func (s *queries) GetEntry(ctx context.Context, id generic.EntryID) (*generic.Entry, error) {
	return s.getEntry(ctx, id, "")
}

func (s *queries) ListEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	var w where
	if filter.AccountID != "" {
		w.add("account_id", filter.AccountID)
	}
	if filter.UserID != "" {
		w.add("user_id", filter.UserID)
	}
	if filter.EventID != "" {
		w.add("event_id", filter.EventID)
	}
	if filter.Kind != "" {
		w.add("kind", filter.Kind)
	}
	if filter.Status != "" {
		w.add("status", filter.Status)
	}
	if filter.Cycle > 0 {
		w.add("cycle", filter.Cycle)
	}

	rows, err := s.q.Query(ctx, entrySelect+w.String()+" ORDER BY created_at, id", w.args...)
	if err != nil {
		return nil, mapError("list entries", err)
	}
	defer rows.Close()

	entries := []generic.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, mapError("scan entry", err)
		}
		entries = append(entries, *e)
	}
	return entries, mapError("list entries", rows.Err())
}

func (s *queries) CountCycleContributions(ctx context.Context, accountID generic.AccountID, cycle int) (int, int, error) {
	var paid, participants int
	err := s.q.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT e.participant_id)
			 FROM entries e JOIN participants p ON p.id = e.participant_id
			 WHERE e.account_id = $1 AND e.kind = $2 AND e.cycle = $3 AND e.status = $4),
			(SELECT COUNT(*) FROM participants WHERE account_id = $1)`,
		accountID, generic.EntryContribution, cycle, generic.EntryPaid,
	).Scan(&paid, &participants)
	if err != nil {
		return 0, 0, mapError("count cycle contributions", err)
	}
	return paid, participants, nil
}

func (t *txStore) InsertEntry(ctx context.Context, e generic.Entry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO entries (id, account_id, participant_id, user_id, event_id, kind, amount, currency, cycle,
			status, method, reference, reason, processed_by, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.AccountID, optional(string(e.ParticipantID)), e.UserID, optional(string(e.EventID)),
		e.Kind, dec(e.Amount), e.Amount.Currency, e.Cycle, e.Status, e.Method,
		optional(e.Reference), optional(e.Reason), optional(string(e.ProcessedBy)), e.ProcessedAt, e.CreatedAt,
	)
	return mapError("insert entry", err)
}

func (t *txStore) LockEntry(ctx context.Context, id generic.EntryID) (*generic.Entry, error) {
	return t.getEntry(ctx, id, " FOR UPDATE")
}

func (t *txStore) UpdateEntry(ctx context.Context, e generic.Entry) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE entries
		SET status = $1, method = $2, reference = $3, reason = $4, processed_by = $5, processed_at = $6
		WHERE id = $7`,
		e.Status, e.Method, optional(e.Reference), optional(e.Reason),
		optional(string(e.ProcessedBy)), e.ProcessedAt, e.ID,
	)
	if err != nil {
		return mapError("update entry", err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Kind: "entry", ID: string(e.ID)}
	}
	return nil
}

// =============================================================================
// WALLETS
// =============================================================================

const walletSelect = `SELECT id, user_id, currency, balance::text, created_at, updated_at FROM wallets`

func scanWallet(row pgx.Row) (*generic.Wallet, error) {
	var (
		w       generic.Wallet
		balance string
	)
	if err := row.Scan(&w.ID, &w.UserID, &w.Currency, &balance, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var d decoder
	w.Balance = d.amount("wallets.balance", balance, w.Currency)
	if d.err != nil {
		return nil, d.err
	}
	return &w, nil
}

func (s *queries) findWallet(ctx context.Context, userID generic.UserID, currency generic.Currency, suffix string) (*generic.Wallet, error) {
	w, err := scanWallet(s.q.QueryRow(ctx, walletSelect+" WHERE user_id = $1 AND currency = $2"+suffix, userID, currency))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find wallet", err)
	}
	return w, nil
}

func (s *queries) FindWallet(ctx context.Context, userID generic.UserID, currency generic.Currency) (*generic.Wallet, error) {
	return s.findWallet(ctx, userID, currency, "")
}

func (s *queries) ListWallets(ctx context.Context, userID generic.UserID) ([]generic.Wallet, error) {
	rows, err := s.q.Query(ctx, walletSelect+" WHERE user_id = $1 ORDER BY currency", userID)
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
	rows, err := s.q.Query(ctx, `
		SELECT id, wallet_id, user_id, tx_type, delta::text, balance_after::text, currency,
		       reference_id, reason, idempotency_key, created_at
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, mapError("list wallet transactions", err)
	}
	defer rows.Close()

	txs := []generic.WalletTransaction{}
	for rows.Next() {
		var (
			t                          generic.WalletTransaction
			delta, after               string
			currency                   generic.Currency
			reference, reason, idemKey *string
		)
		if err := rows.Scan(&t.ID, &t.WalletID, &t.UserID, &t.Type, &delta, &after, &currency,
			&reference, &reason, &idemKey, &t.CreatedAt); err != nil {
			return nil, mapError("scan wallet transaction", err)
		}
		var d decoder
		t.Delta = d.amount("wallet_transactions.delta", delta, currency)
		t.BalanceAfter = d.amount("wallet_transactions.balance_after", after, currency)
		if d.err != nil {
			return nil, d.err
		}
		t.ReferenceID = deref(reference)
		t.Reason = deref(reason)
		t.IdempotencyKey = deref(idemKey)
		txs = append(txs, t)
	}
	return txs, mapError("list wallet transactions", rows.Err())
}

func (t *txStore) EnsureWallet(ctx context.Context, w generic.Wallet) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO wallets (id, user_id, currency, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, currency) DO NOTHING`,
		w.ID, w.UserID, w.Currency, dec(w.Balance), w.CreatedAt, w.UpdatedAt,
	)
	return mapError("ensure wallet", err)
}

func (t *txStore) LockWallet(ctx context.Context, userID generic.UserID, currency generic.Currency) (*generic.Wallet, error) {
	w, err := t.findWallet(ctx, userID, currency, " FOR UPDATE")
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, &generic.NotFoundError{Kind: "wallet", ID: string(userID) + "/" + string(currency)}
	}
	return w, nil
}

// DebitWallet is a single conditional update; zero affected rows means the
// balance did not cover the amount.
func (t *txStore) DebitWallet(ctx context.Context, id generic.WalletID, amt decimal.Decimal) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE wallets SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $1`, amt, id)
	if err != nil {
		return false, mapError("debit wallet", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txStore) CreditWallet(ctx context.Context, id generic.WalletID, amt decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE wallets SET balance = balance + $1, updated_at = now() WHERE id = $2", amt, id)
	if err != nil {
		return mapError("credit wallet", err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Kind: "wallet", ID: string(id)}
	}
	return nil
}

func (t *txStore) AppendWalletTransaction(ctx context.Context, w generic.WalletTransaction) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, user_id, tx_type, delta, balance_after, currency,
			reference_id, reason, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.WalletID, w.UserID, w.Type, dec(w.Delta), dec(w.BalanceAfter), w.Delta.Currency,
		optional(w.ReferenceID), optional(w.Reason), optional(w.IdempotencyKey), w.CreatedAt,
	)
	return mapError("append wallet transaction", err)
}

// =============================================================================
// STATS
// =============================================================================

func (s *queries) Stats(ctx context.Context) (generic.Stats, error) {
	stats := generic.Stats{
		AccountsByStatus: map[generic.AccountStatus]int{},
		EntriesByStatus:  map[generic.EntryStatus]int{},
		PaidByCurrency:   map[generic.Currency]decimal.Decimal{},
	}

	err := s.eachRow(ctx, "SELECT status, COUNT(*) FROM accounts GROUP BY status", func(row pgx.Rows) error {
		var (
			status generic.AccountStatus
			n      int
		)
		if err := row.Scan(&status, &n); err != nil {
			return err
		}
		stats.AccountsByStatus[status] = n
		return nil
	})
	if err != nil {
		return stats, err
	}

	err = s.eachRow(ctx, "SELECT status, COUNT(*) FROM entries GROUP BY status", func(row pgx.Rows) error {
		var (
			status generic.EntryStatus
			n      int
		)
		if err := row.Scan(&status, &n); err != nil {
			return err
		}
		stats.EntriesByStatus[status] = n
		return nil
	})
	if err != nil {
		return stats, err
	}

	err = s.eachRow(ctx, fmt.Sprintf(
		"SELECT currency, SUM(amount)::text FROM entries WHERE status IN ('%s', '%s') GROUP BY currency",
		generic.EntryPaid, generic.EntryCompleted,
	), func(row pgx.Rows) error {
		var (
			currency generic.Currency
			sum      string
		)
		if err := row.Scan(&currency, &sum); err != nil {
			return err
		}
		paid, err := generic.DecodeDecimal("entries.amount", sum)
		if err != nil {
			return err
		}
		stats.PaidByCurrency[currency] = paid
		return nil
	})
	return stats, err
}

func (s *queries) eachRow(ctx context.Context, query string, fn func(pgx.Rows) error) error {
	rows, err := s.q.Query(ctx, query)
	if err != nil {
		return mapError("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return mapError("stats", err)
		}
	}
	return mapError("stats", rows.Err())
}

// where accumulates equality filters as positional parameters.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(column string, v any) {
	w.args = append(w.args, v)
	w.clauses = append(w.clauses, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
