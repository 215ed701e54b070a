package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/kotize/savings-engine/generic"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, kind, owner_id, name, frequency, advance_policy, base_amount, currency, mode,
	start_date, end_date, total_expected, paid_total, status, member_limit, duration, created_at, updated_at`

func scanAccount(row scanner) (*generic.Account, error) {
	var (
		a                                    generic.Account
		base, currency, total, paid          string
		startDate, endDate, created, updated string
	)
	err := row.Scan(
		&a.ID, &a.Kind, &a.OwnerID, &a.Name, &a.Frequency, &a.Policy, &base, &currency, &a.Mode,
		&startDate, &endDate, &total, &paid, &a.Status, &a.MemberLimit, &a.Duration, &created, &updated,
	)
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
	a.StartDate = parseDate(startDate)
	a.EndDate = parseDate(endDate)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

func (s *queries) GetAccount(ctx context.Context, id generic.AccountID) (*generic.Account, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "account", ID: string(id)}
	}
	if err != nil {
		return nil, mapError("get account", err)
	}
	return acc, nil
}

func (s *queries) ListAccounts(ctx context.Context, filter generic.AccountFilter) ([]generic.Account, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := "SELECT " + accountColumns + " FROM accounts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
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
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Kind, a.OwnerID, a.Name, a.Frequency, a.Policy,
		a.BaseAmount.Value.String(), a.BaseAmount.Currency, a.Mode,
		formatDate(a.StartDate), formatDate(a.EndDate),
		a.TotalExpected.Value.String(), a.PaidTotal.Value.String(),
		a.Status, a.MemberLimit, a.Duration,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	return mapError("insert account", err)
}

// LockAccount reads the account; the immediate transaction already holds
// the database write lock.
func (t *txStore) LockAccount(ctx context.Context, id generic.AccountID) (*generic.Account, error) {
	return t.GetAccount(ctx, id)
}

func (t *txStore) UpdateAccount(ctx context.Context, a generic.Account) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE accounts
		SET name = ?, mode = ?, end_date = ?, total_expected = ?, paid_total = ?,
		    status = ?, member_limit = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Mode, formatDate(a.EndDate), a.TotalExpected.Value.String(), a.PaidTotal.Value.String(),
		a.Status, a.MemberLimit, formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return mapError("update account", err)
	}
	n, err := rowsAffected("update account", res)
	if err != nil {
		return err
	}
	if n == 0 {
		return &generic.NotFoundError{Kind: "account", ID: string(a.ID)}
	}
	return nil
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

const participantColumns = `id, account_id, user_id, position, status, total_contributed, total_received, joined_at`

// participantSelect joins the account currency for amount parsing.
const participantSelect = `SELECT p.id, p.account_id, p.user_id, p.position, p.status,
	p.total_contributed, p.total_received, p.joined_at, a.currency
	FROM participants p JOIN accounts a ON a.id = p.account_id`

func scanParticipant(row scanner) (*generic.Participant, error) {
	var (
		p                                       generic.Participant
		contributed, received, joined, currency string
	)
	err := row.Scan(&p.ID, &p.AccountID, &p.UserID, &p.Position, &p.Status,
		&contributed, &received, &joined, &currency)
	if err != nil {
		return nil, err
	}
	var d decoder
	p.TotalContributed = d.amount("participants.total_contributed", contributed, currency)
	p.TotalReceived = d.amount("participants.total_received", received, currency)
	if d.err != nil {
		return nil, d.err
	}
	p.JoinedAt = parseTime(joined)
	return &p, nil
}

func (s *queries) GetParticipant(ctx context.Context, id generic.ParticipantID) (*generic.Participant, error) {
	p, err := scanParticipant(s.q.QueryRowContext(ctx, participantSelect+" WHERE p.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "participant", ID: string(id)}
	}
	if err != nil {
		return nil, mapError("get participant", err)
	}
	return p, nil
}

func (s *queries) FindParticipant(ctx context.Context, accountID generic.AccountID, userID generic.UserID) (*generic.Participant, error) {
	p, err := scanParticipant(s.q.QueryRowContext(ctx,
		participantSelect+" WHERE p.account_id = ? AND p.user_id = ?", accountID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find participant", err)
	}
	return p, nil
}

func (s *queries) ListParticipants(ctx context.Context, accountID generic.AccountID) ([]generic.Participant, error) {
	rows, err := s.q.QueryContext(ctx, participantSelect+" WHERE p.account_id = ? ORDER BY p.position ASC", accountID)
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
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.UserID, p.Position, p.Status,
		p.TotalContributed.Value.String(), p.TotalReceived.Value.String(), formatTime(p.JoinedAt),
	)
	return mapError("insert participant", err)
}

func (t *txStore) NextPosition(ctx context.Context, accountID generic.AccountID) (int, error) {
	var next int
	err := t.q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position), 0) + 1 FROM participants WHERE account_id = ?", accountID,
	).Scan(&next)
	if err != nil {
		return 0, mapError("next position", err)
	}
	return next, nil
}

func (t *txStore) UpdateParticipant(ctx context.Context, p generic.Participant) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE participants SET status = ?, total_contributed = ?, total_received = ?
		WHERE id = ?`,
		p.Status, p.TotalContributed.Value.String(), p.TotalReceived.Value.String(), p.ID,
	)
	return mapError("update participant", err)
}
