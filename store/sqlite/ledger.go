package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kotize/savings-engine/generic"
)

// =============================================================================
// SCHEDULED EVENTS
// =============================================================================

const eventColumns = `id, account_id, participant_id, kind, sequence, due_date, expected, currency, status, paid_amount, paid_at`

func scanEvent(row scanner) (*generic.ScheduledEvent, error) {
	var (
		e                                 generic.ScheduledEvent
		participant, paidAt               sql.NullString
		dueDate, expected, currency, paid string
	)
	err := row.Scan(&e.ID, &e.AccountID, &participant, &e.Kind, &e.Sequence, &dueDate,
		&expected, &currency, &e.Status, &paid, &paidAt)
	if err != nil {
		return nil, err
	}
	e.ParticipantID = generic.ParticipantID(participant.String)
	e.DueDate = parseDate(dueDate)
	var d decoder
	e.Expected = d.amount("scheduled_events.expected", expected, currency)
	e.PaidAmount = d.amount("scheduled_events.paid_amount", paid, currency)
	if d.err != nil {
		return nil, d.err
	}
	e.PaidAt = parseTimePtr(paidAt)
	return &e, nil
}

func (s *queries) scanEvents(ctx context.Context, op, query string, args ...any) ([]generic.ScheduledEvent, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
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

func (s *queries) GetScheduledEvent(ctx context.Context, id generic.EventID) (*generic.ScheduledEvent, error) {
	e, err := scanEvent(s.q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM scheduled_events WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "scheduled event", ID: string(id)}
	}
	if err != nil {
		return nil, mapError("get scheduled event", err)
	}
	return e, nil
}

func (s *queries) ListScheduledEvents(ctx context.Context, accountID generic.AccountID) ([]generic.ScheduledEvent, error) {
	return s.scanEvents(ctx, "list scheduled events",
		"SELECT "+eventColumns+" FROM scheduled_events WHERE account_id = ? ORDER BY kind ASC, sequence ASC", accountID)
}

func (s *queries) ListDueEvents(ctx context.Context, kind generic.EventKind, asOf generic.TimePoint) ([]generic.ScheduledEvent, error) {
	return s.scanEvents(ctx, "list due events", `
		SELECT e.id, e.account_id, e.participant_id, e.kind, e.sequence, e.due_date, e.expected,
		       e.currency, e.status, e.paid_amount, e.paid_at
		FROM scheduled_events e JOIN accounts a ON a.id = e.account_id
		WHERE e.kind = ? AND e.status = ? AND e.due_date < ? AND a.status = ?
		ORDER BY e.due_date ASC, e.account_id ASC, e.sequence ASC`,
		kind, generic.EventPending, formatDate(asOf), generic.AccountActive)
}

func (s *queries) SumPaidEvents(ctx context.Context, accountID generic.AccountID) (decimal.Decimal, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT paid_amount FROM scheduled_events WHERE account_id = ? AND status = ?", accountID, generic.EventPaid)
	if err != nil {
		return decimal.Zero, mapError("sum paid events", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, mapError("sum paid events", err)
		}
		paid, err := generic.DecodeDecimal("scheduled_events.paid_amount", v)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(paid)
	}
	return total, mapError("sum paid events", rows.Err())
}

func (s *queries) CountPaidEvents(ctx context.Context, accountID generic.AccountID) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM scheduled_events WHERE account_id = ? AND status = ?", accountID, generic.EventPaid,
	).Scan(&n)
	if err != nil {
		return 0, mapError("count paid events", err)
	}
	return n, nil
}

func (t *txStore) InsertScheduledEvents(ctx context.Context, events []generic.ScheduledEvent) error {
	for _, e := range events {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO scheduled_events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.AccountID, nullString(string(e.ParticipantID)), e.Kind, e.Sequence, formatDate(e.DueDate),
			e.Expected.Value.String(), e.Expected.Currency, e.Status, e.PaidAmount.Value.String(), formatTimePtr(e.PaidAt),
		)
		if err != nil {
			return mapError("insert scheduled event", err)
		}
	}
	return nil
}

func (t *txStore) DeleteScheduledEvents(ctx context.Context, accountID generic.AccountID) (int, error) {
	res, err := t.q.ExecContext(ctx, "DELETE FROM scheduled_events WHERE account_id = ?", accountID)
	if err != nil {
		return 0, mapError("delete scheduled events", err)
	}
	n, err := rowsAffected("delete scheduled events", res)
	return int(n), err
}

func (t *txStore) LockScheduledEvent(ctx context.Context, id generic.EventID) (*generic.ScheduledEvent, error) {
	return t.GetScheduledEvent(ctx, id)
}

func (t *txStore) UpdateScheduledEvent(ctx context.Context, e generic.ScheduledEvent) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE scheduled_events SET status = ?, paid_amount = ?, paid_at = ? WHERE id = ?`,
		e.Status, e.PaidAmount.Value.String(), formatTimePtr(e.PaidAt), e.ID,
	)
	if err != nil {
		return mapError("update scheduled event", err)
	}
	n, err := rowsAffected("update scheduled event", res)
	if err != nil {
		return err
	}
	if n == 0 {
		return &generic.NotFoundError{Kind: "scheduled event", ID: string(e.ID)}
	}
	return nil
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, account_id, participant_id, user_id, event_id, kind, amount, currency, cycle,
	status, method, reference, reason, processed_by, processed_at, created_at`

func scanEntry(row scanner) (*generic.Entry, error) {
	var (
		e                                                      generic.Entry
		participant, event, reference, reason, by, processedAt sql.NullString
		amount, currency, created                              string
	)
	err := row.Scan(&e.ID, &e.AccountID, &participant, &e.UserID, &event, &e.Kind, &amount, &currency,
		&e.Cycle, &e.Status, &e.Method, &reference, &reason, &by, &processedAt, &created)
	if err != nil {
		return nil, err
	}
	e.ParticipantID = generic.ParticipantID(participant.String)
	e.EventID = generic.EventID(event.String)
	var d decoder
	e.Amount = d.amount("entries.amount", amount, currency)
	if d.err != nil {
		return nil, d.err
	}
	e.Reference = reference.String
	e.Reason = reason.String
	e.ProcessedBy = generic.UserID(by.String)
	e.ProcessedAt = parseTimePtr(processedAt)
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func (s *queries) GetEntry(ctx context.Context, id generic.EntryID) (*generic.Entry, error) {
	e, err := scanEntry(s.q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "entry", ID: string(id)}
	}
	if err != nil {
		return nil, mapError("get entry", err)
	}
	return e, nil
}

func (s *queries) ListEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if filter.AccountID != "" {
		add("account_id = ?", filter.AccountID)
	}
	if filter.UserID != "" {
		add("user_id = ?", filter.UserID)
	}
	if filter.EventID != "" {
		add("event_id = ?", filter.EventID)
	}
	if filter.Kind != "" {
		add("kind = ?", filter.Kind)
	}
	if filter.Status != "" {
		add("status = ?", filter.Status)
	}
	if filter.Cycle > 0 {
		add("cycle = ?", filter.Cycle)
	}

	query := "SELECT " + entryColumns + " FROM entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
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
	err := s.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT e.participant_id)
			 FROM entries e JOIN participants p ON p.id = e.participant_id
			 WHERE e.account_id = ? AND e.kind = ? AND e.cycle = ? AND e.status = ?),
			(SELECT COUNT(*) FROM participants WHERE account_id = ?)`,
		accountID, generic.EntryContribution, cycle, generic.EntryPaid, accountID,
	).Scan(&paid, &participants)
	if err != nil {
		return 0, 0, mapError("count cycle contributions", err)
	}
	return paid, participants, nil
}

func (t *txStore) InsertEntry(ctx context.Context, e generic.Entry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, nullString(string(e.ParticipantID)), e.UserID, nullString(string(e.EventID)),
		e.Kind, e.Amount.Value.String(), e.Amount.Currency, e.Cycle, e.Status, e.Method,
		nullString(e.Reference), nullString(e.Reason), nullString(string(e.ProcessedBy)),
		formatTimePtr(e.ProcessedAt), formatTime(e.CreatedAt),
	)
	return mapError("insert entry", err)
}

func (t *txStore) LockEntry(ctx context.Context, id generic.EntryID) (*generic.Entry, error) {
	return t.GetEntry(ctx, id)
}

func (t *txStore) UpdateEntry(ctx context.Context, e generic.Entry) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE entries
		SET status = ?, method = ?, reference = ?, reason = ?, processed_by = ?, processed_at = ?
		WHERE id = ?`,
		e.Status, e.Method, nullString(e.Reference), nullString(e.Reason),
		nullString(string(e.ProcessedBy)), formatTimePtr(e.ProcessedAt), e.ID,
	)
	if err != nil {
		return mapError("update entry", err)
	}
	n, err := rowsAffected("update entry", res)
	if err != nil {
		return err
	}
	if n == 0 {
		return &generic.NotFoundError{Kind: "entry", ID: string(e.ID)}
	}
	return nil
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

	if err := s.countBy(ctx, "SELECT status, COUNT(*) FROM accounts GROUP BY status", func(k string, n int) {
		stats.AccountsByStatus[generic.AccountStatus(k)] = n
	}); err != nil {
		return stats, err
	}
	if err := s.countBy(ctx, "SELECT status, COUNT(*) FROM entries GROUP BY status", func(k string, n int) {
		stats.EntriesByStatus[generic.EntryStatus(k)] = n
	}); err != nil {
		return stats, err
	}

	rows, err := s.q.QueryContext(ctx,
		"SELECT amount, currency FROM entries WHERE status IN (?, ?)", generic.EntryPaid, generic.EntryCompleted)
	if err != nil {
		return stats, mapError("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var amount, currency string
		if err := rows.Scan(&amount, &currency); err != nil {
			return stats, mapError("stats", err)
		}
		paid, err := generic.DecodeDecimal("entries.amount", amount)
		if err != nil {
			return stats, err
		}
		cur := generic.Currency(currency)
		stats.PaidByCurrency[cur] = stats.PaidByCurrency[cur].Add(paid)
	}
	return stats, mapError("stats", rows.Err())
}

func (s *queries) countBy(ctx context.Context, query string, fn func(string, int)) error {
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return mapError("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return mapError("stats", err)
		}
		fn(k, n)
	}
	return mapError("stats", rows.Err())
}
