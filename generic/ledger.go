/*
ledger.go - Contribution, installment and payout ledger

PURPOSE:
  Records monetary events as Entry rows with a monotonic status lifecycle
  and keeps the scheduled events and account totals consistent with them.

STATUS LIFECYCLE:
  contribution / installment:
      wallet method:  -> paid                (debit in the same transaction)
      other methods:  -> pending -> paid     (Approve)
                                 -> rejected (Reject)
  payout:
      initiated -> processing -> completed   (AdvancePayout; completion
                                              credits the recipient wallet)

  Status never regresses. Approve, Reject and AdvancePayout re-read the
  entry under a row lock and refuse unless the locked status allows the
  transition, so two approvers racing on one entry cannot both succeed.

PAID TRANSITION:
  When an entry settles a scheduled event, the event is locked and moved
  to paid (ErrAlreadyPaid if it already is, *InsufficientAmountError if the
  amount is below expected). In the same transaction the account's
  PaidTotal is recomputed from all paid events and the account becomes
  completed once PaidTotal >= TotalExpected.

LOCK ORDER:
  account -> entry -> scheduled event -> wallet

NOTIFICATIONS:
  Sent after commit. A failed notification is logged and never rolls back
  or fails the ledger operation.

SEE ALSO:
  - wallet.go: DebitTx / CreditTx
  - readiness.go: Cycle gate for payouts
  - sol/service.go, tikane/service.go: Product entry points
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kotize/savings-engine/metrics"
)

// Ledger records entries and settles scheduled events.
type Ledger struct {
	store    Store
	wallets  *Wallets
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewLedger(store Store, wallets *Wallets, notifier Notifier, logger *slog.Logger) *Ledger {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    store,
		wallets:  wallets,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EntryInput describes a contribution or installment payment.
type EntryInput struct {
	Kind           EntryKind
	AccountID      AccountID
	ParticipantID  ParticipantID
	UserID         UserID
	EventID        EventID
	Amount         Amount
	Cycle          int
	Method         Method
	Reference      string
	IdempotencyKey string
}

func (in EntryInput) validate() error {
	if in.Kind != EntryContribution && in.Kind != EntryInstallment {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("cannot record %q entries", in.Kind)}
	}
	if in.AccountID == "" {
		return &ValidationError{Field: "account_id", Reason: "required"}
	}
	if in.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if !in.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if err := checkScale("amount", in.Amount); err != nil {
		return err
	}
	if in.Cycle < 1 {
		return &ValidationError{Field: "cycle", Reason: "must be at least 1"}
	}
	if _, err := ParseMethod(string(in.Method)); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// RECORD
// =============================================================================

// RecordEvent inserts a contribution or installment entry. Wallet payments
// settle immediately; other methods wait in pending for Approve.
func (l *Ledger) RecordEvent(ctx context.Context, in EntryInput) (*Entry, error) {
	if in.Method == "" {
		in.Method = MethodWallet
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	var (
		entry *Entry
		acc   *Account
	)
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		acc, err = tx.LockAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		entry, err = l.RecordEventTx(ctx, tx, acc, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(entry.Kind), string(entry.Status)).Inc()
	l.logger.Info("entry recorded", "entry_id", entry.ID, "account_id", entry.AccountID,
		"kind", entry.Kind, "status", entry.Status, "amount", entry.Amount.String(), "method", entry.Method)

	Dispatch(ctx, l.notifier, l.logger, l.paymentNotes(acc, entry, NotifyPaymentReceived)...)
	return entry, nil
}

// RecordEventTx records inside the caller's transaction. acc must already
// be locked by the caller.
func (l *Ledger) RecordEventTx(ctx context.Context, tx Tx, acc *Account, in EntryInput) (*Entry, error) {
	if in.Method == "" {
		in.Method = MethodWallet
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if acc.Status != AccountActive {
		return nil, fmt.Errorf("%w: %s", ErrAccountInactive, acc.Status)
	}
	if in.Amount.Currency != acc.Currency() {
		return nil, &ValidationError{Field: "currency", Reason: fmt.Sprintf("account uses %s", acc.Currency())}
	}
	if in.EventID != "" {
		ev, err := tx.GetScheduledEvent(ctx, in.EventID)
		if err != nil {
			return nil, err
		}
		if err := checkPayable(acc, ev, in.Amount); err != nil {
			return nil, err
		}
	}

	now := l.now()
	entry := Entry{
		ID:            EntryID(NewID()),
		AccountID:     acc.ID,
		ParticipantID: in.ParticipantID,
		UserID:        in.UserID,
		EventID:       in.EventID,
		Kind:          in.Kind,
		Amount:        in.Amount,
		Cycle:         in.Cycle,
		Status:        EntryPending,
		Method:        in.Method,
		Reference:     in.Reference,
		CreatedAt:     now,
	}
	if in.Method == MethodWallet {
		entry.Status = EntryPaid
		entry.ProcessedBy = in.UserID
		entry.ProcessedAt = &now
	}

	if err := tx.InsertEntry(ctx, entry); err != nil {
		return nil, duplicateEntryError(err, entry)
	}

	if entry.Status == EntryPaid {
		if entry.EventID != "" {
			if _, err := l.markEventPaidTx(ctx, tx, acc, entry.EventID, entry.Amount, now); err != nil {
				return nil, err
			}
		}
		_, err := l.wallets.DebitTx(ctx, tx, WalletOp{
			UserID:         in.UserID,
			Amount:         in.Amount,
			ReferenceID:    string(entry.ID),
			Reason:         fmt.Sprintf("%s %d for %s", entry.Kind, entry.Cycle, acc.Name),
			IdempotencyKey: in.IdempotencyKey,
		})
		if err != nil {
			return nil, err
		}
		if err := l.applyPaidTx(ctx, tx, acc, &entry); err != nil {
			return nil, err
		}
	}

	return &entry, nil
}

// =============================================================================
// APPROVAL
// =============================================================================

// Approve moves a pending entry to paid. Only the account owner or an admin
// may approve; anyone else sees the entry as missing.
func (l *Ledger) Approve(ctx context.Context, id EntryID, actor Actor) (*Entry, error) {
	var (
		entry *Entry
		acc   *Account
	)
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		acc, entry, err = l.lockEntryForActor(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if entry.Status != EntryPending {
			return fmt.Errorf("%w: entry is %s", ErrNotPending, entry.Status)
		}

		now := l.now()
		entry.Status = EntryPaid
		entry.ProcessedBy = actor.UserID
		entry.ProcessedAt = &now

		if entry.EventID != "" {
			if _, err := l.markEventPaidTx(ctx, tx, acc, entry.EventID, entry.Amount, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateEntry(ctx, *entry); err != nil {
			return err
		}
		return l.applyPaidTx(ctx, tx, acc, entry)
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(entry.Kind), string(entry.Status)).Inc()
	l.logger.Info("entry approved", "entry_id", entry.ID, "approver", actor.UserID)
	Dispatch(ctx, l.notifier, l.logger, l.paymentNotes(acc, entry, NotifyPaymentApproved)...)
	return entry, nil
}

// Reject moves a pending entry to rejected.
func (l *Ledger) Reject(ctx context.Context, id EntryID, actor Actor, reason string) (*Entry, error) {
	var entry *Entry
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		_, entry, err = l.lockEntryForActor(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if entry.Status != EntryPending {
			return fmt.Errorf("%w: entry is %s", ErrNotPending, entry.Status)
		}

		now := l.now()
		entry.Status = EntryRejected
		entry.Reason = reason
		entry.ProcessedBy = actor.UserID
		entry.ProcessedAt = &now
		return tx.UpdateEntry(ctx, *entry)
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(entry.Kind), string(entry.Status)).Inc()
	l.logger.Info("entry rejected", "entry_id", entry.ID, "approver", actor.UserID, "reason", reason)
	Dispatch(ctx, l.notifier, l.logger, Notification{
		Type:      NotifyPaymentRejected,
		UserID:    entry.UserID,
		AccountID: entry.AccountID,
		EntryID:   entry.ID,
		Amount:    entry.Amount.Value.String(),
		Currency:  entry.Amount.Currency,
		Cycle:     entry.Cycle,
		Message:   fmt.Sprintf("Payment of %s was rejected: %s", entry.Amount, reason),
	})
	return entry, nil
}

// =============================================================================
// MARK PAID
// =============================================================================

// MarkPaid settles an installment event directly, e.g. for a payment
// collected outside the platform. paidAt defaults to now. It is refused
// while an entry for the event awaits approval.
func (l *Ledger) MarkPaid(ctx context.Context, id EventID, paid Amount, paidAt time.Time, actor Actor) (*ScheduledEvent, error) {
	if paidAt.IsZero() {
		paidAt = l.now()
	}

	var (
		ev  *ScheduledEvent
		acc *Account
	)
	err := l.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.GetScheduledEvent(ctx, id)
		if err != nil {
			return err
		}
		acc, err = tx.LockAccount(ctx, current.AccountID)
		if err != nil {
			return err
		}
		if !actor.CanManage(acc) {
			return &NotFoundError{Kind: "event", ID: string(id)}
		}
		if current.Kind == EventPayout {
			return &ValidationError{Field: "event", Reason: "payout events settle through the payout lifecycle"}
		}
		// A pending entry for this event must be approved or rejected first.
		inFlight, err := tx.ListEntries(ctx, EntryFilter{AccountID: acc.ID, EventID: id, Status: EntryPending})
		if err != nil {
			return err
		}
		if len(inFlight) > 0 {
			return fmt.Errorf("%w: entry %s", ErrPaymentInFlight, inFlight[0].ID)
		}
		ev, err = l.markEventPaidTx(ctx, tx, acc, id, paid, paidAt.UTC())
		if err != nil {
			return err
		}
		return l.recomputeTx(ctx, tx, acc)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("event marked paid", "event_id", ev.ID, "account_id", ev.AccountID,
		"sequence", ev.Sequence, "amount", ev.PaidAmount.String())
	if acc.Status == AccountCompleted {
		Dispatch(ctx, l.notifier, l.logger, completedNote(acc))
	}
	return ev, nil
}

// =============================================================================
// PAYOUTS
// =============================================================================

// InitiatePayoutTx creates the payout entry for ev. The caller holds the
// account lock and has already checked cycle readiness.
func (l *Ledger) InitiatePayoutTx(ctx context.Context, tx Tx, acc *Account, ev *ScheduledEvent, recipient *Participant, actor Actor) (*Entry, error) {
	if ev.Kind != EventPayout || ev.AccountID != acc.ID {
		return nil, &ValidationError{Field: "event", Reason: "not a payout event of this group"}
	}
	if ev.Status == EventPaid {
		return nil, ErrAlreadyPaid
	}

	now := l.now()
	entry := Entry{
		ID:            EntryID(NewID()),
		AccountID:     acc.ID,
		ParticipantID: recipient.ID,
		UserID:        recipient.UserID,
		EventID:       ev.ID,
		Kind:          EntryPayout,
		Amount:        ev.Expected,
		Cycle:         ev.Sequence,
		Status:        EntryInitiated,
		Method:        MethodWallet,
		ProcessedBy:   actor.UserID,
		ProcessedAt:   &now,
		CreatedAt:     now,
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return nil, duplicateEntryError(err, entry)
	}
	return &entry, nil
}

// AdvancePayout moves a payout one step: initiated -> processing -> completed.
// Completion credits the recipient's wallet and marks the payout event paid.
func (l *Ledger) AdvancePayout(ctx context.Context, id EntryID, actor Actor) (*Entry, error) {
	var (
		entry *Entry
		acc   *Account
	)
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		acc, entry, err = l.lockEntryForActor(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if entry.Kind != EntryPayout {
			return &ValidationError{Field: "entry", Reason: "not a payout"}
		}

		switch entry.Status {
		case EntryInitiated:
			entry.Status = EntryProcessing
		case EntryProcessing:
			entry.Status = EntryCompleted
		default:
			return fmt.Errorf("%w: payout is %s", ErrInvalidTransition, entry.Status)
		}
		now := l.now()
		entry.ProcessedBy = actor.UserID
		entry.ProcessedAt = &now

		if entry.Status == EntryCompleted {
			if err := l.completePayoutTx(ctx, tx, acc, entry, now); err != nil {
				return err
			}
		}
		return tx.UpdateEntry(ctx, *entry)
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(entry.Kind), string(entry.Status)).Inc()
	l.logger.Info("payout advanced", "entry_id", entry.ID, "status", entry.Status, "cycle", entry.Cycle)

	if entry.Status == EntryCompleted {
		notes := []Notification{{
			Type:      NotifyPayoutCompleted,
			UserID:    entry.UserID,
			AccountID: entry.AccountID,
			EntryID:   entry.ID,
			Amount:    entry.Amount.Value.String(),
			Currency:  entry.Amount.Currency,
			Cycle:     entry.Cycle,
			Message:   fmt.Sprintf("Your payout of %s for %s has been credited", entry.Amount, acc.Name),
		}}
		if acc.Status == AccountCompleted {
			notes = append(notes, completedNote(acc))
		}
		Dispatch(ctx, l.notifier, l.logger, notes...)
	}
	return entry, nil
}

func (l *Ledger) completePayoutTx(ctx context.Context, tx Tx, acc *Account, entry *Entry, at time.Time) error {
	if entry.EventID != "" {
		if _, err := l.markEventPaidTx(ctx, tx, acc, entry.EventID, entry.Amount, at); err != nil {
			return err
		}
	}
	_, err := l.wallets.CreditTx(ctx, tx, WalletOp{
		UserID:      entry.UserID,
		Amount:      entry.Amount,
		ReferenceID: string(entry.ID),
		Reason:      fmt.Sprintf("payout %d from %s", entry.Cycle, acc.Name),
	})
	if err != nil {
		return err
	}
	if entry.ParticipantID != "" {
		p, err := tx.GetParticipant(ctx, entry.ParticipantID)
		if err != nil {
			return err
		}
		p.TotalReceived = p.TotalReceived.Add(entry.Amount)
		p.Status = ParticipantPaidOut
		if err := tx.UpdateParticipant(ctx, *p); err != nil {
			return err
		}
	}
	return l.recomputeTx(ctx, tx, acc)
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) Entries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	return l.store.ListEntries(ctx, filter)
}

// =============================================================================
// INTERNALS
// =============================================================================

// lockEntryForActor locks the entry's account, checks the actor, then
// locks the entry itself.
func (l *Ledger) lockEntryForActor(ctx context.Context, tx Tx, id EntryID, actor Actor) (*Account, *Entry, error) {
	current, err := tx.GetEntry(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	acc, err := tx.LockAccount(ctx, current.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if !actor.CanManage(acc) {
		return nil, nil, &NotFoundError{Kind: "entry", ID: string(id)}
	}
	entry, err := tx.LockEntry(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return acc, entry, nil
}

func checkPayable(acc *Account, ev *ScheduledEvent, amount Amount) error {
	if ev.AccountID != acc.ID {
		return &NotFoundError{Kind: "event", ID: string(ev.ID)}
	}
	if ev.Status == EventPaid {
		return fmt.Errorf("%w: sequence %d", ErrAlreadyPaid, ev.Sequence)
	}
	if amount.Currency != ev.Expected.Currency {
		return &ValidationError{Field: "currency", Reason: fmt.Sprintf("event expects %s", ev.Expected.Currency)}
	}
	if err := checkScale("amount", amount); err != nil {
		return err
	}
	if amount.LessThan(ev.Expected) {
		return &InsufficientAmountError{EventID: ev.ID, Expected: ev.Expected, Paid: amount}
	}
	return nil
}

// markEventPaidTx locks the event and re-checks it before the paid transition.
func (l *Ledger) markEventPaidTx(ctx context.Context, tx Tx, acc *Account, id EventID, paid Amount, at time.Time) (*ScheduledEvent, error) {
	ev, err := tx.LockScheduledEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkPayable(acc, ev, paid); err != nil {
		return nil, err
	}
	ev.Status = EventPaid
	ev.PaidAmount = paid
	ev.PaidAt = &at
	if err := tx.UpdateScheduledEvent(ctx, *ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// applyPaidTx updates participant totals and the account after an entry became paid.
func (l *Ledger) applyPaidTx(ctx context.Context, tx Tx, acc *Account, entry *Entry) error {
	if entry.Kind == EntryContribution && entry.ParticipantID != "" {
		p, err := tx.GetParticipant(ctx, entry.ParticipantID)
		if err != nil {
			return err
		}
		p.TotalContributed = p.TotalContributed.Add(entry.Amount)
		if err := tx.UpdateParticipant(ctx, *p); err != nil {
			return err
		}
	}
	return l.recomputeTx(ctx, tx, acc)
}

// recomputeTx derives PaidTotal from the paid events and completes the account.
func (l *Ledger) recomputeTx(ctx context.Context, tx Tx, acc *Account) error {
	sum, err := tx.SumPaidEvents(ctx, acc.ID)
	if err != nil {
		return err
	}
	acc.PaidTotal = Amount{Value: sum, Currency: acc.Currency()}
	if acc.Status == AccountActive && acc.TotalExpected.IsPositive() && acc.PaidTotal.GreaterOrEqual(acc.TotalExpected) {
		acc.Status = AccountCompleted
		l.logger.Info("account completed", "account_id", acc.ID, "paid_total", acc.PaidTotal.String())
	}
	acc.UpdatedAt = l.now()
	return tx.UpdateAccount(ctx, *acc)
}

func duplicateEntryError(err error, e Entry) error {
	if !errors.Is(err, ErrDuplicate) {
		return err
	}
	switch e.Kind {
	case EntryContribution:
		return fmt.Errorf("%w: cycle %d", ErrAlreadyContributed, e.Cycle)
	case EntryPayout:
		return fmt.Errorf("%w: cycle %d", ErrPayoutExists, e.Cycle)
	case EntryInstallment:
		return fmt.Errorf("%w: sequence %d", ErrPaymentInFlight, e.Cycle)
	}
	return err
}

func (l *Ledger) paymentNotes(acc *Account, entry *Entry, typ NotificationType) []Notification {
	notes := []Notification{{
		Type:      typ,
		UserID:    entry.UserID,
		AccountID: entry.AccountID,
		EntryID:   entry.ID,
		EventID:   entry.EventID,
		Amount:    entry.Amount.Value.String(),
		Currency:  entry.Amount.Currency,
		Cycle:     entry.Cycle,
		Message:   fmt.Sprintf("Payment of %s for %s is %s", entry.Amount, acc.Name, entry.Status),
	}}
	if acc.OwnerID != entry.UserID {
		owner := notes[0]
		owner.UserID = acc.OwnerID
		notes = append(notes, owner)
	}
	if acc.Status == AccountCompleted {
		notes = append(notes, completedNote(acc))
	}
	return notes
}

func completedNote(acc *Account) Notification {
	return Notification{
		Type:      NotifyAccountCompleted,
		UserID:    acc.OwnerID,
		AccountID: acc.ID,
		Amount:    acc.PaidTotal.Value.String(),
		Currency:  acc.Currency(),
		Message:   fmt.Sprintf("%s is fully paid", acc.Name),
	}
}
