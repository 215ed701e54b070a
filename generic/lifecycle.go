/*
lifecycle.go - Account creation and schedule regeneration

PURPOSE:
  Creates an account together with its full schedule in one transaction,
  and replaces a schedule wholesale when its inputs change (a SOL member
  joins, an owner asks for a rebuild).

CREATE (single transaction):
  1. Insert the account with its computed end date and a zero total
  2. Generate the schedule
  3. Bulk-insert the scheduled events
  4. Update the account's TotalExpected to the schedule total
  Any failure rolls back all four steps; a partial schedule is never visible.

REGENERATE (single transaction, account row locked):
  Refused with ErrScheduleLocked once any event is paid or referenced by an
  in-flight entry. Otherwise deletes every event of the account, inserts
  the new schedule and rewrites TotalExpected and EndDate. Holding the
  account lock excludes concurrent payments, which lock the account first.

PLANNERS:
  The product packages decide what a schedule looks like (kind, policy,
  amount rule, recipients) through the Planner interface; this file only
  persists plans.

SEE ALSO:
  - schedule.go: GenerateSchedule
  - sol/service.go: Payout planner (one payout per member, by position)
  - tikane/service.go: Installment planner (fixed-day durations)
*/
package generic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kotize/savings-engine/metrics"
)

// SchedulePlan is a product's description of an account schedule.
type SchedulePlan struct {
	Kind    EventKind
	Request ScheduleRequest
	// Recipients holds one participant per payout slot, in sequence order.
	Recipients []ParticipantID
	// End overrides the schedule's own end date when set.
	End TimePoint
}

// Planner builds the schedule plan of an existing account.
type Planner interface {
	Plan(acc *Account, participants []Participant) (SchedulePlan, error)
}

func (p SchedulePlan) endDate(sched Schedule) TimePoint {
	if !p.End.IsZero() {
		return p.End
	}
	return sched.End
}

func (p SchedulePlan) events(accountID AccountID, sched Schedule) ([]ScheduledEvent, error) {
	if p.Kind != EventInstallment && p.Kind != EventPayout {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown event kind %q", p.Kind)}
	}
	if p.Kind == EventPayout && len(p.Recipients) != len(sched.Slots) {
		return nil, &ValidationError{Field: "recipients",
			Reason: fmt.Sprintf("%d recipients for %d payouts", len(p.Recipients), len(sched.Slots))}
	}

	events := make([]ScheduledEvent, 0, len(sched.Slots))
	for i, slot := range sched.Slots {
		ev := ScheduledEvent{
			ID:         EventID(NewID()),
			AccountID:  accountID,
			Kind:       p.Kind,
			Sequence:   slot.Sequence,
			DueDate:    slot.DueDate,
			Expected:   slot.Expected,
			Status:     EventPending,
			PaidAmount: slot.Expected.Zero(),
		}
		if p.Kind == EventPayout {
			ev.ParticipantID = p.Recipients[i]
		}
		events = append(events, ev)
	}
	return events, nil
}

// Lifecycle persists accounts and their schedules.
type Lifecycle struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewLifecycle(store Store, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// =============================================================================
// CREATE
// =============================================================================

// Create inserts acc and its schedule atomically.
func (m *Lifecycle) Create(ctx context.Context, acc Account, plan SchedulePlan) (*Account, error) {
	var created *Account
	err := m.store.WithTx(ctx, func(tx Tx) error {
		var err error
		created, err = m.CreateTx(ctx, tx, acc, plan)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("account created", "account_id", created.ID, "kind", created.Kind,
		"owner", created.OwnerID, "total_expected", created.TotalExpected.String(), "end_date", created.EndDate.String())
	return created, nil
}

// CreateTx runs the create steps inside the caller's transaction.
func (m *Lifecycle) CreateTx(ctx context.Context, tx Tx, acc Account, plan SchedulePlan) (*Account, error) {
	if acc.OwnerID == "" {
		return nil, &ValidationError{Field: "owner_id", Reason: "required"}
	}
	if acc.Kind != KindSOL && acc.Kind != KindTiKane {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown account kind %q", acc.Kind)}
	}
	if err := plan.Request.validate(); err != nil {
		return nil, err
	}

	end, err := plan.Request.Policy.Advance(plan.Request.Start, plan.Request.Frequency, plan.Request.Count)
	if err != nil {
		return nil, err
	}
	if !plan.End.IsZero() {
		end = plan.End
	}

	now := m.now()
	if acc.ID == "" {
		acc.ID = AccountID(NewID())
	}
	acc.Status = AccountActive
	acc.EndDate = end
	acc.TotalExpected = acc.BaseAmount.Zero()
	acc.PaidTotal = acc.BaseAmount.Zero()
	acc.CreatedAt = now
	acc.UpdatedAt = now

	if err := tx.InsertAccount(ctx, acc); err != nil {
		return nil, err
	}

	sched, err := GenerateSchedule(plan.Request)
	if err != nil {
		return nil, err
	}
	if err := m.insertSchedule(ctx, tx, acc.ID, plan, sched); err != nil {
		return nil, err
	}

	acc.TotalExpected = sched.Total
	if err := tx.UpdateAccount(ctx, acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// =============================================================================
// REGENERATE
// =============================================================================

// Regenerate rebuilds the schedule of an account the actor manages.
func (m *Lifecycle) Regenerate(ctx context.Context, id AccountID, actor Actor, planner Planner) (*Account, error) {
	var acc *Account
	err := m.store.WithTx(ctx, func(tx Tx) error {
		var err error
		acc, err = tx.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		if !actor.CanManage(acc) {
			return &NotFoundError{Kind: "account", ID: string(id)}
		}
		participants, err := tx.ListParticipants(ctx, id)
		if err != nil {
			return err
		}
		plan, err := planner.Plan(acc, participants)
		if err != nil {
			return err
		}
		return m.RegenerateTx(ctx, tx, acc, plan)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("schedule regenerated", "account_id", acc.ID, "total_expected", acc.TotalExpected.String())
	return acc, nil
}

// RegenerateTx replaces the schedule of acc, which the caller has locked.
func (m *Lifecycle) RegenerateTx(ctx context.Context, tx Tx, acc *Account, plan SchedulePlan) error {
	paid, err := tx.CountPaidEvents(ctx, acc.ID)
	if err != nil {
		return err
	}
	if paid > 0 {
		return fmt.Errorf("%w: %d paid events", ErrScheduleLocked, paid)
	}
	entries, err := tx.ListEntries(ctx, EntryFilter{AccountID: acc.ID})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.EventID != "" && (e.Status == EntryPending || e.Status == EntryInitiated || e.Status == EntryProcessing) {
			return fmt.Errorf("%w: entry %s is %s", ErrScheduleLocked, e.ID, e.Status)
		}
	}

	sched, err := GenerateSchedule(plan.Request)
	if err != nil {
		return err
	}
	if _, err := tx.DeleteScheduledEvents(ctx, acc.ID); err != nil {
		return err
	}
	if err := m.insertSchedule(ctx, tx, acc.ID, plan, sched); err != nil {
		return err
	}

	acc.TotalExpected = sched.Total
	acc.EndDate = plan.endDate(sched)
	acc.UpdatedAt = m.now()
	return tx.UpdateAccount(ctx, *acc)
}

func (m *Lifecycle) insertSchedule(ctx context.Context, tx Tx, accountID AccountID, plan SchedulePlan, sched Schedule) error {
	events, err := plan.events(accountID, sched)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := tx.InsertScheduledEvents(ctx, events); err != nil {
		return err
	}
	metrics.ScheduledEvents.WithLabelValues(string(plan.Kind)).Add(float64(len(events)))
	return nil
}
