package generic_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotize/savings-engine/generic"
	"github.com/kotize/savings-engine/store/sqlite"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

type recordingNotifier struct {
	mu    sync.Mutex
	notes []generic.Notification
	fail  bool
}

func (r *recordingNotifier) Notify(_ context.Context, n generic.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	if r.fail {
		return errors.New("broker down")
	}
	return nil
}

func (r *recordingNotifier) types() []generic.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]generic.NotificationType, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Type)
	}
	return out
}

type engine struct {
	store     *sqlite.Store
	wallets   *generic.Wallets
	ledger    *generic.Ledger
	lifecycle *generic.Lifecycle
	notifier  *recordingNotifier
}

func newEngine(t *testing.T) *engine {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notifier := &recordingNotifier{}
	wallets := generic.NewWallets(store, nil)
	return &engine{
		store:     store,
		wallets:   wallets,
		ledger:    generic.NewLedger(store, wallets, notifier, nil),
		lifecycle: generic.NewLifecycle(store, nil),
		notifier:  notifier,
	}
}

var march1 = generic.NewTimePoint(2025, time.March, 1)

// createInstallmentAccount opens a daily account of count installments of amount HTG.
func (e *engine) createInstallmentAccount(t *testing.T, owner string, amount int64, count int) *generic.Account {
	acc, err := e.lifecycle.Create(context.Background(), generic.Account{
		Kind:       generic.KindTiKane,
		OwnerID:    generic.UserID(owner),
		Name:       "Ti Kanè " + owner,
		Frequency:  generic.FrequencyDaily,
		Policy:     generic.AdvanceFixedDays,
		BaseAmount: htg(amount),
		Mode:       generic.ModeFixed,
		StartDate:  march1,
		Duration:   "1m",
	}, generic.SchedulePlan{
		Kind: generic.EventInstallment,
		Request: generic.ScheduleRequest{
			Start:     march1,
			Frequency: generic.FrequencyDaily,
			Policy:    generic.AdvanceFixedDays,
			Count:     count,
			Rule:      generic.AmountRule{Base: htg(amount), Mode: generic.ModeFixed},
		},
	})
	require.NoError(t, err)
	return acc
}

// createGroup creates a SOL account with the given members at positions 1..N
// and no schedule.
func (e *engine) createGroup(t *testing.T, owner string, members ...string) (*generic.Account, []generic.Participant) {
	ctx := context.Background()
	acc, err := e.lifecycle.Create(ctx, generic.Account{
		Kind:        generic.KindSOL,
		OwnerID:     generic.UserID(owner),
		Name:        "Sol " + owner,
		Frequency:   generic.FrequencyWeekly,
		Policy:      generic.AdvanceCalendar,
		BaseAmount:  htg(500),
		Mode:        generic.ModeFixed,
		StartDate:   march1,
		MemberLimit: 10,
	}, generic.SchedulePlan{
		Kind: generic.EventPayout,
		Request: generic.ScheduleRequest{
			Start:     march1,
			Frequency: generic.FrequencyWeekly,
			Policy:    generic.AdvanceCalendar,
			Rule:      generic.AmountRule{Base: htg(500), Mode: generic.ModeFixed},
		},
	})
	require.NoError(t, err)

	participants := make([]generic.Participant, 0, len(members))
	require.NoError(t, e.store.WithTx(ctx, func(tx generic.Tx) error {
		for i, m := range members {
			p := generic.Participant{
				ID:               generic.ParticipantID(generic.NewID()),
				AccountID:        acc.ID,
				UserID:           generic.UserID(m),
				Position:         i + 1,
				Status:           generic.ParticipantActive,
				TotalContributed: htg(0),
				TotalReceived:    htg(0),
				JoinedAt:         time.Now().UTC(),
			}
			if err := tx.InsertParticipant(ctx, p); err != nil {
				return err
			}
			participants = append(participants, p)
		}
		return nil
	}))
	return acc, participants
}

func (e *engine) fund(t *testing.T, user string, amount int64) {
	_, err := e.wallets.Credit(context.Background(), generic.WalletOp{UserID: generic.UserID(user), Amount: htg(amount)})
	require.NoError(t, err)
}

func (e *engine) events(t *testing.T, id generic.AccountID) []generic.ScheduledEvent {
	events, err := e.store.ListScheduledEvents(context.Background(), id)
	require.NoError(t, err)
	return events
}

func owner(id string) generic.Actor { return generic.Actor{UserID: generic.UserID(id)} }

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLifecycle_Create_PersistsScheduleAndTotal(t *testing.T) {
	// GIVEN: A 1-month daily account of 100 HTG
	// WHEN: It is created
	// THEN: 30 pending installments exist and TotalExpected is 3000
	e := newEngine(t)

	acc := e.createInstallmentAccount(t, "alice", 100, 30)

	assert.Equal(t, generic.AccountActive, acc.Status)
	assert.Equal(t, "3000.00 HTG", acc.TotalExpected.String())
	assert.Equal(t, "2025-03-31", acc.EndDate.String())

	stored, err := e.store.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "3000.00 HTG", stored.TotalExpected.String())

	events := e.events(t, acc.ID)
	require.Len(t, events, 30)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Sequence)
		assert.Equal(t, generic.EventPending, ev.Status)
		assert.True(t, ev.PaidAmount.IsZero())
	}
}

func TestLifecycle_Create_InvalidFrequency_NothingPersisted(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.lifecycle.Create(ctx, generic.Account{
		Kind: generic.KindTiKane, OwnerID: "alice", BaseAmount: htg(100), Mode: generic.ModeFixed, StartDate: march1,
	}, generic.SchedulePlan{
		Kind: generic.EventInstallment,
		Request: generic.ScheduleRequest{
			Start: march1, Frequency: "hourly", Policy: generic.AdvanceFixedDays, Count: 3,
			Rule: generic.AmountRule{Base: htg(100), Mode: generic.ModeFixed},
		},
	})
	assert.ErrorIs(t, err, generic.ErrInvalidFrequency)

	accounts, err := e.store.ListAccounts(ctx, generic.AccountFilter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

type fixedPlanner struct{ plan generic.SchedulePlan }

func (p fixedPlanner) Plan(*generic.Account, []generic.Participant) (generic.SchedulePlan, error) {
	return p.plan, nil
}

func TestLifecycle_Regenerate_ReplacesSchedule(t *testing.T) {
	e := newEngine(t)
	acc := e.createInstallmentAccount(t, "alice", 100, 30)

	planner := fixedPlanner{generic.SchedulePlan{
		Kind: generic.EventInstallment,
		Request: generic.ScheduleRequest{
			Start: march1, Frequency: generic.FrequencyWeekly, Policy: generic.AdvanceFixedDays, Count: 4,
			Rule: generic.AmountRule{Base: htg(100), Mode: generic.ModeFixed},
		},
	}}

	updated, err := e.lifecycle.Regenerate(context.Background(), acc.ID, owner("alice"), planner)
	require.NoError(t, err)

	assert.Equal(t, "400.00 HTG", updated.TotalExpected.String())
	assert.Equal(t, "2025-03-29", updated.EndDate.String())
	assert.Len(t, e.events(t, acc.ID), 4)
}

func TestLifecycle_Regenerate_RefusedAfterPayment(t *testing.T) {
	// GIVEN: An account with one installment paid
	// WHEN: The schedule is regenerated
	// THEN: ErrScheduleLocked and the schedule is unchanged
	e := newEngine(t)
	ctx := context.Background()
	acc := e.createInstallmentAccount(t, "alice", 100, 30)

	_, err := e.ledger.MarkPaid(ctx, e.events(t, acc.ID)[0].ID, htg(100), time.Time{}, owner("alice"))
	require.NoError(t, err)

	_, err = e.lifecycle.Regenerate(ctx, acc.ID, owner("alice"), fixedPlanner{})
	assert.ErrorIs(t, err, generic.ErrScheduleLocked)
	assert.Len(t, e.events(t, acc.ID), 30)
}

func TestLifecycle_Regenerate_StrangerSeesNotFound(t *testing.T) {
	e := newEngine(t)
	acc := e.createInstallmentAccount(t, "alice", 100, 30)

	_, err := e.lifecycle.Regenerate(context.Background(), acc.ID, owner("mallory"), fixedPlanner{})
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// LEDGER - INSTALLMENTS
// =============================================================================

func TestLedger_MarkPaidTwice_AlreadyPaid(t *testing.T) {
	// GIVEN: A pending installment
	// WHEN: It is marked paid twice
	// THEN: The second call fails with ErrAlreadyPaid and PaidTotal counts it once
	e := newEngine(t)
	ctx := context.Background()
	acc := e.createInstallmentAccount(t, "alice", 100, 30)
	ev := e.events(t, acc.ID)[0]

	paid, err := e.ledger.MarkPaid(ctx, ev.ID, htg(100), time.Time{}, owner("alice"))
	require.NoError(t, err)
	assert.Equal(t, generic.EventPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	_, err = e.ledger.MarkPaid(ctx, ev.ID, htg(100), time.Time{}, owner("alice"))
	assert.ErrorIs(t, err, generic.ErrAlreadyPaid)

	stored, err := e.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00 HTG", stored.PaidTotal.String())
}

func TestLedger_MarkPaid_BelowExpected(t *testing.T) {
	e := newEngine(t)
	acc := e.createInstallmentAccount(t, "alice", 100, 30)

	_, err := e.ledger.MarkPaid(context.Background(), e.events(t, acc.ID)[0].ID, htg(99), time.Time{}, owner("alice"))

	var short *generic.InsufficientAmountError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "100.00 HTG", short.Expected.String())
	assert.ErrorIs(t, err, generic.ErrInsufficientAmount)
}

func TestLedger_WalletInstallment_DebitsAndSettles(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	acc := e.createInstallmentAccount(t, "alice", 100, 30)
	ev := e.events(t, acc.ID)[0]
	e.fund(t, "alice", 150)

	entry, err := e.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "alice", EventID: ev.ID,
		Amount: htg(100), Cycle: ev.Sequence, Method: generic.MethodWallet,
	})
	require.NoError(t, err)
	assert.Equal(t, generic.EntryPaid, entry.Status)

	balance, err := e.wallets.Balance(ctx, "alice", generic.CurrencyHTG)
	require.NoError(t, err)
	assert.Equal(t, "50.00 HTG", balance.String())

	assert.Equal(t, generic.EventPaid, e.events(t, acc.ID)[0].Status)
	assert.Contains(t, e.notifier.types(), generic.NotifyPaymentReceived)
}

func TestLedger_WalletInstallment_InsufficientFunds_RollsBack(t *testing.T) {
	// GIVEN: A wallet holding less than the installment
	// WHEN: Paying from the wallet
	// THEN: Nothing changes: no entry, event still pending
	e := newEngine(t)
	ctx := context.Background()
	acc := e.createInstallmentAccount(t, "alice", 100, 30)
	ev := e.events(t, acc.ID)[0]
	e.fund(t, "alice", 60)

	_, err := e.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "alice", EventID: ev.ID,
		Amount: htg(100), Cycle: 1,
	})
	assert.ErrorIs(t, err, generic.ErrInsufficientFunds)

	entries, err := e.ledger.Entries(ctx, generic.EntryFilter{AccountID: acc.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, generic.EventPending, e.events(t, acc.ID)[0].Status)
}

func TestLedger_PendingInstallment_ApproveOnce(t *testing.T) {
	// GIVEN: A cash installment awaiting approval
	// WHEN: The owner approves it, then approves again
	// THEN: The first approval settles the event, the second fails with ErrNotPending
	e := newEngine(t)
	ctx := context.Background()
	acc := e.createInstallmentAccount(t, "alice", 100, 30)
	ev := e.events(t, acc.ID)[0]

	entry, err := e.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "bob", EventID: ev.ID,
		Amount: htg(100), Cycle: 1, Method: generic.MethodMonCash, Reference: "MC-123",
	})
	require.NoError(t, err)
	assert.Equal(t, generic.EntryPending, entry.Status)
	assert.Equal(t, generic.EventPending, e.events(t, acc.ID)[0].Status)

	// A second payment for the same event is refused while the first is pending
	_, err = e.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "bob", EventID: ev.ID,
		Amount: htg(100), Cycle: 1, Method: generic.MethodCash,
	})
	assert.ErrorIs(t, err, generic.ErrPaymentInFlight)

	approved, err := e.ledger.Approve(ctx, entry.ID, owner("alice"))
	require.NoError(t, err)
	assert.Equal(t, generic.EntryPaid, approved.Status)
	assert.Equal(t, generic.UserID("alice"), approved.ProcessedBy)
	assert.Equal(t, generic.EventPaid, e.events(t, acc.ID)[0].Status)

	_, err = e.ledger.Approve(ctx, entry.ID, owner("alice"))
	assert.ErrorIs(t, err, generic.ErrNotPending)
}

func TestLedger_ConcurrentApprovals_OneWins(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	acc := e.createInstallmentAccount(t, "alice", 100, 30)
	ev := e.events(t, acc.ID)[0]

	entry, err := e.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "alice", EventID: ev.ID,
		Amount: htg(100), Cycle: 1, Method: generic.MethodCash,
	})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ledger.Approve(ctx, entry.ID, generic.Actor{UserID: "admin", Admin: true})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, generic.ErrNotPending)
	}
	assert.Equal(t, 1, ok)

	stored, err := e.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00 HTG", stored.PaidTotal.String())
}

func TestLedger_Reject(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	acc := e.createInstallmentAccount(t, "alice", 100, 30)
	ev := e.events(t, acc.ID)[0]

	entry, err := e.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "alice", EventID: ev.ID,
		Amount: htg(100), Cycle: 1, Method: generic.MethodBankTransfer,
	})
	require.NoError(t, err)

	// Only the owner or an admin may decide
	_, err = e.ledger.Reject(ctx, entry.ID, owner("mallory"), "nope")
	assert.True(t, generic.IsNotFound(err))

	rejected, err := e.ledger.Reject(ctx, entry.ID, owner("alice"), "transfer not received")
	require.NoError(t, err)
	assert.Equal(t, generic.EntryRejected, rejected.Status)
	assert.Equal(t, "transfer not received", rejected.Reason)

	_, err = e.ledger.Approve(ctx, entry.ID, owner("alice"))
	assert.ErrorIs(t, err, generic.ErrNotPending)

	// A rejected payment frees the event for a new attempt
	_, err = e.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "alice", EventID: ev.ID,
		Amount: htg(100), Cycle: 1, Method: generic.MethodCash,
	})
	assert.NoError(t, err)
	assert.Contains(t, e.notifier.types(), generic.NotifyPaymentRejected)
}

func TestLedger_AllInstallmentsPaid_CompletesAccount(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	acc := e.createInstallmentAccount(t, "alice", 100, 3)

	for _, ev := range e.events(t, acc.ID) {
		_, err := e.ledger.MarkPaid(ctx, ev.ID, htg(100), time.Time{}, owner("alice"))
		require.NoError(t, err)
	}

	stored, err := e.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.AccountCompleted, stored.Status)
	assert.Equal(t, "300.00 HTG", stored.PaidTotal.String())
	assert.Contains(t, e.notifier.types(), generic.NotifyAccountCompleted)

	// A completed account accepts no further payments
	_, err = e.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "alice", Amount: htg(100), Cycle: 1,
		Method: generic.MethodCash,
	})
	assert.ErrorIs(t, err, generic.ErrAccountInactive)
}

func TestLedger_NotificationFailure_DoesNotFailOperation(t *testing.T) {
	e := newEngine(t)
	e.notifier.fail = true
	acc := e.createInstallmentAccount(t, "alice", 100, 30)

	_, err := e.ledger.RecordEvent(context.Background(), generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "alice", EventID: e.events(t, acc.ID)[0].ID,
		Amount: htg(100), Cycle: 1, Method: generic.MethodCash,
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, e.notifier.types())
}

func TestLedger_RecordEvent_Validation(t *testing.T) {
	e := newEngine(t)
	acc := e.createInstallmentAccount(t, "alice", 100, 30)

	tests := []struct {
		name string
		in   generic.EntryInput
	}{
		{"payout kind", generic.EntryInput{Kind: generic.EntryPayout, AccountID: acc.ID, UserID: "a", Amount: htg(1), Cycle: 1}},
		{"zero amount", generic.EntryInput{Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "a", Amount: htg(0), Cycle: 1}},
		{"zero cycle", generic.EntryInput{Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "a", Amount: htg(1)}},
		{"unknown method", generic.EntryInput{Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "a", Amount: htg(1), Cycle: 1, Method: "barter"}},
		{"wrong currency", generic.EntryInput{Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "a",
			Amount: generic.NewAmountFromInt(1, generic.CurrencyUSD), Cycle: 1, Method: generic.MethodCash}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ledger.RecordEvent(context.Background(), tt.in)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}
}

// =============================================================================
// READINESS AND PAYOUTS
// =============================================================================

func TestReadiness_AllMembersMustPay(t *testing.T) {
	// GIVEN: A group of three members
	// WHEN: Two of them have paid cycle 1
	// THEN: The cycle is not ready; after the third pays it is
	e := newEngine(t)
	ctx := context.Background()
	acc, members := e.createGroup(t, "alice", "alice", "bob", "carol")

	pay := func(p generic.Participant) {
		e.fund(t, string(p.UserID), 500)
		_, err := e.ledger.RecordEvent(ctx, generic.EntryInput{
			Kind: generic.EntryContribution, AccountID: acc.ID, ParticipantID: p.ID, UserID: p.UserID,
			Amount: htg(500), Cycle: 1,
		})
		require.NoError(t, err)
	}

	pay(members[0])
	pay(members[1])

	progress, err := generic.EvaluateCycle(ctx, e.store, acc.ID, 1)
	require.NoError(t, err)
	assert.False(t, progress.Ready)
	assert.Equal(t, 2, progress.Paid)
	assert.Equal(t, 1, progress.Remaining())

	pay(members[2])

	ready, err := generic.IsCycleReady(ctx, e.store, acc.ID, 1)
	require.NoError(t, err)
	assert.True(t, ready)

	// Cycle 2 has no contributions yet
	ready, err = generic.IsCycleReady(ctx, e.store, acc.ID, 2)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestReadiness_PendingContributionsDoNotCount(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	acc, members := e.createGroup(t, "alice", "alice", "bob")

	for _, p := range members {
		_, err := e.ledger.RecordEvent(ctx, generic.EntryInput{
			Kind: generic.EntryContribution, AccountID: acc.ID, ParticipantID: p.ID, UserID: p.UserID,
			Amount: htg(500), Cycle: 1, Method: generic.MethodCash,
		})
		require.NoError(t, err)
	}

	ready, err := generic.IsCycleReady(ctx, e.store, acc.ID, 1)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestReadiness_EmptyGroupIsNeverReady(t *testing.T) {
	e := newEngine(t)
	acc, _ := e.createGroup(t, "alice")

	ready, err := generic.IsCycleReady(context.Background(), e.store, acc.ID, 1)
	require.NoError(t, err)
	assert.False(t, ready)

	_, err = generic.EvaluateCycle(context.Background(), e.store, acc.ID, 0)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestLedger_ContributionTwicePerCycle_Refused(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	acc, members := e.createGroup(t, "alice", "alice")
	e.fund(t, "alice", 1000)

	in := generic.EntryInput{
		Kind: generic.EntryContribution, AccountID: acc.ID, ParticipantID: members[0].ID, UserID: "alice",
		Amount: htg(500), Cycle: 1,
	}
	_, err := e.ledger.RecordEvent(ctx, in)
	require.NoError(t, err)

	_, err = e.ledger.RecordEvent(ctx, in)
	assert.ErrorIs(t, err, generic.ErrAlreadyContributed)

	balance, err := e.wallets.Balance(ctx, "alice", generic.CurrencyHTG)
	require.NoError(t, err)
	assert.Equal(t, "500.00 HTG", balance.String(), "the refused contribution is not debited")

	p, err := e.store.GetParticipant(ctx, members[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "500.00 HTG", p.TotalContributed.String())
}

func TestLedger_PayoutLifecycle(t *testing.T) {
	// GIVEN: An initiated payout for cycle 1
	// WHEN: It is advanced twice
	// THEN: It completes, credits the recipient and marks the event paid;
	//       a further advance is an invalid transition
	e := newEngine(t)
	ctx := context.Background()
	acc, members := e.createGroup(t, "alice", "alice", "bob")

	// Give the group a payout schedule
	planner := fixedPlanner{generic.SchedulePlan{
		Kind: generic.EventPayout,
		Request: generic.ScheduleRequest{
			Start: march1, Frequency: generic.FrequencyWeekly, Policy: generic.AdvanceCalendar, Count: 2,
			Rule: generic.AmountRule{Base: htg(1000), Mode: generic.ModeFixed},
		},
		Recipients: []generic.ParticipantID{members[0].ID, members[1].ID},
	}}
	acc, err := e.lifecycle.Regenerate(ctx, acc.ID, owner("alice"), planner)
	require.NoError(t, err)
	payoutEvent := e.events(t, acc.ID)[0]

	var entry *generic.Entry
	require.NoError(t, e.store.WithTx(ctx, func(tx generic.Tx) error {
		locked, err := tx.LockAccount(ctx, acc.ID)
		if err != nil {
			return err
		}
		entry, err = e.ledger.InitiatePayoutTx(ctx, tx, locked, &payoutEvent, &members[0], owner("alice"))
		return err
	}))
	assert.Equal(t, generic.EntryInitiated, entry.Status)

	// MarkPaid cannot settle payout events
	_, err = e.ledger.MarkPaid(ctx, payoutEvent.ID, htg(1000), time.Time{}, owner("alice"))
	assert.ErrorIs(t, err, generic.ErrValidation)

	step, err := e.ledger.AdvancePayout(ctx, entry.ID, owner("alice"))
	require.NoError(t, err)
	assert.Equal(t, generic.EntryProcessing, step.Status)

	step, err = e.ledger.AdvancePayout(ctx, entry.ID, owner("alice"))
	require.NoError(t, err)
	assert.Equal(t, generic.EntryCompleted, step.Status)

	_, err = e.ledger.AdvancePayout(ctx, entry.ID, owner("alice"))
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	balance, err := e.wallets.Balance(ctx, "alice", generic.CurrencyHTG)
	require.NoError(t, err)
	assert.Equal(t, "1000.00 HTG", balance.String())

	recipient, err := e.store.GetParticipant(ctx, members[0].ID)
	require.NoError(t, err)
	assert.Equal(t, generic.ParticipantPaidOut, recipient.Status)
	assert.Equal(t, "1000.00 HTG", recipient.TotalReceived.String())

	stored, err := e.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000.00 HTG", stored.PaidTotal.String())
	assert.Equal(t, generic.AccountActive, stored.Status)
	assert.Contains(t, e.notifier.types(), generic.NotifyPayoutCompleted)
}

func TestLedger_MarkPaid_RefusedWhilePaymentPending(t *testing.T) {
	// GIVEN: A cash installment awaiting approval for event 1
	// WHEN: The owner marks event 1 paid directly
	// THEN: It is refused with ErrPaymentInFlight and the pending entry can
	//       still be approved; once rejected instead, MarkPaid goes through
	e := newEngine(t)
	ctx := context.Background()
	acc := e.createInstallmentAccount(t, "alice", 100, 30)
	events := e.events(t, acc.ID)

	cash := func(ev generic.ScheduledEvent) *generic.Entry {
		entry, err := e.ledger.RecordEvent(ctx, generic.EntryInput{
			Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "alice", EventID: ev.ID,
			Amount: htg(100), Cycle: ev.Sequence, Method: generic.MethodCash,
		})
		require.NoError(t, err)
		return entry
	}

	first := cash(events[0])
	_, err := e.ledger.MarkPaid(ctx, events[0].ID, htg(100), time.Time{}, owner("alice"))
	assert.ErrorIs(t, err, generic.ErrPaymentInFlight)
	assert.Equal(t, generic.EventPending, e.events(t, acc.ID)[0].Status)

	approved, err := e.ledger.Approve(ctx, first.ID, owner("alice"))
	require.NoError(t, err)
	assert.Equal(t, generic.EntryPaid, approved.Status)

	second := cash(events[1])
	_, err = e.ledger.Reject(ctx, second.ID, owner("alice"), "counterfeit note")
	require.NoError(t, err)
	paid, err := e.ledger.MarkPaid(ctx, events[1].ID, htg(100), time.Time{}, owner("alice"))
	require.NoError(t, err)
	assert.Equal(t, generic.EventPaid, paid.Status)

	stored, err := e.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "200.00 HTG", stored.PaidTotal.String())
}

// =============================================================================
// WALLETS AND AMOUNTS
// =============================================================================

func TestWallets_GetOrCreate_Idempotent(t *testing.T) {
	// GIVEN: A user without a wallet
	// WHEN: GetOrCreate is called twice for the same currency
	// THEN: Both calls return the same zero-balance wallet and one row exists
	e := newEngine(t)
	ctx := context.Background()

	first, err := e.wallets.GetOrCreate(ctx, "alice", generic.CurrencyHTG)
	require.NoError(t, err)
	second, err := e.wallets.GetOrCreate(ctx, "alice", generic.CurrencyHTG)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "0.00 HTG", second.Balance.String())

	// A second currency is a second wallet
	usd, err := e.wallets.GetOrCreate(ctx, "alice", generic.CurrencyUSD)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, usd.ID)

	wallets, err := e.wallets.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, wallets, 2)

	// Existing balances are returned untouched
	e.fund(t, "alice", 250)
	again, err := e.wallets.GetOrCreate(ctx, "alice", generic.CurrencyHTG)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "250.00 HTG", again.Balance.String())
}

func TestAmounts_MoreThanTwoDecimals_Rejected(t *testing.T) {
	// GIVEN: Amounts finer than a cent
	// WHEN: They reach parsing, wallets, the ledger or the schedule generator
	// THEN: Each boundary returns a validation error and nothing is stored
	e := newEngine(t)
	ctx := context.Background()
	subCent := func(s string) generic.Amount {
		return generic.Amount{Value: generic.MustParseDecimal(s), Currency: generic.CurrencyHTG}
	}

	_, err := generic.ParseAmount("0.005", generic.CurrencyHTG)
	assert.ErrorIs(t, err, generic.ErrValidation)
	exact, err := generic.ParseAmount("10.500", generic.CurrencyHTG)
	require.NoError(t, err, "trailing zeros lose nothing")
	assert.Equal(t, "10.50 HTG", exact.String())

	e.fund(t, "alice", 1)
	_, err = e.wallets.Debit(ctx, generic.WalletOp{UserID: "alice", Amount: subCent("0.005")})
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = e.wallets.Credit(ctx, generic.WalletOp{UserID: "alice", Amount: subCent("0.0001")})
	assert.ErrorIs(t, err, generic.ErrValidation)

	balance, err := e.wallets.Balance(ctx, "alice", generic.CurrencyHTG)
	require.NoError(t, err)
	assert.Equal(t, "1.00 HTG", balance.String())
	history, err := e.wallets.History(ctx, "alice", generic.CurrencyHTG, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1, "only the funding credit is recorded")

	acc := e.createInstallmentAccount(t, "alice", 100, 30)
	ev := e.events(t, acc.ID)[0]
	_, err = e.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "alice", EventID: ev.ID,
		Amount: subCent("100.001"), Cycle: 1, Method: generic.MethodCash,
	})
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = e.ledger.MarkPaid(ctx, ev.ID, subCent("100.001"), time.Time{}, owner("alice"))
	assert.ErrorIs(t, err, generic.ErrValidation)
	assert.Equal(t, generic.EventPending, e.events(t, acc.ID)[0].Status)

	_, err = generic.GenerateSchedule(generic.ScheduleRequest{
		Start: march1, Frequency: generic.FrequencyDaily, Policy: generic.AdvanceFixedDays, Count: 3,
		Rule: generic.AmountRule{Base: subCent("12.345"), Mode: generic.ModeProgressive},
	})
	assert.ErrorIs(t, err, generic.ErrValidation)
}
