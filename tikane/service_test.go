package tikane_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotize/savings-engine/generic"
	"github.com/kotize/savings-engine/store/sqlite"
	"github.com/kotize/savings-engine/tikane"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []generic.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n generic.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) ofType(typ generic.NotificationType) []generic.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []generic.Notification
	for _, n := range r.notes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	store    *sqlite.Store
	wallets  *generic.Wallets
	ledger   *generic.Ledger
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notifier := &recordingNotifier{}
	wallets := generic.NewWallets(store, nil)
	return &fixture{
		store:    store,
		wallets:  wallets,
		ledger:   generic.NewLedger(store, wallets, notifier, nil),
		notifier: notifier,
	}
}

func (f *fixture) service(opts ...tikane.Option) *tikane.Service {
	return tikane.NewService(f.store, generic.NewLifecycle(f.store, nil), f.ledger, f.notifier, nil, opts...)
}

func htg(v int64) generic.Amount { return generic.NewAmountFromInt(v, generic.CurrencyHTG) }

var march1 = generic.NewTimePoint(2025, time.March, 1)

// =============================================================================
// OPEN
// =============================================================================

func TestTiKane_OneMonthDaily(t *testing.T) {
	// GIVEN: base 100 HTG, duration 1m, fixed mode
	// WHEN: The account is opened
	// THEN: 30 daily installments of 100, total 3000, end date start + 30 days
	f := newFixture(t)
	ctx := context.Background()

	acc, err := f.service().Open(ctx, "alice", tikane.OpenInput{
		Amount: htg(100), Duration: "1m", Mode: generic.ModeFixed, StartDate: march1,
	})
	require.NoError(t, err)
	assert.Equal(t, "3000.00 HTG", acc.TotalExpected.String())
	assert.Equal(t, "2025-03-31", acc.EndDate.String())
	assert.Equal(t, generic.FrequencyDaily, acc.Frequency)
	assert.Equal(t, generic.AdvanceFixedDays, acc.Policy)

	events, err := f.store.ListScheduledEvents(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, events, 30)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Sequence)
		assert.Equal(t, "100.00 HTG", ev.Expected.String())
		assert.Equal(t, march1.AddDays(i).String(), ev.DueDate.String())
	}
}

func TestTiKane_DurationsAreFixedDays(t *testing.T) {
	tests := []struct {
		name      string
		duration  string
		frequency generic.Frequency
		count     int
		end       string
	}{
		{"3m daily", "3m", generic.FrequencyDaily, 90, "2025-05-30"},
		{"6m daily", "6m", generic.FrequencyDaily, 180, "2025-08-28"},
		{"3m weekly", "3m", generic.FrequencyWeekly, 12, "2025-05-30"},
		{"6m monthly", "6m", generic.FrequencyMonthly, 6, "2025-08-28"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			acc, err := f.service().Open(ctx, "alice", tikane.OpenInput{
				Amount: htg(50), Duration: tt.duration, Frequency: tt.frequency, StartDate: march1,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.end, acc.EndDate.String())

			events, err := f.store.ListScheduledEvents(ctx, acc.ID)
			require.NoError(t, err)
			assert.Len(t, events, tt.count)
			assert.Equal(t, htg(50).MulInt(tt.count).String(), acc.TotalExpected.String())
		})
	}
}

func TestTiKane_Open_Validation(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()

	_, err := svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(100), Duration: "2m"})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(100), Duration: "1m", Frequency: "hourly"})
	assert.ErrorIs(t, err, generic.ErrInvalidFrequency)

	_, err = svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(-5), Duration: "1m"})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(100), Duration: "1m", Mode: "random"})
	assert.ErrorIs(t, err, generic.ErrValidation)

	accounts, err := f.store.ListAccounts(ctx, generic.AccountFilter{})
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestTiKane_ProgressiveThreshold(t *testing.T) {
	// GIVEN: A service configured with a 250 HTG progressive threshold
	// WHEN: Accounts are opened without an explicit mode
	// THEN: Only the one below the threshold is progressive
	f := newFixture(t)
	svc := f.service(tikane.WithProgressiveBelow(decimal.NewFromInt(250)))
	ctx := context.Background()

	small, err := svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(10), Duration: "1m", StartDate: march1})
	require.NoError(t, err)
	assert.Equal(t, generic.ModeProgressive, small.Mode)
	// 10 x (1 + 2 + ... + 30)
	assert.Equal(t, "4650.00 HTG", small.TotalExpected.String())

	large, err := svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(250), Duration: "1m", StartDate: march1})
	require.NoError(t, err)
	assert.Equal(t, generic.ModeFixed, large.Mode)

	explicit, err := svc.Open(ctx, "alice", tikane.OpenInput{
		Amount: htg(10), Duration: "1m", Mode: generic.ModeFixed, StartDate: march1,
	})
	require.NoError(t, err)
	assert.Equal(t, generic.ModeFixed, explicit.Mode)
}

func TestTiKane_ThresholdOffByDefault(t *testing.T) {
	f := newFixture(t)
	acc, err := f.service().Open(context.Background(), "alice", tikane.OpenInput{Amount: htg(10), Duration: "1m"})
	require.NoError(t, err)
	assert.Equal(t, generic.ModeFixed, acc.Mode)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestTiKane_PayInstallmentsInOrder(t *testing.T) {
	// GIVEN: A funded owner with a 30-day account
	// WHEN: Two wallet payments and one cash payment are made without a sequence
	// THEN: They settle installments 1, 2 and target 3, and progress reflects it
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()

	acc, err := svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(100), Duration: "1m", StartDate: march1})
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, generic.WalletOp{UserID: "alice", Amount: htg(200)})
	require.NoError(t, err)

	first, err := svc.PayInstallment(ctx, acc.ID, "alice", tikane.PaymentInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Cycle)
	assert.Equal(t, generic.EntryPaid, first.Status)

	second, err := svc.PayInstallment(ctx, acc.ID, "alice", tikane.PaymentInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Cycle)

	cash, err := svc.PayInstallment(ctx, acc.ID, "alice", tikane.PaymentInput{Method: generic.MethodMonCash, Reference: "MC-42"})
	require.NoError(t, err)
	assert.Equal(t, 3, cash.Cycle)
	assert.Equal(t, generic.EntryPending, cash.Status)

	// The pending installment is skipped by the next payment
	_, err = svc.PayInstallment(ctx, acc.ID, "alice", tikane.PaymentInput{})
	assert.ErrorIs(t, err, generic.ErrInsufficientFunds)

	progress, err := svc.Progress(ctx, acc.ID, generic.NewTimePoint(2025, time.March, 6))
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Paid)
	assert.Equal(t, 28, progress.Remaining)
	assert.Equal(t, 3, progress.Overdue) // 3, 4 and 5
	require.NotNil(t, progress.NextDue)
	assert.Equal(t, 3, progress.NextDue.Sequence)
	assert.Equal(t, "200.00 HTG", progress.Account.PaidTotal.String())

	balance, err := f.wallets.Balance(ctx, "alice", generic.CurrencyHTG)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestTiKane_PayInstallment_ExplicitSequence(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()
	acc, err := svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(100), Duration: "1m", StartDate: march1})
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, generic.WalletOp{UserID: "alice", Amount: htg(1000)})
	require.NoError(t, err)

	entry, err := svc.PayInstallment(ctx, acc.ID, "alice", tikane.PaymentInput{Sequence: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, entry.Cycle)

	_, err = svc.PayInstallment(ctx, acc.ID, "alice", tikane.PaymentInput{Sequence: 7})
	assert.ErrorIs(t, err, generic.ErrAlreadyPaid)

	_, err = svc.PayInstallment(ctx, acc.ID, "alice", tikane.PaymentInput{Sequence: 31})
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = svc.PayInstallment(ctx, acc.ID, "alice", tikane.PaymentInput{Sequence: 8, Amount: htg(60)})
	assert.ErrorIs(t, err, generic.ErrInsufficientAmount)
}

func TestTiKane_PayInstallment_OnlyOwner(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()
	acc, err := svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(100), Duration: "1m"})
	require.NoError(t, err)

	_, err = svc.PayInstallment(ctx, acc.ID, "mallory", tikane.PaymentInput{Method: generic.MethodCash})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestTiKane_RegenerateBeforeAndAfterPayment(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()
	acc, err := svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(100), Duration: "1m", StartDate: march1})
	require.NoError(t, err)
	owner := generic.Actor{UserID: "alice"}

	regenerated, err := svc.Regenerate(ctx, acc.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, "3000.00 HTG", regenerated.TotalExpected.String())
	assert.Equal(t, "2025-03-31", regenerated.EndDate.String())

	_, err = svc.PayInstallment(ctx, acc.ID, "alice", tikane.PaymentInput{Method: generic.MethodCash})
	require.NoError(t, err)
	_, err = svc.Regenerate(ctx, acc.ID, owner)
	assert.ErrorIs(t, err, generic.ErrScheduleLocked)
}

func TestTiKane_NotifyOverdue(t *testing.T) {
	// GIVEN: Two accounts, one with its first installment paid
	// WHEN: The overdue sweep runs as of March 4
	// THEN: Each owner gets one notification summing what they owe
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()

	a, err := svc.Open(ctx, "alice", tikane.OpenInput{Amount: htg(100), Duration: "1m", StartDate: march1})
	require.NoError(t, err)
	_, err = svc.Open(ctx, "bob", tikane.OpenInput{Amount: htg(50), Duration: "1m", StartDate: march1})
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, generic.WalletOp{UserID: "alice", Amount: htg(100)})
	require.NoError(t, err)
	_, err = svc.PayInstallment(ctx, a.ID, "alice", tikane.PaymentInput{})
	require.NoError(t, err)

	n, err := svc.NotifyOverdue(ctx, generic.NewTimePoint(2025, time.March, 4))
	require.NoError(t, err)
	assert.Equal(t, 5, n) // alice 2-3, bob 1-3

	notes := f.notifier.ofType(generic.NotifyInstallmentOverdue)
	require.Len(t, notes, 2)
	owed := map[generic.UserID]string{}
	for _, note := range notes {
		owed[note.UserID] = note.Amount
	}
	assert.Equal(t, "200", owed["alice"])
	assert.Equal(t, "150", owed["bob"])
}
