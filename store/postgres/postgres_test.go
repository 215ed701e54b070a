package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kotize/savings-engine/generic"
	"github.com/kotize/savings-engine/store/postgres"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// newTestStore starts a disposable PostgreSQL, migrates it and returns a store.
// Skipped with -short or when no container runtime is available.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("savings"),
		tcpostgres.WithUsername("savings"),
		tcpostgres.WithPassword("savings"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("warning: failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(dsn))
	// A second run is a no-op
	require.NoError(t, postgres.Migrate(dsn))

	store, err := postgres.New(ctx, postgres.Config{DSN: dsn, MaxConns: 8, LockTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func htg(v int64) generic.Amount { return generic.NewAmountFromInt(v, generic.CurrencyHTG) }

var march1 = generic.NewTimePoint(2025, time.March, 1)

// =============================================================================
// INTEGRATION TESTS
// =============================================================================

func TestPostgres_CreateAndPayInstallments(t *testing.T) {
	// GIVEN: A 30-day account of 100 HTG created on PostgreSQL
	// WHEN: The first installment is paid from the wallet
	// THEN: The schedule, wallet and account totals match
	store := newTestStore(t)
	ctx := context.Background()
	wallets := generic.NewWallets(store, nil)
	ledger := generic.NewLedger(store, wallets, nil, nil)
	lifecycle := generic.NewLifecycle(store, nil)

	acc, err := lifecycle.Create(ctx, generic.Account{
		Kind: generic.KindTiKane, OwnerID: "alice", Name: "Ti Kanè", Frequency: generic.FrequencyDaily,
		Policy: generic.AdvanceFixedDays, BaseAmount: htg(100), Mode: generic.ModeFixed, StartDate: march1, Duration: "1m",
	}, generic.SchedulePlan{
		Kind: generic.EventInstallment,
		Request: generic.ScheduleRequest{
			Start: march1, Frequency: generic.FrequencyDaily, Policy: generic.AdvanceFixedDays, Count: 30,
			Rule: generic.AmountRule{Base: htg(100), Mode: generic.ModeFixed},
		},
	})
	require.NoError(t, err)

	stored, err := store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "3000.00 HTG", stored.TotalExpected.String())
	assert.Equal(t, "2025-03-31", stored.EndDate.String())

	events, err := store.ListScheduledEvents(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, events, 30)
	assert.Equal(t, "2025-03-01", events[0].DueDate.String())

	_, err = wallets.Credit(ctx, generic.WalletOp{UserID: "alice", Amount: htg(250), IdempotencyKey: "topup-1"})
	require.NoError(t, err)
	_, err = wallets.Credit(ctx, generic.WalletOp{UserID: "alice", Amount: htg(250), IdempotencyKey: "topup-1"})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	_, err = ledger.RecordEvent(ctx, generic.EntryInput{
		Kind: generic.EntryInstallment, AccountID: acc.ID, UserID: "alice", EventID: events[0].ID,
		Amount: htg(100), Cycle: 1,
	})
	require.NoError(t, err)

	_, err = ledger.MarkPaid(ctx, events[0].ID, htg(100), time.Time{}, generic.Actor{UserID: "alice"})
	assert.ErrorIs(t, err, generic.ErrAlreadyPaid)

	balance, err := wallets.Balance(ctx, "alice", generic.CurrencyHTG)
	require.NoError(t, err)
	assert.Equal(t, "150.00 HTG", balance.String())

	stored, err = store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00 HTG", stored.PaidTotal.String())
}

func TestPostgres_ConcurrentDebits_NeverOverdraw(t *testing.T) {
	// GIVEN: A wallet holding 100 HTG
	// WHEN: Ten debits of 30 HTG race on separate connections
	// THEN: Exactly three succeed and the balance is 10
	store := newTestStore(t)
	ctx := context.Background()
	wallets := generic.NewWallets(store, nil)

	_, err := wallets.Credit(ctx, generic.WalletOp{UserID: "bob", Amount: htg(100)})
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := wallets.Debit(ctx, generic.WalletOp{UserID: "bob", Amount: htg(30)}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, generic.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	balance, err := wallets.Balance(ctx, "bob", generic.CurrencyHTG)
	require.NoError(t, err)
	assert.Equal(t, "10.00 HTG", balance.String())
}

func TestPostgres_UniqueConstraintsMapToDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := store.WithTx(ctx, func(tx generic.Tx) error {
		return tx.InsertAccount(ctx, generic.Account{
			ID: "sol-1", Kind: generic.KindSOL, OwnerID: "u1", Name: "Sol", Frequency: generic.FrequencyWeekly,
			Policy: generic.AdvanceCalendar, BaseAmount: htg(500), Mode: generic.ModeFixed,
			StartDate: march1, EndDate: march1, TotalExpected: htg(0), PaidTotal: htg(0),
			Status: generic.AccountActive, MemberLimit: 4, CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)

	participant := func(id, user string, position int) generic.Participant {
		return generic.Participant{
			ID: generic.ParticipantID(id), AccountID: "sol-1", UserID: generic.UserID(user), Position: position,
			Status: generic.ParticipantActive, TotalContributed: htg(0), TotalReceived: htg(0), JoinedAt: now,
		}
	}
	require.NoError(t, store.WithTx(ctx, func(tx generic.Tx) error {
		return tx.InsertParticipant(ctx, participant("p1", "u1", 1))
	}))

	err = store.WithTx(ctx, func(tx generic.Tx) error {
		return tx.InsertParticipant(ctx, participant("p2", "u2", 1))
	})
	var dup *generic.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "uq_participants_position", dup.Constraint)

	var next int
	require.NoError(t, store.WithTx(ctx, func(tx generic.Tx) error {
		next, err = tx.NextPosition(ctx, "sol-1")
		return err
	}))
	assert.Equal(t, 2, next)
}
