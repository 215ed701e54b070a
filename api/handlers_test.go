/*
handlers_test.go - HTTP tests for the savings API

Tests for:
- Wallet top-up, idempotency and insufficient funds
- SOL group lifecycle end to end (create, join, contribute, payout)
- Ti Kanè progress and the approval workflow
- Authorization (anonymous, non-owner, admin)
- Error category to status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotize/savings-engine/factory"
	"github.com/kotize/savings-engine/generic"
	"github.com/kotize/savings-engine/logging"
	"github.com/kotize/savings-engine/sol"
	"github.com/kotize/savings-engine/store/sqlite"
	"github.com/kotize/savings-engine/tikane"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

type testServer struct {
	*httptest.Server
	handler *Handler
	auth    *Authenticator
	store   *sqlite.Store
	sweeps  *SweepScheduler
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logging.New(io.Discard, slog.LevelError)
	wallets := generic.NewWallets(store, logger)
	ledger := generic.NewLedger(store, wallets, nil, logger)
	lifecycle := generic.NewLifecycle(store, logger)
	solSvc := sol.NewService(store, lifecycle, ledger, nil, logger)
	tkSvc := tikane.NewService(store, lifecycle, ledger, nil, logger)
	catalog, err := factory.DefaultCatalog()
	require.NoError(t, err)

	auth := NewAuthenticator(secret, []string{"admin"})
	sweeps := NewSweepScheduler(solSvc, tkSvc, logger, SweepOptions{})
	h := NewHandler(Deps{
		Store:   store,
		Health:  store,
		Wallets: wallets,
		Ledger:  ledger,
		SOL:     solSvc,
		TiKane:  tkSvc,
		Catalog: catalog,
		Auth:    auth,
		Sweeps:  sweeps,
		Logger:  logger,
	})
	srv := httptest.NewServer(NewRouter(h, RouterOptions{Timeout: 5 * time.Second, Scenarios: true}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, handler: h, auth: auth, store: store, sweeps: sweeps}
}

type call struct {
	method string
	path   string
	user   string
	body   any
	key    string // Idempotency-Key
}

// do sends c and returns the status and raw body.
func (s *testServer) do(t *testing.T, c call) (int, []byte) {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(c.method, s.URL+c.path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		if s.auth.UsesTokens() {
			token, err := s.auth.IssueToken(generic.UserID(c.user))
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		} else {
			req.Header.Set("X-User-ID", c.user)
		}
	}
	if c.key != "" {
		req.Header.Set("Idempotency-Key", c.key)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

// expect sends c, asserts the status and decodes the body into out.
func (s *testServer) expect(t *testing.T, c call, status int, out any) {
	t.Helper()
	got, raw := s.do(t, c)
	require.Equal(t, status, got, "%s %s: %s", c.method, c.path, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out))
	}
}

func (s *testServer) topUp(t *testing.T, user, currency, amount string) {
	t.Helper()
	s.expect(t, call{method: "POST", path: "/api/wallets/" + currency + "/credit", user: user,
		body: WalletOpRequest{Amount: amount}}, http.StatusCreated, nil)
}

func (s *testServer) balance(t *testing.T, user, currency string) string {
	t.Helper()
	var w WalletDTO
	s.expect(t, call{method: "GET", path: "/api/wallets/" + currency, user: user}, http.StatusOK, &w)
	return w.Balance
}

// =============================================================================
// WALLETS
// =============================================================================

func TestAPI_WalletCreditDebit(t *testing.T) {
	s := newTestServer(t, "")

	// GIVEN: A credit with an idempotency key
	var credit WalletTransactionDTO
	s.expect(t, call{method: "POST", path: "/api/wallets/htg/credit", user: "alice", key: "topup-1",
		body: WalletOpRequest{Amount: "1000", Reason: "moncash top-up"}}, http.StatusCreated, &credit)
	assert.Equal(t, "1000.00", credit.BalanceAfter)
	assert.Equal(t, "HTG", credit.Currency)

	// WHEN: The same key is replayed
	status, _ := s.do(t, call{method: "POST", path: "/api/wallets/HTG/credit", user: "alice", key: "topup-1",
		body: WalletOpRequest{Amount: "1000"}})

	// THEN: It is refused and the balance is unchanged
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "1000.00", s.balance(t, "alice", "HTG"))

	// Overdraft is refused with 422
	status, _ = s.do(t, call{method: "POST", path: "/api/wallets/HTG/debit", user: "alice",
		body: WalletOpRequest{Amount: "1500"}})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	var debit WalletTransactionDTO
	s.expect(t, call{method: "POST", path: "/api/wallets/HTG/debit", user: "alice",
		body: WalletOpRequest{Amount: "400"}}, http.StatusCreated, &debit)
	assert.Equal(t, "-400.00", debit.Delta)
	assert.Equal(t, "600.00", s.balance(t, "alice", "HTG"))

	var history []WalletTransactionDTO
	s.expect(t, call{method: "GET", path: "/api/wallets/HTG/transactions", user: "alice"}, http.StatusOK, &history)
	require.Len(t, history, 2)

	var wallets []WalletDTO
	s.expect(t, call{method: "GET", path: "/api/wallets", user: "alice"}, http.StatusOK, &wallets)
	assert.Len(t, wallets, 1)

	// Bob sees only his own (empty) wallet
	assert.Equal(t, "0.00", s.balance(t, "bob", "HTG"))
}

func TestAPI_WalletValidation(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name string
		c    call
		want int
	}{
		{"bad currency", call{method: "GET", path: "/api/wallets/gourdes", user: "alice"}, http.StatusBadRequest},
		{"non-numeric amount", call{method: "POST", path: "/api/wallets/HTG/credit", user: "alice", body: WalletOpRequest{Amount: "ten"}}, http.StatusBadRequest},
		{"negative amount", call{method: "POST", path: "/api/wallets/HTG/credit", user: "alice", body: WalletOpRequest{Amount: "-5"}}, http.StatusBadRequest},
		{"sub-cent amount", call{method: "POST", path: "/api/wallets/HTG/debit", user: "alice", body: WalletOpRequest{Amount: "0.005"}}, http.StatusBadRequest},
		{"bad limit", call{method: "GET", path: "/api/wallets/HTG/transactions?limit=0", user: "alice"}, http.StatusBadRequest},
		{"anonymous", call{method: "GET", path: "/api/wallets"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(t, tt.c)
			assert.Equal(t, tt.want, status, string(body))
		})
	}
}

// =============================================================================
// SOL
// =============================================================================

func TestAPI_SolRotation(t *testing.T) {
	s := newTestServer(t, "")
	s.topUp(t, "alice", "HTG", "5000")
	s.topUp(t, "bob", "HTG", "5000")

	// GIVEN: Alice opens a weekly group from the catalog and joins it
	var group GroupResponse
	s.expect(t, call{method: "POST", path: "/api/sol/groups", user: "alice", body: CreateGroupRequest{
		ProductID: "sol-weekly-500",
		Name:      "Lakou Delmas",
		StartDate: "2025-03-03",
		Join:      true,
	}}, http.StatusCreated, &group)
	id := group.Account.ID
	assert.Equal(t, "sol", group.Account.Kind)
	assert.Equal(t, "500.00", group.PayoutAmount)
	require.Len(t, group.Participants, 1)

	// WHEN: Bob joins
	var bob ParticipantDTO
	s.expect(t, call{method: "POST", path: "/api/sol/groups/" + id + "/join", user: "bob"}, http.StatusCreated, &bob)
	assert.Equal(t, 2, bob.Position)

	// THEN: The pot and schedule grow with membership
	s.expect(t, call{method: "GET", path: "/api/sol/groups/" + id, user: "bob"}, http.StatusOK, &group)
	assert.Equal(t, "1000.00", group.PayoutAmount)
	require.Len(t, group.Schedule, 2)
	assert.Equal(t, "2025-03-03", group.Schedule[0].DueDate)
	assert.Equal(t, "2025-03-10", group.Schedule[1].DueDate)

	// Cycle 1 with one of two paid is not ready
	var entry EntryDTO
	s.expect(t, call{method: "POST", path: "/api/sol/groups/" + id + "/contributions", user: "bob",
		body: ContributeRequest{Cycle: 1}}, http.StatusCreated, &entry)
	assert.Equal(t, "paid", entry.Status)
	assert.Equal(t, "500.00", entry.Amount)

	var cycle CycleDTO
	s.expect(t, call{method: "GET", path: "/api/sol/groups/" + id + "/cycles/1", user: "alice"}, http.StatusOK, &cycle)
	assert.False(t, cycle.Ready)
	assert.Equal(t, 1, cycle.Remaining)

	status, _ := s.do(t, call{method: "POST", path: "/api/sol/groups/" + id + "/cycles/1/payout", user: "alice"})
	assert.Equal(t, http.StatusConflict, status)

	s.expect(t, call{method: "POST", path: "/api/sol/groups/" + id + "/contributions", user: "alice",
		body: ContributeRequest{Cycle: 1}}, http.StatusCreated, nil)
	s.expect(t, call{method: "GET", path: "/api/sol/groups/" + id + "/cycles/1", user: "alice"}, http.StatusOK, &cycle)
	assert.True(t, cycle.Ready)

	// Only the organizer can pay out
	status, _ = s.do(t, call{method: "POST", path: "/api/sol/groups/" + id + "/cycles/1/payout", user: "bob"})
	assert.Equal(t, http.StatusNotFound, status)

	var payout EntryDTO
	s.expect(t, call{method: "POST", path: "/api/sol/groups/" + id + "/cycles/1/payout", user: "alice"}, http.StatusCreated, &payout)
	assert.Equal(t, "payout", payout.Kind)
	assert.Equal(t, "initiated", payout.Status)
	assert.Equal(t, "1000.00", payout.Amount)

	s.expect(t, call{method: "POST", path: "/api/payouts/" + payout.ID + "/advance", user: "alice"}, http.StatusOK, &payout)
	assert.Equal(t, "processing", payout.Status)
	s.expect(t, call{method: "POST", path: "/api/payouts/" + payout.ID + "/advance", user: "alice"}, http.StatusOK, &payout)
	assert.Equal(t, "completed", payout.Status)

	// Alice paid 500 and received the 1000 pot
	assert.Equal(t, "5500.00", s.balance(t, "alice", "HTG"))

	// The rotation has started: no more joins, no regeneration
	status, _ = s.do(t, call{method: "POST", path: "/api/sol/groups/" + id + "/join", user: "carol"})
	assert.Equal(t, http.StatusConflict, status)
	status, _ = s.do(t, call{method: "POST", path: "/api/accounts/" + id + "/regenerate", user: "alice"})
	assert.Equal(t, http.StatusConflict, status)

	var entries []EntryDTO
	s.expect(t, call{method: "GET", path: "/api/accounts/" + id + "/entries?kind=contribution", user: "bob"}, http.StatusOK, &entries)
	assert.Len(t, entries, 2)
	status, _ = s.do(t, call{method: "GET", path: "/api/accounts/" + id + "/entries", user: "mallory"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_CreateGroupValidation(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name string
		req  CreateGroupRequest
		want int
	}{
		{"unknown product", CreateGroupRequest{ProductID: "sol-yearly"}, http.StatusNotFound},
		{"ti kane product", CreateGroupRequest{ProductID: "tk-daily-1m"}, http.StatusBadRequest},
		{"bad frequency", CreateGroupRequest{Name: "x", Amount: "100", Currency: "HTG", Frequency: "hourly"}, http.StatusBadRequest},
		{"bad currency", CreateGroupRequest{Name: "x", Amount: "100", Currency: "gourde", Frequency: "weekly"}, http.StatusBadRequest},
		{"bad date", CreateGroupRequest{Name: "x", Amount: "100", Currency: "HTG", Frequency: "weekly", StartDate: "03/03/2025"}, http.StatusBadRequest},
		{"limit of one", CreateGroupRequest{Name: "x", Amount: "100", Currency: "HTG", Frequency: "weekly", MemberLimit: 1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(t, call{method: "POST", path: "/api/sol/groups", user: "alice", body: tt.req})
			assert.Equal(t, tt.want, status, string(body))
		})
	}

	status, _ := s.do(t, call{method: "GET", path: "/api/sol/groups/nope/cycles/zero", user: "alice"})
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// TI KANÈ AND APPROVALS
// =============================================================================

func TestAPI_TiKaneProgressAndApproval(t *testing.T) {
	s := newTestServer(t, "")
	s.topUp(t, "alice", "HTG", "200")

	// GIVEN: A one-month daily account opened on March 1st
	var acc TiKaneResponse
	s.expect(t, call{method: "POST", path: "/api/tikane/accounts", user: "alice", body: OpenTiKaneRequest{
		Amount: "100", Currency: "HTG", Duration: "1m", StartDate: "2025-03-01",
	}}, http.StatusCreated, &acc)
	id := acc.Account.ID
	assert.Equal(t, "3000.00", acc.Account.TotalExpected)
	assert.Equal(t, "2025-03-31", acc.Account.EndDate)
	require.Len(t, acc.Schedule, 30)

	// WHEN: Two wallet payments and one MonCash payment are recorded
	for i := 0; i < 2; i++ {
		s.expect(t, call{method: "POST", path: "/api/tikane/accounts/" + id + "/payments", user: "alice",
			body: PaymentRequest{}}, http.StatusCreated, nil)
	}
	var pending EntryDTO
	s.expect(t, call{method: "POST", path: "/api/tikane/accounts/" + id + "/payments", user: "alice",
		body: PaymentRequest{Method: "moncash", Reference: "MC-889"}}, http.StatusCreated, &pending)
	assert.Equal(t, "pending", pending.Status)
	assert.Equal(t, 3, pending.Cycle)

	// THEN: Progress counts only settled installments
	s.expect(t, call{method: "GET", path: "/api/tikane/accounts/" + id + "?as_of=2025-03-06", user: "alice"}, http.StatusOK, &acc)
	assert.Equal(t, 2, acc.Paid)
	assert.Equal(t, 28, acc.Remaining)
	assert.Equal(t, 3, acc.Overdue)
	require.NotNil(t, acc.NextDue)
	assert.Equal(t, 3, acc.NextDue.Sequence)

	status, _ := s.do(t, call{method: "GET", path: "/api/tikane/accounts/" + id, user: "bob"})
	assert.Equal(t, http.StatusNotFound, status)

	// Bob cannot approve; the admin can
	status, _ = s.do(t, call{method: "POST", path: "/api/entries/" + pending.ID + "/approve", user: "bob"})
	assert.Equal(t, http.StatusNotFound, status)

	var approved EntryDTO
	s.expect(t, call{method: "POST", path: "/api/entries/" + pending.ID + "/approve", user: "admin"}, http.StatusOK, &approved)
	assert.Equal(t, "paid", approved.Status)
	assert.Equal(t, "admin", approved.ProcessedBy)

	status, _ = s.do(t, call{method: "POST", path: "/api/entries/" + pending.ID + "/reject", user: "admin",
		body: RejectRequest{Reason: "late"}})
	assert.Equal(t, http.StatusConflict, status)

	s.expect(t, call{method: "GET", path: "/api/tikane/accounts/" + id + "?as_of=2025-03-06", user: "alice"}, http.StatusOK, &acc)
	assert.Equal(t, 3, acc.Paid)
	assert.Equal(t, "300.00", acc.Account.PaidTotal)
}

func TestAPI_TiKaneRejectAndMarkPaid(t *testing.T) {
	s := newTestServer(t, "")

	var acc TiKaneResponse
	s.expect(t, call{method: "POST", path: "/api/tikane/accounts", user: "alice", body: OpenTiKaneRequest{
		Amount: "250", Currency: "HTG", Frequency: "weekly", Duration: "3m", StartDate: "2025-03-01",
	}}, http.StatusCreated, &acc)
	id := acc.Account.ID
	require.Len(t, acc.Schedule, 12)

	// A cash payment the owner rejects leaves the installment open
	var cash EntryDTO
	s.expect(t, call{method: "POST", path: "/api/tikane/accounts/" + id + "/payments", user: "alice",
		body: PaymentRequest{Method: "cash"}}, http.StatusCreated, &cash)
	var rejected EntryDTO
	s.expect(t, call{method: "POST", path: "/api/entries/" + cash.ID + "/reject", user: "alice",
		body: RejectRequest{Reason: "no receipt"}}, http.StatusOK, &rejected)
	assert.Equal(t, "rejected", rejected.Status)
	assert.Equal(t, "no receipt", rejected.Reason)

	// Settling directly below the expected amount is refused
	eventID := acc.Schedule[0].ID
	status, _ := s.do(t, call{method: "POST", path: "/api/events/" + eventID + "/mark-paid", user: "alice",
		body: MarkPaidRequest{Amount: "100"}})
	assert.Equal(t, http.StatusBadRequest, status)

	var ev EventDTO
	s.expect(t, call{method: "POST", path: "/api/events/" + eventID + "/mark-paid", user: "alice",
		body: MarkPaidRequest{Amount: "250", PaidAt: "2025-03-01T15:00:00Z"}}, http.StatusOK, &ev)
	assert.Equal(t, "paid", ev.Status)
	require.NotNil(t, ev.PaidAt)
	assert.Equal(t, "2025-03-01T15:00:00Z", *ev.PaidAt)

	// Bob may not settle or regenerate Alice's account
	status, _ = s.do(t, call{method: "POST", path: "/api/events/" + acc.Schedule[1].ID + "/mark-paid", user: "bob",
		body: MarkPaidRequest{Amount: "250"}})
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = s.do(t, call{method: "POST", path: "/api/accounts/" + id + "/regenerate", user: "bob"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_TiKaneFromProduct(t *testing.T) {
	s := newTestServer(t, "")

	var acc TiKaneResponse
	s.expect(t, call{method: "POST", path: "/api/tikane/accounts", user: "alice", body: OpenTiKaneRequest{
		ProductID: "tk-progressive-1m", StartDate: "2025-03-01",
	}}, http.StatusCreated, &acc)
	assert.Equal(t, "progressive", acc.Account.Mode)
	assert.Equal(t, "4650.00", acc.Account.TotalExpected)
	assert.Equal(t, "10.00", acc.Schedule[0].Expected)
	assert.Equal(t, "300.00", acc.Schedule[29].Expected)

	// Regeneration before any payment is allowed
	var regenerated AccountDTO
	s.expect(t, call{method: "POST", path: "/api/accounts/" + acc.Account.ID + "/regenerate", user: "alice"}, http.StatusOK, &regenerated)
	assert.Equal(t, "4650.00", regenerated.TotalExpected)
}

// =============================================================================
// PRODUCTS, ADMIN, HEALTH
// =============================================================================

func TestAPI_Products(t *testing.T) {
	s := newTestServer(t, "")

	var all, sols []factory.ProductJSON
	s.expect(t, call{method: "GET", path: "/api/products"}, http.StatusOK, &all)
	s.expect(t, call{method: "GET", path: "/api/products?kind=sol"}, http.StatusOK, &sols)
	assert.Len(t, all, 8)
	assert.Len(t, sols, 4)
	for _, p := range sols {
		assert.Equal(t, "sol", p.Kind)
	}
}

func TestAPI_AdminStats(t *testing.T) {
	s := newTestServer(t, "")
	s.topUp(t, "alice", "HTG", "1000")
	s.expect(t, call{method: "POST", path: "/api/tikane/accounts", user: "alice", body: OpenTiKaneRequest{
		Amount: "100", Currency: "HTG", Duration: "1m",
	}}, http.StatusCreated, nil)

	status, _ := s.do(t, call{method: "GET", path: "/api/admin/stats", user: "alice"})
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = s.do(t, call{method: "GET", path: "/api/admin/stats"})
	assert.Equal(t, http.StatusUnauthorized, status)

	var stats StatsDTO
	s.expect(t, call{method: "GET", path: "/api/admin/stats", user: "admin"}, http.StatusOK, &stats)
	assert.Equal(t, 1, stats.AccountsByStatus["active"])
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, "")

	var health map[string]string
	s.expect(t, call{method: "GET", path: "/healthz"}, http.StatusOK, &health)
	assert.Equal(t, "ok", health["status"])

	s.expect(t, call{method: "GET", path: "/api/products"}, http.StatusOK, nil)
	status, body := s.do(t, call{method: "GET", path: "/metrics"})
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `savings_http_requests_total{method="GET",route="/api/products",status="200"}`)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&generic.ValidationError{Field: "amount", Reason: "must be positive"}, http.StatusBadRequest},
		{generic.ErrInvalidFrequency, http.StatusBadRequest},
		{&generic.InsufficientAmountError{}, http.StatusBadRequest},
		{&generic.NotFoundError{Kind: "account", ID: "x"}, http.StatusNotFound},
		{generic.ErrGroupFull, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", generic.ErrAlreadyPaid), http.StatusConflict},
		{&generic.DuplicateError{Constraint: "entries"}, http.StatusConflict},
		{&generic.InsufficientFundsError{}, http.StatusUnprocessableEntity},
		{generic.ErrConcurrentModification, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&generic.StorageError{Op: "insert", Err: fmt.Errorf("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
