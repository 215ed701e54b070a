/*
scenarios.go - Demo scenario loaders for local use and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	savings activity. Each scenario creates demo users, funds their wallets,
	opens accounts from catalog products and records payments that show one
	feature of the engine.

AVAILABLE SCENARIOS:

	sol-weekly:          4-member weekly SOL, cycle 1 fully paid, payout initiated
	sol-cash-approval:   Monthly USD SOL with a cash contribution awaiting approval
	tikane-daily:        1-month daily Ti Kanè, a week paid, a few days overdue
	tikane-progressive:  Progressive Ti Kanè (installment k pays k x base)

HOW SCENARIOS WORK:
 1. Pick a fresh user prefix so repeated loads never collide
 2. Credit demo wallets
 3. Open accounts from factory.DefaultCatalog products
 4. Record contributions, installments and payouts through the services

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "sol-weekly"}

	The response lists the demo users. When JWT_SECRET is set it also
	carries a bearer token per user.

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, run)
 3. Add case to loaders

SEE ALSO:
  - handlers.go: Handler
  - factory/catalog.go: Product definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kotize/savings-engine/generic"
	"github.com/kotize/savings-engine/sol"
	"github.com/kotize/savings-engine/tikane"
)

// =============================================================================
// SCENARIO CATALOG
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "sol-weekly",
		Name:        "Weekly SOL",
		Description: "Four neighbours save 500 HTG a week. Everyone has paid cycle 1 and the first payout is on its way.",
		Category:    "sol",
	},
	{
		ID:          "sol-cash-approval",
		Name:        "Cash contribution",
		Description: "A diaspora SOL in USD where one member paid cash. The organizer still has to approve it.",
		Category:    "sol",
	},
	{
		ID:          "tikane-daily",
		Name:        "Daily Ti Kanè",
		Description: "100 HTG a day for a month. The first week is paid and the last few days are overdue.",
		Category:    "tikane",
	},
	{
		ID:          "tikane-progressive",
		Name:        "Progressive Ti Kanè",
		Description: "Day k pays k x 10 HTG. Three installments are paid.",
		Category:    "tikane",
	},
}

type scenarioLoader func(ctx context.Context, run *scenarioRun) error

func (h *Handler) loaders() map[string]scenarioLoader {
	return map[string]scenarioLoader{
		"sol-weekly":         h.loadSolWeeklyScenario,
		"sol-cash-approval":  h.loadSolCashApprovalScenario,
		"tikane-daily":       h.loadTiKaneDailyScenario,
		"tikane-progressive": h.loadTiKaneProgressiveScenario,
	}
}

// scenarioRun collects what a loader created.
type scenarioRun struct {
	prefix   string
	users    []generic.UserID
	accounts []generic.AccountID
}

func (s *scenarioRun) user(name string) generic.UserID {
	id := generic.UserID(s.prefix + "-" + name)
	s.users = append(s.users, id)
	return id
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, map[string]any{"scenario": s})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	run := &scenarioRun{prefix: "demo-" + generic.NewID()[:8]}
	if err := load(r.Context(), run); err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	resp := LoadScenarioResponse{
		Accounts: make([]string, len(run.accounts)),
		Users:    make([]string, len(run.users)),
	}
	for _, s := range scenarios {
		if s.ID == req.ScenarioID {
			resp.Scenario = s
		}
	}
	for i, id := range run.accounts {
		resp.Accounts[i] = string(id)
	}
	for i, id := range run.users {
		resp.Users[i] = string(id)
	}
	if h.auth.UsesTokens() {
		resp.Tokens = make(map[string]string, len(run.users))
		for _, id := range run.users {
			token, err := h.auth.IssueToken(id)
			if err != nil {
				h.fail(w, r, "Failed to issue demo token", err)
				return
			}
			resp.Tokens[string(id)] = token
		}
	}

	h.logger.InfoContext(r.Context(), "scenario loaded", "scenario", req.ScenarioID, "prefix", run.prefix)
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadSolWeeklyScenario(ctx context.Context, run *scenarioRun) error {
	names := []string{"manise", "jak", "woody", "loudie"}
	members := make([]generic.UserID, len(names))
	for i, n := range names {
		members[i] = run.user(n)
		if err := h.fund(ctx, members[i], 5000, generic.CurrencyHTG); err != nil {
			return err
		}
	}
	owner := members[0]

	group, err := h.groupFromProduct(ctx, "sol-weekly-500", "Lakou Delmas", owner, generic.Today().AddDays(-7))
	if err != nil {
		return err
	}
	run.accounts = append(run.accounts, group.Account.ID)
	for _, m := range members[1:] {
		if _, err := h.sol.Join(ctx, group.Account.ID, m); err != nil {
			return fmt.Errorf("join %s: %w", m, err)
		}
	}
	for _, m := range members {
		if _, err := h.sol.Contribute(ctx, group.Account.ID, m, sol.ContributeInput{Cycle: 1}); err != nil {
			return fmt.Errorf("contribute %s: %w", m, err)
		}
	}
	_, err = h.sol.InitiatePayout(ctx, group.Account.ID, 1, generic.Actor{UserID: owner})
	return err
}

func (h *Handler) loadSolCashApprovalScenario(ctx context.Context, run *scenarioRun) error {
	owner := run.user("nadege")
	cousin := run.user("ricardo")
	aunt := run.user("tant-yvrose")
	for _, u := range []generic.UserID{owner, cousin} {
		if err := h.fund(ctx, u, 200, generic.CurrencyUSD); err != nil {
			return err
		}
	}

	group, err := h.groupFromProduct(ctx, "sol-monthly-50usd", "Fanmi Boston", owner, generic.Today())
	if err != nil {
		return err
	}
	run.accounts = append(run.accounts, group.Account.ID)
	for _, m := range []generic.UserID{cousin, aunt} {
		if _, err := h.sol.Join(ctx, group.Account.ID, m); err != nil {
			return fmt.Errorf("join %s: %w", m, err)
		}
	}
	for _, m := range []generic.UserID{owner, cousin} {
		if _, err := h.sol.Contribute(ctx, group.Account.ID, m, sol.ContributeInput{Cycle: 1}); err != nil {
			return fmt.Errorf("contribute %s: %w", m, err)
		}
	}
	_, err = h.sol.Contribute(ctx, group.Account.ID, aunt, sol.ContributeInput{
		Cycle:     1,
		Method:    generic.MethodCash,
		Reference: "resi 0042",
	})
	return err
}

func (h *Handler) loadTiKaneDailyScenario(ctx context.Context, run *scenarioRun) error {
	owner := run.user("fabiola")
	if err := h.fund(ctx, owner, 700, generic.CurrencyHTG); err != nil {
		return err
	}
	acc, err := h.openFromProduct(ctx, "tk-daily-1m", "", owner, generic.Today().AddDays(-10))
	if err != nil {
		return err
	}
	run.accounts = append(run.accounts, acc.ID)
	return h.payInstallments(ctx, acc.ID, owner, 7)
}

func (h *Handler) loadTiKaneProgressiveScenario(ctx context.Context, run *scenarioRun) error {
	owner := run.user("sonson")
	if err := h.fund(ctx, owner, 60, generic.CurrencyHTG); err != nil {
		return err
	}
	acc, err := h.openFromProduct(ctx, "tk-progressive-1m", "", owner, generic.Today().AddDays(-2))
	if err != nil {
		return err
	}
	run.accounts = append(run.accounts, acc.ID)
	return h.payInstallments(ctx, acc.ID, owner, 3)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) fund(ctx context.Context, user generic.UserID, amount int64, currency generic.Currency) error {
	_, err := h.wallets.Credit(ctx, generic.WalletOp{
		UserID: user,
		Amount: generic.NewAmountFromInt(amount, currency),
		Reason: "demo top-up",
	})
	if err != nil {
		return fmt.Errorf("fund %s: %w", user, err)
	}
	return nil
}

func (h *Handler) groupFromProduct(ctx context.Context, productID, name string, owner generic.UserID, start generic.TimePoint) (*sol.Group, error) {
	p, err := h.productOf(productID, generic.KindSOL)
	if err != nil {
		return nil, err
	}
	in := p.GroupInput(name, start)
	in.OwnerJoins = true
	return h.sol.CreateGroup(ctx, owner, in)
}

func (h *Handler) openFromProduct(ctx context.Context, productID, name string, owner generic.UserID, start generic.TimePoint) (*generic.Account, error) {
	p, err := h.productOf(productID, generic.KindTiKane)
	if err != nil {
		return nil, err
	}
	return h.tikane.Open(ctx, owner, p.OpenInput(name, start))
}

func (h *Handler) payInstallments(ctx context.Context, id generic.AccountID, owner generic.UserID, n int) error {
	for i := 0; i < n; i++ {
		if _, err := h.tikane.PayInstallment(ctx, id, owner, tikane.PaymentInput{}); err != nil {
			return fmt.Errorf("installment %d: %w", i+1, err)
		}
	}
	return nil
}
