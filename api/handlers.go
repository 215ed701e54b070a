/*
handlers.go - HTTP API handlers for the savings engine

PURPOSE:
  Exposes SOL groups, Ti Kanè accounts, wallets and the entry approval
  workflow via REST. Handles HTTP request/response and JSON, and delegates
  to the sol, tikane and generic packages.

ENDPOINTS:
  Products:
    GET    /api/products                          Catalog (?kind=sol|tikane)

  Wallets (caller's own):
    GET    /api/wallets                           List wallets
    GET    /api/wallets/{currency}                Get or create
    POST   /api/wallets/{currency}/credit         Top-up
    POST   /api/wallets/{currency}/debit          Withdrawal
    GET    /api/wallets/{currency}/transactions   History (?limit=)

  SOL:
    POST   /api/sol/groups                        Create group
    GET    /api/sol/groups/{id}                   Group, members, payout schedule
    POST   /api/sol/groups/{id}/join              Join as caller
    POST   /api/sol/groups/{id}/contributions     Pay a cycle
    GET    /api/sol/groups/{id}/cycles/{cycle}    Readiness
    POST   /api/sol/groups/{id}/cycles/{cycle}/payout
    POST   /api/payouts/{id}/advance              initiated -> processing -> completed

  Ti Kanè:
    POST   /api/tikane/accounts                   Open
    GET    /api/tikane/accounts/{id}              Progress (?as_of=YYYY-MM-DD)
    POST   /api/tikane/accounts/{id}/payments     Pay an installment

  Shared:
    GET    /api/accounts/{id}/entries             Ledger entries
    POST   /api/accounts/{id}/regenerate          Rebuild schedule
    POST   /api/entries/{id}/approve              Approve pending payment
    POST   /api/entries/{id}/reject               Reject pending payment
    POST   /api/events/{id}/mark-paid             Settle an event directly
    GET    /api/admin/stats                       Counters (admin)
    GET    /api/admin/sweeps                      Recent sweep runs (admin)
    POST   /api/admin/sweeps                      Run a sweep now (admin)

IDEMPOTENCY:
  Wallet credits/debits, contributions and installment payments honor an
  Idempotency-Key header. A replayed key returns 409.

ERROR HANDLING:
  Domain errors map to HTTP status by category (see statusFor):
  - 400: generic.ErrValidation
  - 404: generic.ErrNotFound (also used for accounts the caller cannot manage)
  - 409: generic.ErrConflict
  - 422: generic.ErrInsufficientFunds
  - 503: generic.ErrConcurrentModification (retry)
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Caller identity
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kotize/savings-engine/factory"
	"github.com/kotize/savings-engine/generic"
	"github.com/kotize/savings-engine/sol"
	"github.com/kotize/savings-engine/tikane"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services a Handler serves.
type Deps struct {
	Store   generic.Store
	Health  Pinger
	Wallets *generic.Wallets
	Ledger  *generic.Ledger
	SOL     *sol.Service
	TiKane  *tikane.Service
	Catalog *factory.Catalog
	Auth    *Authenticator
	Sweeps  *SweepScheduler
	Logger  *slog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store   generic.Store
	health  Pinger
	wallets *generic.Wallets
	ledger  *generic.Ledger
	sol     *sol.Service
	tikane  *tikane.Service
	catalog *factory.Catalog
	auth    *Authenticator
	sweeps  *SweepScheduler
	logger  *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := d.Auth
	if auth == nil {
		auth = NewAuthenticator("", nil)
	}
	return &Handler{
		store:   d.Store,
		health:  d.Health,
		wallets: d.Wallets,
		ledger:  d.Ledger,
		sol:     d.SOL,
		tikane:  d.TiKane,
		catalog: d.Catalog,
		auth:    auth,
		sweeps:  d.Sweeps,
		logger:  logger.With("component", "api"),
	}
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	kind := generic.AccountKind(r.URL.Query().Get("kind"))
	pf := factory.NewProductFactory()
	products := h.catalog.List(kind)
	out := make([]factory.ProductJSON, len(products))
	for i, p := range products {
		out[i] = pf.ToJSON(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.wallets.List(r.Context(), ActorFrom(r.Context()).UserID)
	if err != nil {
		h.fail(w, r, "Failed to list wallets", err)
		return
	}
	dtos := make([]WalletDTO, len(wallets))
	for i := range wallets {
		dtos[i] = toWalletDTO(&wallets[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	currency, err := generic.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		h.fail(w, r, "Invalid currency", err)
		return
	}
	wallet, err := h.wallets.GetOrCreate(r.Context(), ActorFrom(r.Context()).UserID, currency)
	if err != nil {
		h.fail(w, r, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	h.walletOp(w, r, generic.WalletCredit)
}

func (h *Handler) DebitWallet(w http.ResponseWriter, r *http.Request) {
	h.walletOp(w, r, generic.WalletDebit)
}

func (h *Handler) walletOp(w http.ResponseWriter, r *http.Request, typ generic.WalletTxType) {
	var req WalletOpRequest
	if !decode(w, r, &req) {
		return
	}
	currency, err := generic.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		h.fail(w, r, "Invalid currency", err)
		return
	}
	amount, err := generic.ParseAmount(req.Amount, currency)
	if err != nil {
		h.fail(w, r, "Invalid amount", err)
		return
	}
	op := generic.WalletOp{
		UserID:         ActorFrom(r.Context()).UserID,
		Amount:         amount,
		ReferenceID:    req.Reference,
		Reason:         req.Reason,
		IdempotencyKey: idempotencyKey(r),
	}

	var rec *generic.WalletTransaction
	if typ == generic.WalletCredit {
		rec, err = h.wallets.Credit(r.Context(), op)
	} else {
		rec, err = h.wallets.Debit(r.Context(), op)
	}
	if err != nil {
		h.fail(w, r, "Wallet operation failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletTransactionDTO(rec))
}

func (h *Handler) WalletTransactions(w http.ResponseWriter, r *http.Request) {
	currency, err := generic.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		h.fail(w, r, "Invalid currency", err)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	txs, err := h.wallets.History(r.Context(), ActorFrom(r.Context()).UserID, currency, limit)
	if err != nil {
		h.fail(w, r, "Failed to list wallet transactions", err)
		return
	}
	dtos := make([]WalletTransactionDTO, len(txs))
	for i := range txs {
		dtos[i] = toWalletTransactionDTO(&txs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SOL HANDLERS
// =============================================================================

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if !decode(w, r, &req) {
		return
	}
	in, err := h.groupInput(req)
	if err != nil {
		h.fail(w, r, "Invalid group", err)
		return
	}
	group, err := h.sol.CreateGroup(r.Context(), ActorFrom(r.Context()).UserID, in)
	if err != nil {
		h.fail(w, r, "Failed to create group", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroupResponse(group))
}

func (h *Handler) groupInput(req CreateGroupRequest) (sol.CreateGroupInput, error) {
	start, err := optionalDate(req.StartDate)
	if err != nil {
		return sol.CreateGroupInput{}, err
	}
	if req.ProductID != "" {
		p, err := h.productOf(req.ProductID, generic.KindSOL)
		if err != nil {
			return sol.CreateGroupInput{}, err
		}
		in := p.GroupInput(req.Name, start)
		if req.MemberLimit > 0 {
			in.MemberLimit = req.MemberLimit
		}
		in.OwnerJoins = req.Join
		return in, nil
	}

	amount, err := parseMoney(req.Amount, req.Currency)
	if err != nil {
		return sol.CreateGroupInput{}, err
	}
	freq, err := generic.ParseFrequency(req.Frequency)
	if err != nil {
		return sol.CreateGroupInput{}, err
	}
	return sol.CreateGroupInput{
		Name:        req.Name,
		Amount:      amount,
		Frequency:   freq,
		StartDate:   start,
		MemberLimit: req.MemberLimit,
		OwnerJoins:  req.Join,
	}, nil
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.sol.Group(r.Context(), generic.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get group", err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupResponse(group))
}

func (h *Handler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	p, err := h.sol.Join(r.Context(), generic.AccountID(chi.URLParam(r, "id")), ActorFrom(r.Context()).UserID)
	if err != nil {
		h.fail(w, r, "Failed to join group", err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipantDTOs([]generic.Participant{*p})[0])
}

func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	var req ContributeRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.sol.Contribute(r.Context(), generic.AccountID(chi.URLParam(r, "id")), ActorFrom(r.Context()).UserID, sol.ContributeInput{
		Cycle:          req.Cycle,
		Method:         generic.Method(req.Method),
		Reference:      req.Reference,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.fail(w, r, "Failed to record contribution", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	cycle, ok := cycleParam(w, r)
	if !ok {
		return
	}
	progress, err := h.sol.CycleStatus(r.Context(), generic.AccountID(chi.URLParam(r, "id")), cycle)
	if err != nil {
		h.fail(w, r, "Failed to evaluate cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(progress))
}

func (h *Handler) InitiatePayout(w http.ResponseWriter, r *http.Request) {
	cycle, ok := cycleParam(w, r)
	if !ok {
		return
	}
	entry, err := h.sol.InitiatePayout(r.Context(), generic.AccountID(chi.URLParam(r, "id")), cycle, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to initiate payout", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) AdvancePayout(w http.ResponseWriter, r *http.Request) {
	entry, err := h.sol.AdvancePayout(r.Context(), generic.EntryID(chi.URLParam(r, "id")), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to advance payout", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// =============================================================================
// TI KANÈ HANDLERS
// =============================================================================

func (h *Handler) OpenTiKane(w http.ResponseWriter, r *http.Request) {
	var req OpenTiKaneRequest
	if !decode(w, r, &req) {
		return
	}
	in, err := h.openInput(req)
	if err != nil {
		h.fail(w, r, "Invalid account", err)
		return
	}
	acc, err := h.tikane.Open(r.Context(), ActorFrom(r.Context()).UserID, in)
	if err != nil {
		h.fail(w, r, "Failed to open account", err)
		return
	}
	h.writeProgress(w, r, acc.ID, acc.StartDate, http.StatusCreated)
}

func (h *Handler) openInput(req OpenTiKaneRequest) (tikane.OpenInput, error) {
	start, err := optionalDate(req.StartDate)
	if err != nil {
		return tikane.OpenInput{}, err
	}
	if req.ProductID != "" {
		p, err := h.productOf(req.ProductID, generic.KindTiKane)
		if err != nil {
			return tikane.OpenInput{}, err
		}
		return p.OpenInput(req.Name, start), nil
	}

	amount, err := parseMoney(req.Amount, req.Currency)
	if err != nil {
		return tikane.OpenInput{}, err
	}
	in := tikane.OpenInput{
		Name:      req.Name,
		Amount:    amount,
		Duration:  req.Duration,
		StartDate: start,
	}
	if req.Frequency != "" {
		if in.Frequency, err = generic.ParseFrequency(req.Frequency); err != nil {
			return tikane.OpenInput{}, err
		}
	}
	if req.Mode != "" {
		if in.Mode, err = generic.ParseAmountMode(req.Mode); err != nil {
			return tikane.OpenInput{}, err
		}
	}
	return in, nil
}

func (h *Handler) GetTiKane(w http.ResponseWriter, r *http.Request) {
	asOf := generic.Today()
	if s := r.URL.Query().Get("as_of"); s != "" {
		d, err := generic.ParseDate(s)
		if err != nil {
			h.fail(w, r, "Invalid as_of date", err)
			return
		}
		asOf = d
	}
	h.writeProgress(w, r, generic.AccountID(chi.URLParam(r, "id")), asOf, http.StatusOK)
}

func (h *Handler) writeProgress(w http.ResponseWriter, r *http.Request, id generic.AccountID, asOf generic.TimePoint, status int) {
	progress, err := h.tikane.Progress(r.Context(), id, asOf)
	if err != nil {
		h.fail(w, r, "Failed to get account", err)
		return
	}
	if !ActorFrom(r.Context()).CanManage(&progress.Account) {
		h.fail(w, r, "Failed to get account", &generic.NotFoundError{Kind: "account", ID: string(id)})
		return
	}
	resp := TiKaneResponse{
		Account:   toAccountDTO(&progress.Account),
		Paid:      progress.Paid,
		Remaining: progress.Remaining,
		Overdue:   progress.Overdue,
		Schedule:  toEventDTOs(progress.Events),
	}
	if progress.NextDue != nil {
		next := toEventDTO(progress.NextDue)
		resp.NextDue = &next
	}
	writeJSON(w, status, resp)
}

func (h *Handler) PayInstallment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	id := generic.AccountID(chi.URLParam(r, "id"))
	in := tikane.PaymentInput{
		Sequence:       req.Sequence,
		Method:         generic.Method(req.Method),
		Reference:      req.Reference,
		IdempotencyKey: idempotencyKey(r),
	}
	if req.Amount != "" {
		acc, err := h.store.GetAccount(r.Context(), id)
		if err != nil {
			h.fail(w, r, "Failed to get account", err)
			return
		}
		if in.Amount, err = generic.ParseAmount(req.Amount, acc.Currency()); err != nil {
			h.fail(w, r, "Invalid amount", err)
			return
		}
	}
	entry, err := h.tikane.PayInstallment(r.Context(), id, ActorFrom(r.Context()).UserID, in)
	if err != nil {
		h.fail(w, r, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// =============================================================================
// SHARED ACCOUNT HANDLERS
// =============================================================================

// ListEntries returns an account's ledger. Visible to the owner, members and
// admins.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := ActorFrom(ctx)
	id := generic.AccountID(chi.URLParam(r, "id"))

	acc, err := h.store.GetAccount(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get account", err)
		return
	}
	if !actor.CanManage(acc) {
		if _, err := h.store.FindParticipant(ctx, id, actor.UserID); err != nil {
			h.fail(w, r, "Failed to get account", &generic.NotFoundError{Kind: "account", ID: string(id)})
			return
		}
	}

	filter := generic.EntryFilter{
		AccountID: id,
		Kind:      generic.EntryKind(r.URL.Query().Get("kind")),
		Status:    generic.EntryStatus(r.URL.Query().Get("status")),
	}
	entries, err := h.ledger.Entries(ctx, filter)
	if err != nil {
		h.fail(w, r, "Failed to list entries", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i := range entries {
		dtos[i] = toEntryDTO(&entries[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := generic.AccountID(chi.URLParam(r, "id"))
	acc, err := h.store.GetAccount(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get account", err)
		return
	}

	actor := ActorFrom(ctx)
	switch acc.Kind {
	case generic.KindSOL:
		acc, err = h.sol.Regenerate(ctx, id, actor)
	case generic.KindTiKane:
		acc, err = h.tikane.Regenerate(ctx, id, actor)
	}
	if err != nil {
		h.fail(w, r, "Failed to regenerate schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// =============================================================================
// APPROVAL HANDLERS
// =============================================================================

func (h *Handler) ApproveEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledger.Approve(r.Context(), generic.EntryID(chi.URLParam(r, "id")), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to approve entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

func (h *Handler) RejectEntry(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.ledger.Reject(r.Context(), generic.EntryID(chi.URLParam(r, "id")), ActorFrom(r.Context()), req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to reject entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

func (h *Handler) MarkEventPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := generic.EventID(chi.URLParam(r, "id"))

	ev, err := h.store.GetScheduledEvent(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get event", err)
		return
	}
	paid, err := generic.ParseAmount(req.Amount, ev.Expected.Currency)
	if err != nil {
		h.fail(w, r, "Invalid amount", err)
		return
	}
	paidAt := time.Now().UTC()
	if req.PaidAt != "" {
		if paidAt, err = time.Parse(time.RFC3339, req.PaidAt); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_at", err)
			return
		}
	}

	ev, err = h.ledger.MarkPaid(ctx, id, paid, paidAt, ActorFrom(ctx))
	if err != nil {
		h.fail(w, r, "Failed to mark event paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to load stats", err)
		return
	}
	dto := StatsDTO{
		AccountsByStatus: make(map[string]int, len(stats.AccountsByStatus)),
		EntriesByStatus:  make(map[string]int, len(stats.EntriesByStatus)),
		PaidByCurrency:   make(map[string]string, len(stats.PaidByCurrency)),
	}
	for k, v := range stats.AccountsByStatus {
		dto.AccountsByStatus[string(k)] = v
	}
	for k, v := range stats.EntriesByStatus {
		dto.EntriesByStatus[string(k)] = v
	}
	for k, v := range stats.PaidByCurrency {
		dto.PaidByCurrency[string(k)] = v.StringFixed(2)
	}
	writeJSON(w, http.StatusOK, dto)
}

// Healthz pings the database.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail writes err with the status of its category. Server-side failures
// are logged; client errors are not.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), message, "error", err, "method", r.Method, "path", r.URL.Path)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generic.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, generic.ErrConcurrentModification):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func cycleParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	cycle, err := strconv.Atoi(chi.URLParam(r, "cycle"))
	if err != nil || cycle < 1 {
		writeError(w, http.StatusBadRequest, "Invalid cycle", err)
		return 0, false
	}
	return cycle, true
}

func parseMoney(value, currency string) (generic.Amount, error) {
	cur, err := generic.ParseCurrency(currency)
	if err != nil {
		return generic.Amount{}, err
	}
	return generic.ParseAmount(value, cur)
}

// optionalDate parses s, leaving the zero date for the service to default.
func optionalDate(s string) (generic.TimePoint, error) {
	if s == "" {
		return generic.TimePoint{}, nil
	}
	return generic.ParseDate(s)
}

func (h *Handler) productOf(id string, kind generic.AccountKind) (*factory.Product, error) {
	p, err := h.catalog.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Kind != kind {
		return nil, &generic.ValidationError{Field: "product_id", Reason: "product " + id + " is not a " + string(kind) + " product"}
	}
	return p, nil
}

func toGroupResponse(g *sol.Group) GroupResponse {
	return GroupResponse{
		Account:      toAccountDTO(&g.Account),
		PayoutAmount: money(g.PayoutAmount()),
		Participants: toParticipantDTOs(g.Participants),
		Schedule:     toEventDTOs(g.Payouts),
	}
}
