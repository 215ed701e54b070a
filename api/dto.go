/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  generic domain types. Money is always a decimal string plus a currency
  code; dates are YYYY-MM-DD; timestamps are RFC 3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

TYPES:
  Accounts:  AccountDTO, ParticipantDTO, EventDTO, GroupResponse, TiKaneResponse
  Ledger:    EntryDTO, ContributeRequest, PaymentRequest, MarkPaidRequest, RejectRequest
  Wallets:   WalletDTO, WalletTransactionDTO, WalletOpRequest
  Products:  factory.ProductJSON
  Other:     CycleDTO, StatsDTO, ScenarioDTO, ErrorResponse

VALIDATION:
  Handlers parse strings into domain types; the domain validates ranges.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/kotize/savings-engine/generic"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateGroupRequest opens a SOL group. Fields left empty are taken from
// the product when product_id is set.
type CreateGroupRequest struct {
	ProductID   string `json:"product_id,omitempty"`
	Name        string `json:"name"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Frequency   string `json:"frequency"`
	StartDate   string `json:"start_date,omitempty"`
	MemberLimit int    `json:"member_limit,omitempty"`
	Join        bool   `json:"join"`
}

// OpenTiKaneRequest opens a Ti Kanè account.
type OpenTiKaneRequest struct {
	ProductID string `json:"product_id,omitempty"`
	Name      string `json:"name"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration"`
	Mode      string `json:"mode,omitempty"`
	StartDate string `json:"start_date,omitempty"`
}

type ContributeRequest struct {
	Cycle     int    `json:"cycle"`
	Method    string `json:"method,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// PaymentRequest pays a Ti Kanè installment. Sequence 0 pays the next open
// one; an empty amount pays the expected amount.
type PaymentRequest struct {
	Sequence  int    `json:"sequence,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Method    string `json:"method,omitempty"`
	Reference string `json:"reference,omitempty"`
}

type MarkPaidRequest struct {
	Amount string `json:"amount"`
	PaidAt string `json:"paid_at,omitempty"` // RFC 3339
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type WalletOpRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type AccountDTO struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	OwnerID       string `json:"owner_id"`
	Name          string `json:"name"`
	Frequency     string `json:"frequency"`
	AdvancePolicy string `json:"advance_policy"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Mode          string `json:"mode"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	TotalExpected string `json:"total_expected"`
	PaidTotal     string `json:"paid_total"`
	Status        string `json:"status"`
	MemberLimit   int    `json:"member_limit,omitempty"`
	Duration      string `json:"duration,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type ParticipantDTO struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	Position         int    `json:"position"`
	Status           string `json:"status"`
	TotalContributed string `json:"total_contributed"`
	TotalReceived    string `json:"total_received"`
	JoinedAt         string `json:"joined_at"`
}

type EventDTO struct {
	ID            string  `json:"id"`
	Kind          string  `json:"kind"`
	Sequence      int     `json:"sequence"`
	ParticipantID string  `json:"participant_id,omitempty"`
	DueDate       string  `json:"due_date"`
	Expected      string  `json:"expected_amount"`
	Status        string  `json:"status"`
	PaidAmount    string  `json:"paid_amount"`
	PaidAt        *string `json:"paid_at,omitempty"`
}

type EntryDTO struct {
	ID            string  `json:"id"`
	AccountID     string  `json:"account_id"`
	Kind          string  `json:"kind"`
	UserID        string  `json:"user_id"`
	ParticipantID string  `json:"participant_id,omitempty"`
	EventID       string  `json:"event_id,omitempty"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency"`
	Cycle         int     `json:"cycle"`
	Status        string  `json:"status"`
	Method        string  `json:"method"`
	Reference     string  `json:"reference,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	ProcessedBy   string  `json:"processed_by,omitempty"`
	ProcessedAt   *string `json:"processed_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type GroupResponse struct {
	Account      AccountDTO       `json:"account"`
	PayoutAmount string           `json:"payout_amount"`
	Participants []ParticipantDTO `json:"participants"`
	Schedule     []EventDTO       `json:"schedule"`
}

type TiKaneResponse struct {
	Account   AccountDTO `json:"account"`
	Paid      int        `json:"paid"`
	Remaining int        `json:"remaining"`
	Overdue   int        `json:"overdue"`
	NextDue   *EventDTO  `json:"next_due,omitempty"`
	Schedule  []EventDTO `json:"schedule"`
}

type CycleDTO struct {
	AccountID    string `json:"account_id"`
	Cycle        int    `json:"cycle"`
	Paid         int    `json:"paid"`
	Participants int    `json:"participants"`
	Remaining    int    `json:"remaining"`
	Ready        bool   `json:"ready"`
}

type WalletDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	UpdatedAt string `json:"updated_at"`
}

type WalletTransactionDTO struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Delta          string `json:"delta"`
	BalanceAfter   string `json:"balance_after"`
	Currency       string `json:"currency"`
	ReferenceID    string `json:"reference_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type StatsDTO struct {
	AccountsByStatus map[string]int    `json:"accounts_by_status"`
	EntriesByStatus  map[string]int    `json:"entries_by_status"`
	PaidByCurrency   map[string]string `json:"paid_by_currency"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioResponse lists what a scenario created. Tokens are present
// only when the server issues JWTs.
type LoadScenarioResponse struct {
	Scenario ScenarioDTO       `json:"scenario"`
	Accounts []string          `json:"accounts"`
	Users    []string          `json:"users"`
	Tokens   map[string]string `json:"tokens,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(a generic.Amount) string { return a.Value.StringFixed(2) }

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func timestampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}

func toAccountDTO(a *generic.Account) AccountDTO {
	return AccountDTO{
		ID:            string(a.ID),
		Kind:          string(a.Kind),
		OwnerID:       string(a.OwnerID),
		Name:          a.Name,
		Frequency:     string(a.Frequency),
		AdvancePolicy: string(a.Policy),
		Amount:        money(a.BaseAmount),
		Currency:      string(a.Currency()),
		Mode:          string(a.Mode),
		StartDate:     a.StartDate.String(),
		EndDate:       a.EndDate.String(),
		TotalExpected: money(a.TotalExpected),
		PaidTotal:     money(a.PaidTotal),
		Status:        string(a.Status),
		MemberLimit:   a.MemberLimit,
		Duration:      a.Duration,
		CreatedAt:     timestamp(a.CreatedAt),
	}
}

func toParticipantDTOs(ps []generic.Participant) []ParticipantDTO {
	dtos := make([]ParticipantDTO, len(ps))
	for i, p := range ps {
		dtos[i] = ParticipantDTO{
			ID:               string(p.ID),
			UserID:           string(p.UserID),
			Position:         p.Position,
			Status:           string(p.Status),
			TotalContributed: money(p.TotalContributed),
			TotalReceived:    money(p.TotalReceived),
			JoinedAt:         timestamp(p.JoinedAt),
		}
	}
	return dtos
}

func toEventDTO(e *generic.ScheduledEvent) EventDTO {
	return EventDTO{
		ID:            string(e.ID),
		Kind:          string(e.Kind),
		Sequence:      e.Sequence,
		ParticipantID: string(e.ParticipantID),
		DueDate:       e.DueDate.String(),
		Expected:      money(e.Expected),
		Status:        string(e.Status),
		PaidAmount:    money(e.PaidAmount),
		PaidAt:        timestampPtr(e.PaidAt),
	}
}

func toEventDTOs(es []generic.ScheduledEvent) []EventDTO {
	dtos := make([]EventDTO, len(es))
	for i := range es {
		dtos[i] = toEventDTO(&es[i])
	}
	return dtos
}

func toEntryDTO(e *generic.Entry) EntryDTO {
	return EntryDTO{
		ID:            string(e.ID),
		AccountID:     string(e.AccountID),
		Kind:          string(e.Kind),
		UserID:        string(e.UserID),
		ParticipantID: string(e.ParticipantID),
		EventID:       string(e.EventID),
		Amount:        money(e.Amount),
		Currency:      string(e.Amount.Currency),
		Cycle:         e.Cycle,
		Status:        string(e.Status),
		Method:        string(e.Method),
		Reference:     e.Reference,
		Reason:        e.Reason,
		ProcessedBy:   string(e.ProcessedBy),
		ProcessedAt:   timestampPtr(e.ProcessedAt),
		CreatedAt:     timestamp(e.CreatedAt),
	}
}

func toWalletDTO(w *generic.Wallet) WalletDTO {
	return WalletDTO{
		ID:        string(w.ID),
		UserID:    string(w.UserID),
		Currency:  string(w.Currency),
		Balance:   money(w.Balance),
		UpdatedAt: timestamp(w.UpdatedAt),
	}
}

func toWalletTransactionDTO(t *generic.WalletTransaction) WalletTransactionDTO {
	return WalletTransactionDTO{
		ID:             string(t.ID),
		Type:           string(t.Type),
		Delta:          money(t.Delta),
		BalanceAfter:   money(t.BalanceAfter),
		Currency:       string(t.Delta.Currency),
		ReferenceID:    t.ReferenceID,
		Reason:         t.Reason,
		IdempotencyKey: t.IdempotencyKey,
		CreatedAt:      timestamp(t.CreatedAt),
	}
}

func toCycleDTO(c generic.CycleProgress) CycleDTO {
	return CycleDTO{
		AccountID:    string(c.AccountID),
		Cycle:        c.Cycle,
		Paid:         c.Paid,
		Participants: c.Participants,
		Remaining:    c.Remaining(),
		Ready:        c.Ready,
	}
}
