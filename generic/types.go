/*
Package generic provides the core savings engine shared by every product line.

PURPOSE:
  This package contains product-agnostic types and algorithms for scheduled
  savings: rotating SOL groups and fixed-duration Ti Kanè accounts both
  reduce to an account with a generated schedule of due events, a ledger of
  payments against that schedule, and per-user wallets that fund payments
  and receive payouts.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A decimal quantity in a currency (e.g., 100 HTG)
  - Account: A SOL group or Ti Kanè account with its derived totals
  - Participant: A SOL member with an immutable payout position
  - ScheduledEvent: One due installment or payout
  - Entry: A contribution, installment or payout ledger row
  - Wallet / WalletTransaction: Balance per (user, currency) and its audit trail

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal, never floats, for money
  2. Type Safety: Distinct ID types prevent mixing account and user IDs
  3. Explicit identity: Every operation receives the acting user as a value
  4. Auditability: Every wallet mutation leaves an append-only row

USAGE:
  base := generic.NewAmountFromInt(100, generic.CurrencyHTG)
  sched, err := generic.GenerateSchedule(generic.ScheduleRequest{
      Start:     generic.NewTimePoint(2025, time.March, 1),
      Frequency: generic.FrequencyDaily,
      Policy:    generic.AdvanceFixedDays,
      Count:     30,
      Rule:      generic.AmountRule{Base: base, Mode: generic.ModeFixed},
  })

SEE ALSO:
  - schedule.go: Schedule generation and advance policies
  - ledger.go: Entry lifecycle and paid transitions
  - wallet.go: Atomic debit/credit
  - lifecycle.go: Account creation and regeneration
*/
package generic

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Decimal quantity with currency
// =============================================================================

type Currency string

const (
	CurrencyHTG Currency = "HTG"
	CurrencyUSD Currency = "USD"
)

// ParseCurrency normalizes a three-letter currency code.
func ParseCurrency(s string) (Currency, error) {
	c := strings.ToUpper(strings.TrimSpace(s))
	if len(c) != 3 {
		return "", &ValidationError{Field: "currency", Reason: fmt.Sprintf("%q is not a three-letter code", s)}
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", &ValidationError{Field: "currency", Reason: fmt.Sprintf("%q is not a three-letter code", s)}
		}
	}
	return Currency(c), nil
}

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromInt(value int64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromInt(value), Currency: currency}
}

// MoneyPlaces is the number of decimal places every stored amount carries.
// Both stores keep money at this scale (NUMERIC(18,2) on PostgreSQL).
const MoneyPlaces = 2

// ParseAmount parses a decimal string such as "150.25". Values with more
// than MoneyPlaces significant decimals are rejected, not rounded.
func ParseAmount(value string, currency Currency) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Amount{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%q is not a decimal", value)}
	}
	a := Amount{Value: d, Currency: currency}
	if err := checkScale("amount", a); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// MustParseDecimal is for literals; it panics on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DecodeDecimal parses a decimal read back from storage. A malformed value
// means the row is corrupt and is reported as a StorageError.
func DecodeDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &StorageError{Op: "decode " + column, Err: err}
	}
	return d, nil
}

// checkScale rejects amounts that would be rounded when stored.
func checkScale(field string, a Amount) error {
	if !a.Value.Equal(a.Value.Truncate(MoneyPlaces)) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%s has more than %d decimal places", a.Value, MoneyPlaces)}
	}
	return nil
}

func (a Amount) Zero() Amount                   { return Amount{Value: decimal.Zero, Currency: a.Currency} }
func (a Amount) Add(b Amount) Amount            { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount            { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Mul(s decimal.Decimal) Amount   { return Amount{Value: a.Value.Mul(s), Currency: a.Currency} }
func (a Amount) MulInt(n int) Amount            { return a.Mul(decimal.NewFromInt(int64(n))) }
func (a Amount) Neg() Amount                    { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) IsNegative() bool               { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                   { return a.Value.IsZero() }
func (a Amount) IsPositive() bool               { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool      { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool         { return a.Value.LessThan(b.Value) }
func (a Amount) GreaterOrEqual(b Amount) bool   { return a.Value.GreaterThanOrEqual(b.Value) }
func (a Amount) SameCurrency(b Amount) bool     { return a.Currency == b.Currency }
func (a Amount) String() string                 { return a.Value.StringFixed(2) + " " + string(a.Currency) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type AccountID string
type ParticipantID string
type EventID string
type EntryID string
type WalletID string
type TransactionID string

// NewID returns a random identifier for any row type.
func NewID() string { return uuid.NewString() }

// Actor is the authenticated caller of a mutating operation.
type Actor struct {
	UserID UserID
	Admin  bool
}

// CanManage reports whether the actor may approve, mark or regenerate on the account.
func (a Actor) CanManage(acc *Account) bool {
	return a.Admin || (acc != nil && a.UserID != "" && a.UserID == acc.OwnerID)
}

// =============================================================================
// ACCOUNT - SOL group or Ti Kanè account
// =============================================================================

type AccountKind string

const (
	KindSOL    AccountKind = "sol"
	KindTiKane AccountKind = "tikane"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountCompleted AccountStatus = "completed"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

type AmountMode string

const (
	ModeFixed       AmountMode = "fixed"
	ModeProgressive AmountMode = "progressive"
)

// ParseAmountMode defaults an empty mode to fixed.
func ParseAmountMode(s string) (AmountMode, error) {
	switch AmountMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeFixed:
		return ModeFixed, nil
	case ModeProgressive:
		return ModeProgressive, nil
	}
	return "", &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown amount mode %q", s)}
}

type Account struct {
	ID            AccountID
	Kind          AccountKind
	OwnerID       UserID
	Name          string
	Frequency     Frequency
	Policy        AdvancePolicy
	BaseAmount    Amount // contribution per member (SOL) or installment base (Ti Kanè)
	Mode          AmountMode
	StartDate     TimePoint
	EndDate       TimePoint
	TotalExpected Amount
	PaidTotal     Amount
	Status        AccountStatus
	MemberLimit   int    // SOL only
	Duration      string // Ti Kanè only: 1m, 3m, 6m
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Currency returns the account's currency.
func (a *Account) Currency() Currency { return a.BaseAmount.Currency }

// =============================================================================
// PARTICIPANT - SOL member
// =============================================================================

type ParticipantStatus string

const (
	ParticipantActive  ParticipantStatus = "active"
	ParticipantPaidOut ParticipantStatus = "paid_out"
)

type Participant struct {
	ID               ParticipantID
	AccountID        AccountID
	UserID           UserID
	Position         int // 1-based, immutable
	Status           ParticipantStatus
	TotalContributed Amount
	TotalReceived    Amount
	JoinedAt         time.Time
}

// =============================================================================
// SCHEDULED EVENT - Due installment or payout
// =============================================================================

type EventKind string

const (
	EventInstallment EventKind = "installment"
	EventPayout      EventKind = "payout"
)

type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventPaid    EventStatus = "paid"
)

type ScheduledEvent struct {
	ID            EventID
	AccountID     AccountID
	ParticipantID ParticipantID // payouts only
	Kind          EventKind
	Sequence      int
	DueDate       TimePoint
	Expected      Amount
	Status        EventStatus
	PaidAmount    Amount
	PaidAt        *time.Time
}

// IsOverdue reports whether a pending event's due date is before asOf.
func (e ScheduledEvent) IsOverdue(asOf TimePoint) bool {
	return e.Status == EventPending && e.DueDate.Before(asOf)
}

// =============================================================================
// ENTRY - Contribution, installment or payout ledger row
// =============================================================================

type EntryKind string

const (
	EntryContribution EntryKind = "contribution"
	EntryInstallment  EntryKind = "installment"
	EntryPayout       EntryKind = "payout"
)

type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryPaid       EntryStatus = "paid"
	EntryRejected   EntryStatus = "rejected"
	EntryInitiated  EntryStatus = "initiated"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
)

type Method string

const (
	MethodWallet       Method = "wallet"
	MethodCash         Method = "cash"
	MethodMonCash      Method = "moncash"
	MethodNatCash      Method = "natcash"
	MethodBankTransfer Method = "bank_transfer"
)

// ParseMethod accepts the known payment methods, defaulting to wallet.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case "":
		return MethodWallet, nil
	case MethodWallet, MethodCash, MethodMonCash, MethodNatCash, MethodBankTransfer:
		return m, nil
	}
	return "", &ValidationError{Field: "method", Reason: fmt.Sprintf("unknown payment method %q", s)}
}

type Entry struct {
	ID            EntryID
	AccountID     AccountID
	ParticipantID ParticipantID
	UserID        UserID
	EventID       EventID
	Kind          EntryKind
	Amount        Amount
	Cycle         int
	Status        EntryStatus
	Method        Method
	Reference     string
	Reason        string
	ProcessedBy   UserID
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// =============================================================================
// WALLET - One row per (user, currency)
// =============================================================================

type Wallet struct {
	ID        WalletID
	UserID    UserID
	Currency  Currency
	Balance   Amount
	CreatedAt time.Time
	UpdatedAt time.Time
}

type WalletTxType string

const (
	WalletCredit WalletTxType = "credit"
	WalletDebit  WalletTxType = "debit"
)

// WalletTransaction is the append-only audit row written for every balance change.
type WalletTransaction struct {
	ID             TransactionID
	WalletID       WalletID
	UserID         UserID
	Type           WalletTxType
	Delta          Amount // signed
	BalanceAfter   Amount
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}
