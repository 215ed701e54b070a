/*
Package tikane implements Ti Kanè installment savings accounts.

PURPOSE:
  A Ti Kanè account commits its owner to a fixed number of installments
  over a fixed duration. The whole schedule is generated when the account
  is opened; the account completes once every installment is paid.

DURATION AND SCHEDULE:
  Durations are fixed day counts, never calendar months:
    1m -> 30 days, 3m -> 90 days, 6m -> 180 days
  Installments advance by fixed days too (daily 1, weekly 7, biweekly 14,
  monthly 30), so a 3m weekly account has 90/7 = 12 installments.
  The end date is always start + duration days.

  Example: 100 HTG daily, 1m, fixed, start 2025-03-01
    30 installments 2025-03-01 .. 2025-03-30, total 3000 HTG, end 2025-03-31

AMOUNT MODE:
  fixed        every installment is the base amount
  progressive  installment n is base x n

  With ProgressiveBelow set, an account opened without an explicit mode
  whose base is below the threshold becomes progressive. The rule is off
  unless configured.

PAYMENTS:
  PayInstallment settles the next installment that is neither paid nor
  awaiting approval, or a specific sequence when asked. Wallet payments
  settle at once; other methods wait for the owner's approval.

SEE ALSO:
  - generic/schedule.go: AdvanceFixedDays, DurationDays
  - generic/ledger.go: RecordEvent, MarkPaid
  - policies.go: JSON presets
*/
package tikane

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kotize/savings-engine/generic"
)

// Service is the Ti Kanè entry point.
type Service struct {
	store            generic.Store
	lifecycle        *generic.Lifecycle
	ledger           *generic.Ledger
	notifier         generic.Notifier
	logger           *slog.Logger
	progressiveBelow decimal.Decimal
}

// Option configures a Service.
type Option func(*Service)

// WithProgressiveBelow turns accounts whose base amount is below threshold
// into progressive accounts when no mode was requested. Zero disables it.
func WithProgressiveBelow(threshold decimal.Decimal) Option {
	return func(s *Service) { s.progressiveBelow = threshold }
}

func NewService(store generic.Store, lifecycle *generic.Lifecycle, ledger *generic.Ledger, notifier generic.Notifier, logger *slog.Logger, opts ...Option) *Service {
	if notifier == nil {
		notifier = generic.NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     store,
		lifecycle: lifecycle,
		ledger:    ledger,
		notifier:  notifier,
		logger:    logger.With("component", "tikane"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// TYPES
// =============================================================================

type OpenInput struct {
	Name      string
	Amount    generic.Amount
	Frequency generic.Frequency // empty means daily
	Duration  string            // 1m, 3m or 6m
	Mode      generic.AmountMode
	StartDate generic.TimePoint
}

// PaymentInput describes one installment payment. Sequence 0 selects the
// next open installment; a zero Amount pays the expected amount.
type PaymentInput struct {
	Sequence       int
	Amount         generic.Amount
	Method         generic.Method
	Reference      string
	IdempotencyKey string
}

// Progress summarizes an account's schedule as of a date.
type Progress struct {
	Account   generic.Account
	Events    []generic.ScheduledEvent
	Paid      int
	Remaining int
	Overdue   int
	NextDue   *generic.ScheduledEvent
}

// =============================================================================
// PLANNER
// =============================================================================

// Planner derives the installment schedule from the account's own terms.
type Planner struct{}

func (Planner) Plan(acc *generic.Account, _ []generic.Participant) (generic.SchedulePlan, error) {
	if acc.Kind != generic.KindTiKane {
		return generic.SchedulePlan{}, &generic.ValidationError{Field: "kind", Reason: "not a Ti Kanè account"}
	}
	days, err := generic.DurationDays(acc.Duration)
	if err != nil {
		return generic.SchedulePlan{}, err
	}
	step, err := acc.Frequency.FixedDays()
	if err != nil {
		return generic.SchedulePlan{}, err
	}
	count := days / step
	if count == 0 {
		return generic.SchedulePlan{}, &generic.ValidationError{Field: "duration",
			Reason: fmt.Sprintf("%s is shorter than one %s installment", acc.Duration, acc.Frequency)}
	}
	return generic.SchedulePlan{
		Kind: generic.EventInstallment,
		Request: generic.ScheduleRequest{
			Start:     acc.StartDate,
			Frequency: acc.Frequency,
			Policy:    generic.AdvanceFixedDays,
			Count:     count,
			Rule:      generic.AmountRule{Base: acc.BaseAmount, Mode: acc.Mode},
		},
		End: acc.StartDate.AddDays(days),
	}, nil
}

// =============================================================================
// OPEN
// =============================================================================

// Open creates an account for owner together with its full schedule.
func (s *Service) Open(ctx context.Context, owner generic.UserID, in OpenInput) (*generic.Account, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "Ti Kanè"
	}
	freq := generic.FrequencyDaily
	if in.Frequency != "" {
		var err error
		if freq, err = generic.ParseFrequency(string(in.Frequency)); err != nil {
			return nil, err
		}
	}
	mode, err := s.modeFor(in)
	if err != nil {
		return nil, err
	}
	start := in.StartDate
	if start.IsZero() {
		start = generic.Today()
	}

	acc := generic.Account{
		Kind:       generic.KindTiKane,
		OwnerID:    owner,
		Name:       name,
		Frequency:  freq,
		Policy:     generic.AdvanceFixedDays,
		BaseAmount: in.Amount,
		Mode:       mode,
		StartDate:  start,
		Duration:   strings.ToLower(strings.TrimSpace(in.Duration)),
	}
	plan, err := Planner{}.Plan(&acc, nil)
	if err != nil {
		return nil, err
	}
	created, err := s.lifecycle.Create(ctx, acc, plan)
	if err != nil {
		return nil, err
	}
	s.logger.Info("account opened", "account_id", created.ID, "owner", owner, "duration", created.Duration,
		"installments", plan.Request.Count, "mode", created.Mode)
	return created, nil
}

func (s *Service) modeFor(in OpenInput) (generic.AmountMode, error) {
	if in.Mode != "" {
		return generic.ParseAmountMode(string(in.Mode))
	}
	if s.progressiveBelow.IsPositive() && in.Amount.Value.LessThan(s.progressiveBelow) {
		s.logger.Warn("base amount below progressive threshold, opening as progressive",
			"amount", in.Amount.String(), "threshold", s.progressiveBelow.String())
		return generic.ModeProgressive, nil
	}
	return generic.ModeFixed, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PayInstallment records the owner's payment of one installment.
func (s *Service) PayInstallment(ctx context.Context, accountID generic.AccountID, user generic.UserID, in PaymentInput) (*generic.Entry, error) {
	acc, err := s.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.OwnerID != user {
		return nil, &generic.NotFoundError{Kind: "account", ID: string(accountID)}
	}

	ev, err := s.targetEvent(ctx, acc, in.Sequence)
	if err != nil {
		return nil, err
	}
	amount := in.Amount
	if amount.Currency == "" && amount.IsZero() {
		amount = ev.Expected
	}

	return s.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind:           generic.EntryInstallment,
		AccountID:      acc.ID,
		UserID:         user,
		EventID:        ev.ID,
		Amount:         amount,
		Cycle:          ev.Sequence,
		Method:         in.Method,
		Reference:      in.Reference,
		IdempotencyKey: in.IdempotencyKey,
	})
}

// targetEvent picks the installment a payment applies to. The ledger
// re-checks the choice under lock.
func (s *Service) targetEvent(ctx context.Context, acc *generic.Account, sequence int) (*generic.ScheduledEvent, error) {
	events, err := s.store.ListScheduledEvents(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	if sequence > 0 {
		for i := range events {
			if events[i].Sequence == sequence {
				return &events[i], nil
			}
		}
		return nil, &generic.NotFoundError{Kind: "installment", ID: fmt.Sprintf("%s#%d", acc.ID, sequence)}
	}

	inFlight, err := s.store.ListEntries(ctx, generic.EntryFilter{
		AccountID: acc.ID, Kind: generic.EntryInstallment, Status: generic.EntryPending,
	})
	if err != nil {
		return nil, err
	}
	awaiting := make(map[generic.EventID]bool, len(inFlight))
	for _, e := range inFlight {
		awaiting[e.EventID] = true
	}
	for i := range events {
		if events[i].Status == generic.EventPending && !awaiting[events[i].ID] {
			return &events[i], nil
		}
	}
	return nil, fmt.Errorf("%w: every installment is paid or awaiting approval", generic.ErrAlreadyPaid)
}

// =============================================================================
// READS AND MAINTENANCE
// =============================================================================

// Progress reports how far the account is as of asOf.
func (s *Service) Progress(ctx context.Context, accountID generic.AccountID, asOf generic.TimePoint) (*Progress, error) {
	acc, err := s.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListScheduledEvents(ctx, accountID)
	if err != nil {
		return nil, err
	}

	p := &Progress{Account: *acc, Events: events}
	for i := range events {
		if events[i].Status == generic.EventPaid {
			p.Paid++
			continue
		}
		p.Remaining++
		if events[i].IsOverdue(asOf) {
			p.Overdue++
		}
		if p.NextDue == nil {
			p.NextDue = &events[i]
		}
	}
	return p, nil
}

// Regenerate rebuilds the schedule from the account's terms. Refused once
// any installment is paid or awaiting approval.
func (s *Service) Regenerate(ctx context.Context, accountID generic.AccountID, actor generic.Actor) (*generic.Account, error) {
	if _, err := s.getAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.lifecycle.Regenerate(ctx, accountID, actor, Planner{})
}

// NotifyOverdue tells owners about installments due before asOf that are
// still unpaid, one notification per account. It returns the number of
// overdue installments found.
func (s *Service) NotifyOverdue(ctx context.Context, asOf generic.TimePoint) (int, error) {
	due, err := s.store.ListDueEvents(ctx, generic.EventInstallment, asOf)
	if err != nil {
		return 0, err
	}

	perAccount := make(map[generic.AccountID][]generic.ScheduledEvent)
	var order []generic.AccountID
	for _, ev := range due {
		if _, seen := perAccount[ev.AccountID]; !seen {
			order = append(order, ev.AccountID)
		}
		perAccount[ev.AccountID] = append(perAccount[ev.AccountID], ev)
	}

	for _, id := range order {
		acc, err := s.store.GetAccount(ctx, id)
		if err != nil {
			return len(due), err
		}
		events := perAccount[id]
		owed := acc.BaseAmount.Zero()
		for _, ev := range events {
			owed = owed.Add(ev.Expected)
		}
		s.logger.Info("installments overdue", "account_id", id, "owner", acc.OwnerID, "count", len(events), "owed", owed.String())
		generic.Dispatch(ctx, s.notifier, s.logger, generic.Notification{
			Type:      generic.NotifyInstallmentOverdue,
			UserID:    acc.OwnerID,
			AccountID: id,
			EventID:   events[0].ID,
			Amount:    owed.Value.String(),
			Currency:  owed.Currency,
			Cycle:     events[0].Sequence,
			Message:   fmt.Sprintf("%d installments of %s are overdue (%s)", len(events), acc.Name, owed),
		})
	}
	return len(due), nil
}

func (s *Service) getAccount(ctx context.Context, id generic.AccountID) (*generic.Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.Kind != generic.KindTiKane {
		return nil, &generic.NotFoundError{Kind: "account", ID: string(id)}
	}
	return acc, nil
}
