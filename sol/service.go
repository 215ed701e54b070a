/*
Package sol implements SOL rotating savings groups on top of the generic
engine.

PURPOSE:
  A SOL group has N members who each contribute the same amount every
  cycle. Cycle k pays the whole pot (amount x N) to the member at position
  k. The payout schedule therefore depends on membership and is rebuilt
  every time someone joins.

GROUP LIFECYCLE:
  CreateGroup   -> account with an empty payout schedule (owner may join)
  Join          -> next position, schedule regenerated in the same tx
  Contribute    -> one contribution per member and cycle
  CycleStatus   -> paid members vs member count
  InitiatePayout-> only when every member has paid the cycle
  AdvancePayout -> initiated -> processing -> completed (wallet credit)

JOIN RULES:
  - Joining twice returns the existing membership
  - ErrGroupFull once MemberLimit members have joined
  - ErrRotationStarted once a payout exists; positions are final from then on
  - Positions come from max(position)+1 under the group lock; a unique
    (account, position) collision is retried

SCHEDULE:
  Calendar advance from the group start date, one payout per member:
    members: A(1) B(2) C(3), weekly, 500 HTG, start 2025-03-03
    payouts: A 2025-03-03, B 2025-03-10, C 2025-03-17, each 1500 HTG

SEE ALSO:
  - generic/lifecycle.go: Create / RegenerateTx
  - generic/readiness.go: EvaluateCycle
  - policies.go: JSON presets
*/
package sol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kotize/savings-engine/generic"
)

const (
	// DefaultMemberLimit applies when a group is created without a limit.
	DefaultMemberLimit = 10
	// joinAttempts bounds retries of a join that lost a position race.
	joinAttempts = 3
)

// Service is the SOL group entry point.
type Service struct {
	store     generic.Store
	lifecycle *generic.Lifecycle
	ledger    *generic.Ledger
	notifier  generic.Notifier
	logger    *slog.Logger
}

func NewService(store generic.Store, lifecycle *generic.Lifecycle, ledger *generic.Ledger, notifier generic.Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = generic.NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		lifecycle: lifecycle,
		ledger:    ledger,
		notifier:  notifier,
		logger:    logger.With("component", "sol"),
	}
}

// =============================================================================
// TYPES
// =============================================================================

type CreateGroupInput struct {
	Name        string
	Amount      generic.Amount // contribution per member and cycle
	Frequency   generic.Frequency
	StartDate   generic.TimePoint
	MemberLimit int
	OwnerJoins  bool
}

// ContributeInput identifies the cycle paid and how.
type ContributeInput struct {
	Cycle          int
	Method         generic.Method
	Reference      string
	IdempotencyKey string
}

// Group is a SOL account with its members and payout schedule.
type Group struct {
	Account      generic.Account
	Participants []generic.Participant
	Payouts      []generic.ScheduledEvent
}

// PayoutAmount is what each cycle pays out with the current membership.
func (g *Group) PayoutAmount() generic.Amount {
	return g.Account.BaseAmount.MulInt(len(g.Participants))
}

// =============================================================================
// PLANNER
// =============================================================================

// Planner derives the payout schedule from membership.
type Planner struct{}

// Plan returns one payout per member, ordered by position, each worth the
// whole pot.
func (Planner) Plan(acc *generic.Account, participants []generic.Participant) (generic.SchedulePlan, error) {
	if acc.Kind != generic.KindSOL {
		return generic.SchedulePlan{}, &generic.ValidationError{Field: "kind", Reason: "not a SOL group"}
	}
	recipients := make([]generic.ParticipantID, 0, len(participants))
	for _, p := range participants {
		recipients = append(recipients, p.ID)
	}
	pot := acc.BaseAmount
	if len(participants) > 0 {
		pot = acc.BaseAmount.MulInt(len(participants))
	}
	return generic.SchedulePlan{
		Kind: generic.EventPayout,
		Request: generic.ScheduleRequest{
			Start:     acc.StartDate,
			Frequency: acc.Frequency,
			Policy:    generic.AdvanceCalendar,
			Count:     len(participants),
			Rule:      generic.AmountRule{Base: pot, Mode: generic.ModeFixed},
		},
		Recipients: recipients,
	}, nil
}

// =============================================================================
// CREATE AND JOIN
// =============================================================================

// CreateGroup opens a group owned by owner.
func (s *Service) CreateGroup(ctx context.Context, owner generic.UserID, in CreateGroupInput) (*Group, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, &generic.ValidationError{Field: "name", Reason: "required"}
	}
	freq, err := generic.ParseFrequency(string(in.Frequency))
	if err != nil {
		return nil, err
	}
	limit := in.MemberLimit
	if limit == 0 {
		limit = DefaultMemberLimit
	}
	if limit < 2 {
		return nil, &generic.ValidationError{Field: "member_limit", Reason: "a group needs at least 2 members"}
	}
	start := in.StartDate
	if start.IsZero() {
		start = generic.Today()
	}

	acc := generic.Account{
		Kind:        generic.KindSOL,
		OwnerID:     owner,
		Name:        strings.TrimSpace(in.Name),
		Frequency:   freq,
		Policy:      generic.AdvanceCalendar,
		BaseAmount:  in.Amount,
		Mode:        generic.ModeFixed,
		StartDate:   start,
		MemberLimit: limit,
	}
	plan, err := Planner{}.Plan(&acc, nil)
	if err != nil {
		return nil, err
	}

	var created *generic.Account
	err = s.store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		if created, err = s.lifecycle.CreateTx(ctx, tx, acc, plan); err != nil {
			return err
		}
		if in.OwnerJoins {
			_, _, err = s.joinTx(ctx, tx, created.ID, owner)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("group created", "account_id", created.ID, "owner", owner,
		"amount", created.BaseAmount.String(), "frequency", created.Frequency, "member_limit", created.MemberLimit)
	return s.Group(ctx, created.ID)
}

// Join adds user to the group, or returns the existing membership.
func (s *Service) Join(ctx context.Context, groupID generic.AccountID, user generic.UserID) (*generic.Participant, error) {
	if user == "" {
		return nil, &generic.ValidationError{Field: "user_id", Reason: "required"}
	}

	var (
		p      *generic.Participant
		joined bool
		err    error
	)
	for attempt := 1; attempt <= joinAttempts; attempt++ {
		err = s.store.WithTx(ctx, func(tx generic.Tx) error {
			var err error
			p, joined, err = s.joinTx(ctx, tx, groupID, user)
			return err
		})
		if !errors.Is(err, generic.ErrDuplicate) {
			break
		}
		s.logger.Debug("join collided, retrying", "account_id", groupID, "user_id", user, "attempt", attempt)
	}
	if err != nil {
		return nil, err
	}

	if joined {
		s.logger.Info("member joined", "account_id", groupID, "user_id", user, "position", p.Position)
		s.notifyJoined(ctx, groupID, p)
	}
	return p, nil
}

// joinTx reports whether a new membership was created.
func (s *Service) joinTx(ctx context.Context, tx generic.Tx, groupID generic.AccountID, user generic.UserID) (*generic.Participant, bool, error) {
	acc, err := s.lockGroup(ctx, tx, groupID)
	if err != nil {
		return nil, false, err
	}
	if acc.Status != generic.AccountActive {
		return nil, false, fmt.Errorf("%w: %s", generic.ErrAccountInactive, acc.Status)
	}

	existing, err := tx.FindParticipant(ctx, groupID, user)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if err := s.checkRotationNotStarted(ctx, tx, groupID); err != nil {
		return nil, false, err
	}
	members, err := tx.ListParticipants(ctx, groupID)
	if err != nil {
		return nil, false, err
	}
	if acc.MemberLimit > 0 && len(members) >= acc.MemberLimit {
		return nil, false, fmt.Errorf("%w: %d of %d", generic.ErrGroupFull, len(members), acc.MemberLimit)
	}

	position, err := tx.NextPosition(ctx, groupID)
	if err != nil {
		return nil, false, err
	}
	p := generic.Participant{
		ID:               generic.ParticipantID(generic.NewID()),
		AccountID:        groupID,
		UserID:           user,
		Position:         position,
		Status:           generic.ParticipantActive,
		TotalContributed: acc.BaseAmount.Zero(),
		TotalReceived:    acc.BaseAmount.Zero(),
		JoinedAt:         time.Now().UTC(),
	}
	if err := tx.InsertParticipant(ctx, p); err != nil {
		return nil, false, err
	}

	plan, err := Planner{}.Plan(acc, append(members, p))
	if err != nil {
		return nil, false, err
	}
	if err := s.lifecycle.RegenerateTx(ctx, tx, acc, plan); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (s *Service) checkRotationNotStarted(ctx context.Context, tx generic.Tx, groupID generic.AccountID) error {
	payouts, err := tx.ListEntries(ctx, generic.EntryFilter{AccountID: groupID, Kind: generic.EntryPayout})
	if err != nil {
		return err
	}
	if len(payouts) > 0 {
		return fmt.Errorf("%w: %d payouts recorded", generic.ErrRotationStarted, len(payouts))
	}
	paid, err := tx.CountPaidEvents(ctx, groupID)
	if err != nil {
		return err
	}
	if paid > 0 {
		return fmt.Errorf("%w: %d payouts settled", generic.ErrRotationStarted, paid)
	}
	return nil
}

// =============================================================================
// CONTRIBUTIONS AND CYCLES
// =============================================================================

// Contribute records user's contribution for a cycle. The amount is always
// the group's contribution amount.
func (s *Service) Contribute(ctx context.Context, groupID generic.AccountID, user generic.UserID, in ContributeInput) (*generic.Entry, error) {
	acc, err := s.getGroup(ctx, s.store, groupID)
	if err != nil {
		return nil, err
	}
	member, err := s.store.FindParticipant(ctx, groupID, user)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, &generic.NotFoundError{Kind: "membership", ID: string(user)}
	}
	members, err := s.store.ListParticipants(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if in.Cycle < 1 || in.Cycle > len(members) {
		return nil, &generic.ValidationError{Field: "cycle",
			Reason: fmt.Sprintf("must be between 1 and %d", len(members))}
	}

	entry, err := s.ledger.RecordEvent(ctx, generic.EntryInput{
		Kind:           generic.EntryContribution,
		AccountID:      groupID,
		ParticipantID:  member.ID,
		UserID:         user,
		Amount:         acc.BaseAmount,
		Cycle:          in.Cycle,
		Method:         in.Method,
		Reference:      in.Reference,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	if entry.Status == generic.EntryPaid {
		s.announceIfReady(ctx, acc, in.Cycle)
	}
	return entry, nil
}

// CycleStatus reports how many members have paid the cycle.
func (s *Service) CycleStatus(ctx context.Context, groupID generic.AccountID, cycle int) (generic.CycleProgress, error) {
	if _, err := s.getGroup(ctx, s.store, groupID); err != nil {
		return generic.CycleProgress{}, err
	}
	return generic.EvaluateCycle(ctx, s.store, groupID, cycle)
}

// announceIfReady tells the owner a cycle can be paid out.
func (s *Service) announceIfReady(ctx context.Context, acc *generic.Account, cycle int) {
	progress, err := generic.EvaluateCycle(ctx, s.store, acc.ID, cycle)
	if err != nil {
		s.logger.Warn("readiness check failed", "account_id", acc.ID, "cycle", cycle, "error", err)
		return
	}
	if !progress.Ready {
		return
	}
	s.logger.Info("cycle ready", "account_id", acc.ID, "cycle", cycle, "members", progress.Participants)
	generic.Dispatch(ctx, s.notifier, s.logger, generic.Notification{
		Type:      generic.NotifyCycleReady,
		UserID:    acc.OwnerID,
		AccountID: acc.ID,
		Cycle:     cycle,
		Message:   fmt.Sprintf("All %d members of %s have paid cycle %d", progress.Participants, acc.Name, cycle),
	})
}

// =============================================================================
// PAYOUTS
// =============================================================================

// InitiatePayout starts the payout of a fully paid cycle to the member at
// that position.
func (s *Service) InitiatePayout(ctx context.Context, groupID generic.AccountID, cycle int, actor generic.Actor) (*generic.Entry, error) {
	var (
		entry *generic.Entry
		acc   *generic.Account
	)
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		acc, err = s.lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if !actor.CanManage(acc) {
			return &generic.NotFoundError{Kind: "account", ID: string(groupID)}
		}

		progress, err := generic.EvaluateCycle(ctx, tx, groupID, cycle)
		if err != nil {
			return err
		}
		if !progress.Ready {
			return fmt.Errorf("%w: %d of %d members paid cycle %d",
				generic.ErrCycleNotReady, progress.Paid, progress.Participants, cycle)
		}

		recipient, event, err := s.payoutTarget(ctx, tx, groupID, cycle)
		if err != nil {
			return err
		}
		entry, err = s.ledger.InitiatePayoutTx(ctx, tx, acc, event, recipient, actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payout initiated", "account_id", groupID, "cycle", cycle,
		"recipient", entry.UserID, "amount", entry.Amount.String())
	generic.Dispatch(ctx, s.notifier, s.logger, generic.Notification{
		Type:      generic.NotifyPayoutInitiated,
		UserID:    entry.UserID,
		AccountID: groupID,
		EntryID:   entry.ID,
		EventID:   entry.EventID,
		Amount:    entry.Amount.Value.String(),
		Currency:  entry.Amount.Currency,
		Cycle:     cycle,
		Message:   fmt.Sprintf("Your payout of %s from %s is on its way", entry.Amount, acc.Name),
	})
	return entry, nil
}

// SweepReadyCycles finds, per active group, the first cycle without a payout
// and tells the owner when every member has paid it. It returns the cycles
// announced.
func (s *Service) SweepReadyCycles(ctx context.Context) ([]generic.CycleProgress, error) {
	groups, err := s.store.ListAccounts(ctx, generic.AccountFilter{Kind: generic.KindSOL, Status: generic.AccountActive})
	if err != nil {
		return nil, err
	}

	var ready []generic.CycleProgress
	for i := range groups {
		acc := &groups[i]
		payouts, err := s.store.ListEntries(ctx, generic.EntryFilter{AccountID: acc.ID, Kind: generic.EntryPayout})
		if err != nil {
			return ready, err
		}
		cycle := len(payouts) + 1
		members, err := s.store.ListParticipants(ctx, acc.ID)
		if err != nil {
			return ready, err
		}
		if cycle > len(members) {
			continue
		}
		progress, err := generic.EvaluateCycle(ctx, s.store, acc.ID, cycle)
		if err != nil {
			return ready, err
		}
		if progress.Ready {
			ready = append(ready, progress)
			s.announceIfReady(ctx, acc, cycle)
		}
	}
	return ready, nil
}

// AdvancePayout moves a payout entry one step forward.
func (s *Service) AdvancePayout(ctx context.Context, entryID generic.EntryID, actor generic.Actor) (*generic.Entry, error) {
	return s.ledger.AdvancePayout(ctx, entryID, actor)
}

func (s *Service) payoutTarget(ctx context.Context, tx generic.Tx, groupID generic.AccountID, cycle int) (*generic.Participant, *generic.ScheduledEvent, error) {
	members, err := tx.ListParticipants(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	var recipient *generic.Participant
	for i := range members {
		if members[i].Position == cycle {
			recipient = &members[i]
			break
		}
	}
	if recipient == nil {
		return nil, nil, &generic.ValidationError{Field: "cycle", Reason: fmt.Sprintf("no member at position %d", cycle)}
	}

	events, err := tx.ListScheduledEvents(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	for i := range events {
		if events[i].Kind == generic.EventPayout && events[i].Sequence == cycle {
			return recipient, &events[i], nil
		}
	}
	return nil, nil, &generic.NotFoundError{Kind: "payout event", ID: fmt.Sprintf("%s#%d", groupID, cycle)}
}

// =============================================================================
// READS AND MAINTENANCE
// =============================================================================

// Group returns the group with members and payout schedule.
func (s *Service) Group(ctx context.Context, groupID generic.AccountID) (*Group, error) {
	acc, err := s.getGroup(ctx, s.store, groupID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListParticipants(ctx, groupID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListScheduledEvents(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return &Group{Account: *acc, Participants: members, Payouts: events}, nil
}

// Regenerate rebuilds the payout schedule from the current membership.
func (s *Service) Regenerate(ctx context.Context, groupID generic.AccountID, actor generic.Actor) (*generic.Account, error) {
	if _, err := s.getGroup(ctx, s.store, groupID); err != nil {
		return nil, err
	}
	return s.lifecycle.Regenerate(ctx, groupID, actor, Planner{})
}

func (s *Service) getGroup(ctx context.Context, r generic.Reader, id generic.AccountID) (*generic.Account, error) {
	acc, err := r.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.Kind != generic.KindSOL {
		return nil, &generic.NotFoundError{Kind: "group", ID: string(id)}
	}
	return acc, nil
}

func (s *Service) lockGroup(ctx context.Context, tx generic.Tx, id generic.AccountID) (*generic.Account, error) {
	acc, err := tx.LockAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.Kind != generic.KindSOL {
		return nil, &generic.NotFoundError{Kind: "group", ID: string(id)}
	}
	return acc, nil
}

func (s *Service) notifyJoined(ctx context.Context, groupID generic.AccountID, p *generic.Participant) {
	acc, err := s.store.GetAccount(ctx, groupID)
	if err != nil {
		s.logger.Warn("join notification skipped", "account_id", groupID, "error", err)
		return
	}
	note := generic.Notification{
		Type:      generic.NotifyMemberJoined,
		UserID:    p.UserID,
		AccountID: groupID,
		Cycle:     p.Position,
		Message:   fmt.Sprintf("You joined %s at position %d", acc.Name, p.Position),
	}
	notes := []generic.Notification{note}
	if acc.OwnerID != p.UserID {
		owner := note
		owner.UserID = acc.OwnerID
		owner.Message = fmt.Sprintf("%s joined %s at position %d", p.UserID, acc.Name, p.Position)
		notes = append(notes, owner)
	}
	generic.Dispatch(ctx, s.notifier, s.logger, notes...)
}
