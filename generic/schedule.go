/*
schedule.go - Deterministic schedule generation

PURPOSE:
  Computes the ordered list of due events for an account from a start date,
  a frequency, a count and an amount rule. Generation is pure: the same
  request always yields the same schedule and nothing is stored between calls.

ADVANCE POLICIES:
  Two date-advance policies coexist, one per product line, and are never
  unified:

    AdvanceCalendar  (SOL payouts)
      daily +1 day, weekly +7 days, biweekly +14 days,
      monthly +1 calendar month (day clamped to the month's last day)

    AdvanceFixedDays (Ti Kanè installments)
      daily 1, weekly 7, biweekly 14, monthly 30 fixed days.
      Duration codes map to fixed day counts: 1m=30, 3m=90, 6m=180.

  Slot n (1-based) is due at Advance(start, n-1); the schedule ends at
  Advance(start, count).

AMOUNT RULES:
  fixed:       every slot expects the base amount
  progressive: slot n expects base * n

EXAMPLE:
  Start 2025-01-31, monthly, calendar, 3 slots:
    #1 2025-01-31   #2 2025-02-28   #3 2025-03-31   end 2025-04-30

SEE ALSO:
  - lifecycle.go: Persists generated schedules
  - sol/service.go, tikane/service.go: Build requests per product
*/
package generic

import (
	"fmt"
	"strings"
)

// =============================================================================
// FREQUENCY
// =============================================================================

type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// ParseFrequency rejects anything outside the four known units.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
	}
	return f, nil
}

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}

// FixedDays is the fixed day count of one unit under AdvanceFixedDays.
func (f Frequency) FixedDays() (int, error) {
	switch f {
	case FrequencyDaily:
		return 1, nil
	case FrequencyWeekly:
		return 7, nil
	case FrequencyBiweekly:
		return 14, nil
	case FrequencyMonthly:
		return 30, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, f)
}

// =============================================================================
// ADVANCE POLICY
// =============================================================================

type AdvancePolicy string

const (
	AdvanceCalendar  AdvancePolicy = "calendar"
	AdvanceFixedDays AdvancePolicy = "fixed_days"
)

func ParseAdvancePolicy(s string) (AdvancePolicy, error) {
	p := AdvancePolicy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case AdvanceCalendar, AdvanceFixedDays:
		return p, nil
	}
	return "", &ValidationError{Field: "advance_policy", Reason: fmt.Sprintf("unknown policy %q", s)}
}

// Advance returns the date n frequency units after start.
func (p AdvancePolicy) Advance(start TimePoint, f Frequency, n int) (TimePoint, error) {
	switch p {
	case AdvanceCalendar:
		switch f {
		case FrequencyDaily:
			return start.AddDays(n), nil
		case FrequencyWeekly:
			return start.AddDays(7 * n), nil
		case FrequencyBiweekly:
			return start.AddDays(14 * n), nil
		case FrequencyMonthly:
			return start.AddMonths(n), nil
		}
		return TimePoint{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, f)
	case AdvanceFixedDays:
		days, err := f.FixedDays()
		if err != nil {
			return TimePoint{}, err
		}
		return start.AddDays(days * n), nil
	}
	return TimePoint{}, &ValidationError{Field: "advance_policy", Reason: fmt.Sprintf("unknown policy %q", p)}
}

// DurationDays maps a Ti Kanè duration code to its fixed day count.
func DurationDays(code string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "1m":
		return 30, nil
	case "3m":
		return 90, nil
	case "6m":
		return 180, nil
	}
	return 0, &ValidationError{Field: "duration", Reason: fmt.Sprintf("unknown duration %q (want 1m, 3m or 6m)", code)}
}

// =============================================================================
// AMOUNT RULE
// =============================================================================

type AmountRule struct {
	Base Amount
	Mode AmountMode
}

// AmountFor returns the expected amount of the 1-based slot seq.
func (r AmountRule) AmountFor(seq int) Amount {
	if r.Mode == ModeProgressive {
		return r.Base.MulInt(seq)
	}
	return r.Base
}

// =============================================================================
// GENERATION
// =============================================================================

type ScheduleRequest struct {
	Start     TimePoint
	Frequency Frequency
	Policy    AdvancePolicy
	Count     int
	Rule      AmountRule
}

type Slot struct {
	Sequence int
	DueDate  TimePoint
	Expected Amount
}

type Schedule struct {
	Slots []Slot
	Total Amount
	End   TimePoint
}

func (r ScheduleRequest) validate() error {
	if r.Start.IsZero() {
		return &ValidationError{Field: "start_date", Reason: "required"}
	}
	if !r.Frequency.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFrequency, r.Frequency)
	}
	if r.Count < 0 {
		return &ValidationError{Field: "count", Reason: "must not be negative"}
	}
	if !r.Rule.Base.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if r.Rule.Base.Currency == "" {
		return &ValidationError{Field: "currency", Reason: "required"}
	}
	if err := checkScale("amount", r.Rule.Base); err != nil {
		return err
	}
	if r.Rule.Mode != ModeFixed && r.Rule.Mode != ModeProgressive {
		return &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown amount mode %q", r.Rule.Mode)}
	}
	return nil
}

// GenerateSchedule produces exactly Count slots with sequences 1..Count and
// strictly increasing due dates. Total is the sum of the expected amounts.
func GenerateSchedule(req ScheduleRequest) (Schedule, error) {
	if err := req.validate(); err != nil {
		return Schedule{}, err
	}

	slots := make([]Slot, 0, req.Count)
	total := req.Rule.Base.Zero()
	for seq := 1; seq <= req.Count; seq++ {
		due, err := req.Policy.Advance(req.Start, req.Frequency, seq-1)
		if err != nil {
			return Schedule{}, err
		}
		expected := req.Rule.AmountFor(seq)
		slots = append(slots, Slot{Sequence: seq, DueDate: due, Expected: expected})
		total = total.Add(expected)
	}

	end, err := req.Policy.Advance(req.Start, req.Frequency, req.Count)
	if err != nil {
		return Schedule{}, err
	}

	return Schedule{Slots: slots, Total: total, End: end}, nil
}
