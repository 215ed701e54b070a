package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotize/savings-engine/generic"
)

func htg(v int64) generic.Amount { return generic.NewAmountFromInt(v, generic.CurrencyHTG) }

// =============================================================================
// SCHEDULE GENERATION
// =============================================================================

func TestGenerateSchedule_FixedDays_OneMonthDaily(t *testing.T) {
	// GIVEN: 100 HTG daily for 30 fixed days starting March 1
	// WHEN: Generating the schedule
	// THEN: 30 slots, one per day, totalling 3000 HTG, ending March 31
	start := generic.NewTimePoint(2025, time.March, 1)

	sched, err := generic.GenerateSchedule(generic.ScheduleRequest{
		Start:     start,
		Frequency: generic.FrequencyDaily,
		Policy:    generic.AdvanceFixedDays,
		Count:     30,
		Rule:      generic.AmountRule{Base: htg(100), Mode: generic.ModeFixed},
	})
	require.NoError(t, err)

	require.Len(t, sched.Slots, 30)
	for i, slot := range sched.Slots {
		assert.Equal(t, i+1, slot.Sequence)
		assert.True(t, slot.DueDate.Equal(start.AddDays(i)), "slot %d due %s", slot.Sequence, slot.DueDate)
		assert.Equal(t, "100.00 HTG", slot.Expected.String())
	}
	assert.Equal(t, "3000.00 HTG", sched.Total.String())
	assert.True(t, sched.End.Equal(start.AddDays(30)))
}

func TestGenerateSchedule_DueDatesStrictlyIncrease(t *testing.T) {
	start := generic.NewTimePoint(2025, time.January, 31)

	for _, f := range []generic.Frequency{
		generic.FrequencyDaily, generic.FrequencyWeekly, generic.FrequencyBiweekly, generic.FrequencyMonthly,
	} {
		for _, p := range []generic.AdvancePolicy{generic.AdvanceCalendar, generic.AdvanceFixedDays} {
			sched, err := generic.GenerateSchedule(generic.ScheduleRequest{
				Start: start, Frequency: f, Policy: p, Count: 12,
				Rule: generic.AmountRule{Base: htg(50), Mode: generic.ModeFixed},
			})
			require.NoError(t, err)
			require.Len(t, sched.Slots, 12)
			assert.True(t, sched.Slots[0].DueDate.Equal(start), "%s/%s first slot is the start date", f, p)
			for i := 1; i < len(sched.Slots); i++ {
				assert.True(t, sched.Slots[i].DueDate.After(sched.Slots[i-1].DueDate), "%s/%s slot %d", f, p, i+1)
			}
		}
	}
}

func TestGenerateSchedule_CalendarMonthly_ClampsToMonthEnd(t *testing.T) {
	// GIVEN: A monthly schedule starting January 31
	// WHEN: Advancing by calendar months
	// THEN: February clamps to the 28th, March returns to the 31st
	sched, err := generic.GenerateSchedule(generic.ScheduleRequest{
		Start:     generic.NewTimePoint(2025, time.January, 31),
		Frequency: generic.FrequencyMonthly,
		Policy:    generic.AdvanceCalendar,
		Count:     3,
		Rule:      generic.AmountRule{Base: htg(1000), Mode: generic.ModeFixed},
	})
	require.NoError(t, err)

	assert.Equal(t, "2025-01-31", sched.Slots[0].DueDate.String())
	assert.Equal(t, "2025-02-28", sched.Slots[1].DueDate.String())
	assert.Equal(t, "2025-03-31", sched.Slots[2].DueDate.String())
	assert.Equal(t, "2025-04-30", sched.End.String())
}

func TestGenerateSchedule_FixedDaysMonthly_IsThirtyDays(t *testing.T) {
	sched, err := generic.GenerateSchedule(generic.ScheduleRequest{
		Start:     generic.NewTimePoint(2025, time.January, 31),
		Frequency: generic.FrequencyMonthly,
		Policy:    generic.AdvanceFixedDays,
		Count:     2,
		Rule:      generic.AmountRule{Base: htg(1000), Mode: generic.ModeFixed},
	})
	require.NoError(t, err)

	assert.Equal(t, "2025-03-02", sched.Slots[1].DueDate.String())
}

func TestGenerateSchedule_Progressive(t *testing.T) {
	// GIVEN: A progressive 10 HTG rule over 4 slots
	// THEN: Slot n expects 10*n and the total is 10+20+30+40
	sched, err := generic.GenerateSchedule(generic.ScheduleRequest{
		Start:     generic.NewTimePoint(2025, time.March, 1),
		Frequency: generic.FrequencyWeekly,
		Policy:    generic.AdvanceCalendar,
		Count:     4,
		Rule:      generic.AmountRule{Base: htg(10), Mode: generic.ModeProgressive},
	})
	require.NoError(t, err)

	for i, slot := range sched.Slots {
		assert.Equal(t, htg(int64(10*(i+1))).String(), slot.Expected.String())
	}
	assert.Equal(t, "100.00 HTG", sched.Total.String())
}

func TestGenerateSchedule_ZeroCount(t *testing.T) {
	start := generic.NewTimePoint(2025, time.March, 1)

	sched, err := generic.GenerateSchedule(generic.ScheduleRequest{
		Start: start, Frequency: generic.FrequencyWeekly, Policy: generic.AdvanceCalendar,
		Rule: generic.AmountRule{Base: htg(10), Mode: generic.ModeFixed},
	})
	require.NoError(t, err)

	assert.Empty(t, sched.Slots)
	assert.True(t, sched.Total.IsZero())
	assert.True(t, sched.End.Equal(start))
}

func TestGenerateSchedule_Rejections(t *testing.T) {
	valid := generic.ScheduleRequest{
		Start:     generic.NewTimePoint(2025, time.March, 1),
		Frequency: generic.FrequencyWeekly,
		Policy:    generic.AdvanceCalendar,
		Count:     3,
		Rule:      generic.AmountRule{Base: htg(10), Mode: generic.ModeFixed},
	}

	tests := []struct {
		name   string
		mutate func(r *generic.ScheduleRequest)
		want   error
	}{
		{"unknown frequency", func(r *generic.ScheduleRequest) { r.Frequency = "yearly" }, generic.ErrInvalidFrequency},
		{"empty frequency", func(r *generic.ScheduleRequest) { r.Frequency = "" }, generic.ErrInvalidFrequency},
		{"negative count", func(r *generic.ScheduleRequest) { r.Count = -1 }, generic.ErrValidation},
		{"zero amount", func(r *generic.ScheduleRequest) { r.Rule.Base = htg(0) }, generic.ErrValidation},
		{"missing start", func(r *generic.ScheduleRequest) { r.Start = generic.TimePoint{} }, generic.ErrValidation},
		{"unknown mode", func(r *generic.ScheduleRequest) { r.Rule.Mode = "geometric" }, generic.ErrValidation},
		{"unknown policy", func(r *generic.ScheduleRequest) { r.Policy = "lunar" }, generic.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := generic.GenerateSchedule(req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseFrequency(t *testing.T) {
	f, err := generic.ParseFrequency(" Weekly ")
	require.NoError(t, err)
	assert.Equal(t, generic.FrequencyWeekly, f)

	_, err = generic.ParseFrequency("fortnightly")
	assert.ErrorIs(t, err, generic.ErrInvalidFrequency)
}

func TestDurationDays(t *testing.T) {
	for code, days := range map[string]int{"1m": 30, "3m": 90, "6m": 180} {
		got, err := generic.DurationDays(code)
		require.NoError(t, err)
		assert.Equal(t, days, got)
	}

	_, err := generic.DurationDays("12m")
	assert.ErrorIs(t, err, generic.ErrValidation)
}
