package generic

import (
	"context"
	"fmt"
)

// =============================================================================
// CYCLE READINESS - Payout gate for SOL groups
// =============================================================================

// CycleProgress is the contribution count behind a readiness decision.
type CycleProgress struct {
	AccountID    AccountID
	Cycle        int
	Paid         int
	Participants int
	Ready        bool
}

// Remaining is the number of members still owing a paid contribution.
func (c CycleProgress) Remaining() int {
	if c.Paid >= c.Participants {
		return 0
	}
	return c.Participants - c.Paid
}

// EvaluateCycle counts paid contributions for the cycle against the current
// member count. A cycle is ready iff it has members and every one of them
// has paid; a count above the member total still reads as ready.
// Read-only; works against the store or an open transaction.
func EvaluateCycle(ctx context.Context, r Reader, accountID AccountID, cycle int) (CycleProgress, error) {
	if cycle < 1 {
		return CycleProgress{}, &ValidationError{Field: "cycle", Reason: fmt.Sprintf("%d is not a positive cycle number", cycle)}
	}
	if _, err := r.GetAccount(ctx, accountID); err != nil {
		return CycleProgress{}, err
	}

	paid, participants, err := r.CountCycleContributions(ctx, accountID, cycle)
	if err != nil {
		return CycleProgress{}, err
	}

	return CycleProgress{
		AccountID:    accountID,
		Cycle:        cycle,
		Paid:         paid,
		Participants: participants,
		Ready:        participants > 0 && paid >= participants,
	}, nil
}

// IsCycleReady reports whether every member has paid for the cycle.
func IsCycleReady(ctx context.Context, r Reader, accountID AccountID, cycle int) (bool, error) {
	p, err := EvaluateCycle(ctx, r, accountID, cycle)
	if err != nil {
		return false, err
	}
	return p.Ready, nil
}
