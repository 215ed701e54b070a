package generic

import (
	"context"
	"log/slog"
	"time"

	"github.com/kotize/savings-engine/metrics"
)

// =============================================================================
// NOTIFICATIONS - Fire-and-forget after commit
// =============================================================================

type NotificationType string

const (
	NotifyPaymentReceived    NotificationType = "payment.received"
	NotifyPaymentApproved    NotificationType = "payment.approved"
	NotifyPaymentRejected    NotificationType = "payment.rejected"
	NotifyPayoutInitiated    NotificationType = "payout.initiated"
	NotifyPayoutCompleted    NotificationType = "payout.completed"
	NotifyMemberJoined       NotificationType = "member.joined"
	NotifyCycleReady         NotificationType = "cycle.ready"
	NotifyInstallmentOverdue NotificationType = "installment.overdue"
	NotifyAccountCompleted   NotificationType = "account.completed"
)

type Notification struct {
	Type       NotificationType `json:"type"`
	UserID     UserID           `json:"user_id"`
	AccountID  AccountID        `json:"account_id,omitempty"`
	EntryID    EntryID          `json:"entry_id,omitempty"`
	EventID    EventID          `json:"event_id,omitempty"`
	Amount     string           `json:"amount,omitempty"`
	Currency   Currency         `json:"currency,omitempty"`
	Cycle      int              `json:"cycle,omitempty"`
	Message    string           `json:"message"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Notifier delivers notifications. Delivery failures never affect the
// ledger state that produced the notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// Dispatch sends each notification and logs failures.
func Dispatch(ctx context.Context, n Notifier, logger *slog.Logger, ns ...Notification) {
	if n == nil {
		return
	}
	for _, note := range ns {
		if note.OccurredAt.IsZero() {
			note.OccurredAt = time.Now().UTC()
		}
		if err := n.Notify(ctx, note); err != nil {
			metrics.Notifications.WithLabelValues(metrics.OutcomeError).Inc()
			logger.Warn("notification failed", "type", note.Type, "user_id", note.UserID, "error", err)
			continue
		}
		metrics.Notifications.WithLabelValues(metrics.OutcomeOK).Inc()
	}
}
