package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kotize/savings-engine/generic"
)

// LogNotifier writes every notification as a log record.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n generic.Notification) error {
	l.logger.InfoContext(ctx, "notification",
		"type", n.Type,
		"user_id", n.UserID,
		"account_id", n.AccountID,
		"amount", n.Amount,
		"currency", n.Currency,
		"message", n.Message,
	)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []generic.Notifier

func (m Multi) Notify(ctx context.Context, n generic.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
