package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	// KindTransactionCompleted is published after a money movement commits.
	KindTransactionCompleted = "transaction_completed"
)

// Event describes a committed transaction for downstream consumers.
type Event struct {
	Kind                string    `json:"kind"`
	TransactionID       string    `json:"transaction_id"`
	Type                string    `json:"type"`
	Subject             string    `json:"subject,omitempty"`
	AssetTypeCode       string    `json:"asset_type_code"`
	Amount              string    `json:"amount"`
	WalletBalanceAfter  string    `json:"wallet_balance_after"`
	SourceWalletID      int64     `json:"source_wallet_id"`
	DestinationWalletID int64     `json:"destination_wallet_id"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// Notifier delivers events to downstream systems. Delivery is best-effort:
// callers log failures and carry on.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerNotifier writes events to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Publish writes the event to the structured logger.
func (n *LoggerNotifier) Publish(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", event.Kind,
		"transaction_id", event.TransactionID,
		"type", event.Type,
		"subject", event.Subject,
		"asset", event.AssetTypeCode,
		"amount", event.Amount,
	)
	return nil
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
