package events

import (
	"context"

	"go.uber.org/zap"
)

// LogListener writes every event to the structured log.
type LogListener struct {
	log *zap.Logger
}

func NewLogListener(log *zap.Logger) *LogListener {
	return &LogListener{log: log.Named("events.log")}
}

func (l *LogListener) Name() string { return "log" }

func (l *LogListener) Handle(ctx context.Context, event Event) error {
	l.log.Info("payment event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("payment_id", event.PaymentID),
		zap.String("booking_id", event.BookingID),
		zap.String("correlation_id", event.Metadata["correlation_id"]),
		zap.Any("data", event.Data),
	)
	return nil
}
