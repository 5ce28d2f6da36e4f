// Package events fans payment lifecycle events out to in-process listeners and,
// when configured, to an SQS queue.
package events

import (
	"context"
	"time"
)

const (
	TypePaymentStatusChanged = "payment.status_changed"
	TypeCommissionRecorded   = "commission.recorded"
	TypeBookingCancelled     = "booking.cancelled"
)

type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	PaymentID  string            `json:"payment_id,omitempty"`
	BookingID  string            `json:"booking_id,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Listener receives every published event. Registered through the
// "payment_listeners" fx value group.
type Listener interface {
	Name() string
	Handle(ctx context.Context, event Event) error
}

// Publisher is what domain services depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc struct {
	ListenerName string
	Fn           func(ctx context.Context, event Event) error
}

func (l ListenerFunc) Name() string { return l.ListenerName }

func (l ListenerFunc) Handle(ctx context.Context, event Event) error {
	return l.Fn(ctx, event)
}
