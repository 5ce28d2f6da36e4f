package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Listeners []Listener    `group:"payment_listeners"`
	SQS       *SQSPublisher `optional:"true"`
	Clock     clock.Clock   `optional:"true"`
}

// Bus delivers events synchronously to each listener, then to SQS.
type Bus struct {
	log       *zap.Logger
	listeners []Listener
	sqs       *SQSPublisher
	clock     clock.Clock
	tracer    trace.Tracer
}

func NewBus(p Params) *Bus {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	listeners := make([]Listener, 0, len(p.Listeners))
	for _, l := range p.Listeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	return &Bus{
		log:       p.Log.Named("events.bus"),
		listeners: listeners,
		sqs:       p.SQS,
		clock:     clk,
		tracer:    otel.Tracer("marketpay/events"),
	}
}

// Publish returns the joined listener and queue errors; every destination is
// attempted regardless.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if b == nil {
		return nil
	}
	ctx, span := b.tracer.Start(ctx, "events.publish", trace.WithAttributes(
		attribute.String("event.type", event.Type),
		attribute.String("payment.id", event.PaymentID),
	))
	defer span.End()

	now := b.clock.Now()
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	event.Metadata = correlation.Stamp(ctx, event.Metadata, now)

	var errs []error
	for _, l := range b.listeners {
		if err := b.deliver(ctx, l, event); err != nil {
			b.log.Warn("event listener failed",
				zap.String("listener", l.Name()),
				zap.String("event_type", event.Type),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("listener %s: %w", l.Name(), err))
		}
	}
	if b.sqs != nil {
		if err := b.sqs.Send(ctx, event); err != nil {
			b.log.Warn("event queue publish failed",
				zap.String("event_type", event.Type),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("sqs: %w", err))
		}
	}
	b.log.Debug("event published",
		zap.String("event_type", event.Type),
		zap.String("event_id", event.ID),
		zap.Int("listeners", len(b.listeners)),
	)
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, l Listener, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.Handle(ctx, event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
