package events

import "go.uber.org/fx"

var Module = fx.Module("events",
	fx.Provide(NewSQSPublisherFromConfig),
	fx.Provide(AsListener(NewLogListener)),
	fx.Provide(NewBus),
	fx.Provide(func(b *Bus) Publisher { return b }),
)

// AsListener registers a constructor in the payment listener group.
func AsListener(constructor any) any {
	return fx.Annotate(
		constructor,
		fx.As(new(Listener)),
		fx.ResultTags(`group:"payment_listeners"`),
	)
}
