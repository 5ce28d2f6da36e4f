package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var blockedAttributeKeys = map[attribute.Key]struct{}{
	"access_token":  {},
	"authorization": {},
	"payer.email":   {},
	"card_number":   {},
	"dni":           {},
}

// ExtractContext pulls W3C trace context and baggage from the carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return propagator.Extract(ctx, carrier)
}

// InjectContext writes the active trace context into the carrier.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	propagator.Inject(ctx, carrier)
}

// SafeAttributes removes attributes that may carry credentials or payer data.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedAttributeKeys[attribute.Key(strings.ToLower(string(attr.Key)))]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError strips bearer tokens from error text before it is recorded on a span.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	idx := strings.Index(strings.ToLower(msg), "bearer ")
	if idx < 0 {
		return err
	}
	end := idx + len("bearer ")
	for end < len(msg) && msg[end] != ' ' && msg[end] != '"' {
		end++
	}
	return errors.New(msg[:idx] + "Bearer [REDACTED]" + msg[end:])
}
