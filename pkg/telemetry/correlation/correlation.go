// Package correlation threads one id through an HTTP request, the gateway calls
// it makes and the events it publishes.
package correlation

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// Header carries the id in and out of HTTP calls.
const Header = "X-Correlation-Id"

const maxIDLength = 128

type key struct{}

func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(key{}).(string)
	return id
}

func WithID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxIDLength {
		return ctx
	}
	return context.WithValue(ctx, key{}, id)
}

// Ensure returns ctx carrying an id, minting a ULID when none is set.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return context.WithValue(ctx, key{}, id), id
}

// FromRequest adopts the caller's id when it sent a usable one.
func FromRequest(r *http.Request) (context.Context, string) {
	return Ensure(WithID(r.Context(), r.Header.Get(Header)))
}

// Stamp writes the correlation id, the active trace and the publish time onto
// event metadata. A correlation_id already present wins.
func Stamp(ctx context.Context, metadata map[string]string, now time.Time) map[string]string {
	if metadata == nil {
		metadata = map[string]string{}
	}
	if metadata["correlation_id"] == "" {
		_, metadata["correlation_id"] = Ensure(ctx)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
		metadata["span_id"] = sc.SpanID().String()
	}
	metadata["published_at"] = now.UTC().Format(time.RFC3339)
	return metadata
}
