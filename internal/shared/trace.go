package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type connectionKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged when it already carries a trace_id,
// otherwise a child context with a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "-" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// WithConnectionID attaches the name of the connection profile in use.
func WithConnectionID(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, connectionKey{}, name)
}

// ConnectionID extracts the connection profile name. Returns "" if absent.
func ConnectionID(ctx context.Context) string {
	if v, ok := ctx.Value(connectionKey{}).(string); ok {
		return v
	}
	return ""
}
