package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for sqlcat spans and metrics.
var (
	AttrConnectionID = attribute.Key("sqlcat.connection.id")
	AttrCommand      = attribute.Key("sqlcat.worker.command")
	AttrErrorKind    = attribute.Key("sqlcat.error.kind")
	AttrResultKind   = attribute.Key("sqlcat.result.kind")
	AttrOutcome      = attribute.Key("sqlcat.outcome")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call to the worker process.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
