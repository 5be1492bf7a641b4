package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID = %q, want -", got)
	}
}

func TestEnsureTraceID_KeepsExisting(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	if got := TraceID(EnsureTraceID(ctx)); got != "trace-1" {
		t.Fatalf("TraceID = %q, want trace-1", got)
	}
}

func TestEnsureTraceID_GeneratesUnique(t *testing.T) {
	a := TraceID(EnsureTraceID(context.Background()))
	b := TraceID(EnsureTraceID(context.Background()))
	if a == "-" || b == "-" {
		t.Fatalf("expected generated ids, got %q and %q", a, b)
	}
	if a == b {
		t.Fatalf("expected distinct ids, both %q", a)
	}
}

func TestConnectionID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := ConnectionID(ctx); got != "" {
		t.Fatalf("ConnectionID = %q, want empty", got)
	}
	ctx = WithConnectionID(ctx, "local-pg")
	if got := ConnectionID(ctx); got != "local-pg" {
		t.Fatalf("ConnectionID = %q, want local-pg", got)
	}
}
