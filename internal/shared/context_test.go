package shared

import (
	"context"
	"reflect"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("TraceID = %q, want -", got)
	}

	ctx = EnsureTraceID(ctx)
	id := TraceID(ctx)
	if id == "-" {
		t.Fatal("EnsureTraceID did not set an id")
	}
	if again := TraceID(EnsureTraceID(ctx)); again != id {
		t.Fatalf("existing id replaced: %q -> %q", id, again)
	}
}

func TestScope_LayersDoNotLeak(t *testing.T) {
	parent := WithOperation(context.Background(), "sweep")
	child := WithAgentName(parent, "w1")

	if got := AgentName(parent); got != "" {
		t.Fatalf("parent agent = %q", got)
	}
	if got := AgentName(child); got != "w1" {
		t.Fatalf("child agent = %q", got)
	}
	if got := Operation(child); got != "sweep" {
		t.Fatalf("child op = %q", got)
	}
}

func TestLogAttrs(t *testing.T) {
	ctx := WithTraceID(context.Background(), "t-1")
	ctx = WithCaller(ctx, "lead")
	ctx = WithOperation(ctx, "assign")
	ctx = WithAgentName(ctx, "scout")
	ctx = WithWorkstream(ctx, "auth")

	want := []any{
		"trace_id", "t-1",
		"caller", "lead",
		"op", "assign",
		"agent", "scout",
		"workstream", "auth",
	}
	if got := LogAttrs(ctx); !reflect.DeepEqual(got, want) {
		t.Fatalf("LogAttrs = %v, want %v", got, want)
	}
	if got := LogAttrs(context.Background()); !reflect.DeepEqual(got, []any{"trace_id", "-"}) {
		t.Fatalf("LogAttrs(empty) = %v", got)
	}
}
