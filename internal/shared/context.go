// Package shared holds the context scope and redaction helpers every
// component logs through.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// scope is the request-scoped data carried through one tool call or
// supervisor operation. It is copied on every With call.
type scope struct {
	traceID    string
	caller     string
	op         string
	agent      string
	workstream string
}

type scopeKey struct{}

func scopeOf(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func withScope(ctx context.Context, update func(*scope)) context.Context {
	s := scopeOf(ctx)
	update(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *scope) { s.traceID = id })
}

// TraceID returns the trace id, or "-" when none is set.
func TraceID(ctx context.Context) string {
	if id := scopeOf(ctx).traceID; id != "" {
		return id
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID gives ctx a fresh trace id unless it already has one.
func EnsureTraceID(ctx context.Context) context.Context {
	if scopeOf(ctx).traceID != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// WithCaller records the mesh identity on whose behalf the call runs.
func WithCaller(ctx context.Context, identity string) context.Context {
	return withScope(ctx, func(s *scope) { s.caller = identity })
}

func Caller(ctx context.Context) string { return scopeOf(ctx).caller }

// WithOperation names the supervisor operation (spawn, assign, kill...).
func WithOperation(ctx context.Context, op string) context.Context {
	return withScope(ctx, func(s *scope) { s.op = op })
}

func Operation(ctx context.Context) string { return scopeOf(ctx).op }

// WithAgentName records the worker an operation targets.
func WithAgentName(ctx context.Context, name string) context.Context {
	return withScope(ctx, func(s *scope) { s.agent = name })
}

func AgentName(ctx context.Context) string { return scopeOf(ctx).agent }

func WithWorkstream(ctx context.Context, tag string) context.Context {
	return withScope(ctx, func(s *scope) { s.workstream = tag })
}

func Workstream(ctx context.Context) string { return scopeOf(ctx).workstream }

// LogAttrs returns the slog key/value pairs carried by ctx. trace_id is
// always present; the rest only when set.
func LogAttrs(ctx context.Context) []any {
	s := scopeOf(ctx)
	attrs := []any{"trace_id", TraceID(ctx)}
	for _, kv := range [...]struct{ k, v string }{
		{"caller", s.caller},
		{"op", s.op},
		{"agent", s.agent},
		{"workstream", s.workstream},
	} {
		if kv.v != "" {
			attrs = append(attrs, kv.k, kv.v)
		}
	}
	return attrs
}
