package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrIdentity    = attribute.Key("gocrew.identity")
	AttrAgentName   = attribute.Key("gocrew.agent.name")
	AttrAgentStatus = attribute.Key("gocrew.agent.status")
	AttrBackendKind = attribute.Key("gocrew.backend.kind")
	AttrModel       = attribute.Key("gocrew.agent.model")
	AttrWorkstream  = attribute.Key("gocrew.workstream")
	AttrErrorCode   = attribute.Key("gocrew.error.code")
)

// StartSpan starts an internal span for a supervisor operation.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// Fail marks span as failed. code is the tool-level error code, if any.
func Fail(span trace.Span, err error, code string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if code != "" {
		span.SetAttributes(AttrErrorCode.String(code))
	}
}
