package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/todo-agent/internal/shared"
)

// Span attribute keys.
var (
	AttrTraceID     = attribute.Key("todo.trace_id")
	AttrChannel     = attribute.Key("todo.channel")
	AttrSessionID   = attribute.Key("todo.session.id")
	AttrState       = attribute.Key("todo.state")
	AttrRoute       = attribute.Key("todo.route")
	AttrToolName    = attribute.Key("todo.tool.name")
	AttrOutcomeKind = attribute.Key("todo.tool.outcome")
	AttrProvider    = attribute.Key("todo.engine.provider")
	AttrErrorClass  = attribute.Key("todo.engine.error_class")
)

// OriginAttrs converts request metadata to span attributes.
func OriginAttrs(o shared.Origin) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrTraceID.String(o.TraceID), AttrChannel.String(o.Channel)}
	if o.SessionID != "" {
		attrs = append(attrs, AttrSessionID.String(o.SessionID))
	}
	return attrs
}

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan starts a span for a pipeline step.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan starts the root span of one inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan starts a span for an outbound engine call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindClient, name, attrs)
}

// Fail marks span as failed with err. A nil err leaves it untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
