package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by board spans.
var (
	AttrAgentID        = attribute.Key("opsboard.agent.id")
	AttrTaskID         = attribute.Key("opsboard.task.id")
	AttrNotificationID = attribute.Key("opsboard.notification.id")
	AttrOperation      = attribute.Key("opsboard.operation")
	AttrOutcome        = attribute.Key("opsboard.outcome")
	AttrAttempts       = attribute.Key("opsboard.delivery.attempts")
	AttrChannel        = attribute.Key("opsboard.delivery.channel")
)

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan starts an internal span, used for board mutations.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan starts a span for an outbound delivery or remote queue call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindClient, name, attrs)
}

// Fail marks span as errored. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Noop returns a disabled provider for tests and commands without telemetry.
func Noop() *Provider {
	p, _ := Init(context.Background(), Config{})
	return p
}
