package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Protectogram spans.
var (
	AttrIncidentID  = attribute.Key("protectogram.incident.id")
	AttrTravelerID  = attribute.Key("protectogram.traveler.id")
	AttrGuardianID  = attribute.Key("protectogram.guardian.id")
	AttrChannel     = attribute.Key("protectogram.alert.channel")
	AttrActionType  = attribute.Key("protectogram.scheduled_action.type")
	AttrIdemKey     = attribute.Key("protectogram.idempotency_key")
	AttrProvider    = attribute.Key("protectogram.provider")
	AttrStatus      = attribute.Key("protectogram.incident.status")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (webhook intake, admin surface).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (chat or voice provider).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
