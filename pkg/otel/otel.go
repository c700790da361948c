// Package otel wraps the OpenTelemetry API for stream and database spans.
// Exporter setup is left to the process: without a registered provider the
// global no-op tracer is used and spans cost nothing.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "mailshield"

// Tracer returns the process tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// PublishSpan starts a producer span for a stream publish.
func PublishSpan(ctx context.Context, system, topic, key string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "stream.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.message.key", key),
		),
	)
}

// ConsumeSpan starts a consumer span for one delivery.
func ConsumeSpan(ctx context.Context, system, topic, group string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "stream.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.consumer.group", group),
		),
	)
}

// End records err on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Inject writes the span context of ctx into headers.
func Inject(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// Extract restores a span context from headers.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
