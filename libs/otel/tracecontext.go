package otelx

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// rowPropagator only carries the W3C trace headers; baggage is not persisted with outbox rows.
var rowPropagator = propagation.TraceContext{}

// TraceContextStrings captures the current span as W3C strings for storage next to a row.
func TraceContextStrings(ctx context.Context) (traceparent, tracestate string) {
	carrier := propagation.MapCarrier{}
	rowPropagator.Inject(ctx, carrier)
	return carrier.Get("traceparent"), carrier.Get("tracestate")
}

// ContextWithTraceContext restores a span context saved by TraceContextStrings as the remote parent.
func ContextWithTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	if tracestate != "" {
		carrier["tracestate"] = tracestate
	}
	return rowPropagator.Extract(ctx, carrier)
}
