package otelx

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.25")
	cfg := ConfigFromEnv("scheduling-service")
	if cfg.Enabled || cfg.SampleRatio != 0.25 || cfg.ServiceName != "scheduling-service" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestTraceContextRoundTrip(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	tp, ts := TraceContextStrings(ctx)
	if tp == "" {
		t.Fatal("expected traceparent")
	}
	restored := trace.SpanContextFromContext(ContextWithTraceContext(context.Background(), tp, ts))
	if restored.TraceID() != traceID {
		t.Fatalf("trace id mismatch: %s", restored.TraceID())
	}
	if ContextWithTraceContext(context.Background(), "", "") == nil {
		t.Fatal("expected context")
	}
}

func TestSamplerBounds(t *testing.T) {
	if got := sampler(0).Description(); got != "AlwaysOffSampler" {
		t.Fatalf("ratio 0: %s", got)
	}
	if got := sampler(1).Description(); !strings.HasPrefix(got, "ParentBased{root:AlwaysOnSampler") {
		t.Fatalf("ratio 1: %s", got)
	}
}

func TestResourceAttrs(t *testing.T) {
	attrs := resourceAttrs(Config{ServiceName: "scheduling-service", Environment: "staging"})
	if len(attrs) != 2 {
		t.Fatalf("expected service name and environment, got %v", attrs)
	}
	if attrs[1].Value.AsString() != "staging" {
		t.Fatalf("unexpected environment attr: %v", attrs[1])
	}
}
