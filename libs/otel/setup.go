package otelx

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/chairbook/libs/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port, e.g. jaeger:4317
	Insecure       bool
	SampleRatio    float64
}

func ConfigFromEnv(serviceName string) Config {
	ratio := 1.0
	if f, err := strconv.ParseFloat(strings.TrimSpace(config.String("OTEL_SAMPLING_RATIO", "1")), 64); err == nil && f >= 0 && f <= 1 {
		ratio = f
	}
	return Config{
		Enabled:        config.Bool("OTEL_ENABLED", true),
		ServiceName:    serviceName,
		ServiceVersion: config.String("SERVICE_VERSION", "dev"),
		Environment:    config.String("DEPLOY_ENV", "local"),
		OTLPEndpoint:   config.String("OTEL_EXPORTER_OTLP_ENDPOINT", "jaeger:4317"),
		Insecure:       config.Bool("OTEL_EXPORTER_OTLP_INSECURE", true),
		SampleRatio:    ratio,
	}
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func resourceAttrs(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	return attrs
}

// Setup installs the W3C propagators and, when enabled, an OTLP/gRPC tracer provider.
// The returned func flushes and stops the provider.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithTimeout(3 * time.Second),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttrs(cfg)...))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
