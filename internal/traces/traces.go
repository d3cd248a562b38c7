// Package traces provides OpenTelemetry distributed tracing for the wallet and relay services.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kizuna-ai-lab/sokuji"

// Config selects the exporter and the resource attributes spans carry.
type Config struct {
	Endpoint    string // OTLP gRPC host:port; empty disables tracing
	Version     string
	Environment string
	// SampleRatio is the fraction of root spans kept; <= 0 or >= 1 keeps all.
	SampleRatio float64
}

// Init installs the global tracer provider. With no endpoint it installs
// nothing and the returned shutdown is a no-op.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("sokuji-wallet"),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks the span failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Attribute helpers keep span keys consistent across packages.

func Subject(subjectType, subjectID string) attribute.KeyValue {
	return attribute.String("wallet.subject", subjectType+":"+subjectID)
}

func Tokens(n int64) attribute.KeyValue {
	return attribute.Int64("wallet.tokens", n)
}

func PlanID(id string) attribute.KeyValue {
	return attribute.String("wallet.plan_id", id)
}

func EventID(id string) attribute.KeyValue {
	return attribute.String("event.id", id)
}

func EventType(t string) attribute.KeyValue {
	return attribute.String("event.type", t)
}

func Provider(name string) attribute.KeyValue {
	return attribute.String("relay.provider", name)
}

func Model(name string) attribute.KeyValue {
	return attribute.String("relay.model", name)
}
