package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope registered with the global
// OpenTelemetry TracerProvider.
const tracerName = "github.com/modelexchange/mxf"

// TraceConfig configures the process-wide TracerProvider, mirroring the
// teacher's observability.TraceConfig.
type TraceConfig struct {
	ServiceName    string
	OTLPEndpoint   string
	Insecure       bool
}

// InitTracing installs a global TracerProvider exporting spans over OTLP/
// gRPC to cfg.OTLPEndpoint. If the endpoint is empty, tracing stays on the
// no-op provider otel ships by default. The returned shutdown func flushes
// and closes the exporter; callers defer it from main.
func InitTracing(ctx context.Context, cfg TraceConfig) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// StartSpan starts a span for one unit of substrate work (tool dispatch,
// validation, memory retrieval): one span per operation with
// agent/channel/request attributes attached for correlation with logs
// and metrics.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)

	if rid := GetRequestID(ctx); rid != "" {
		attrs = append(attrs, attribute.String("request_id", rid))
	}
	if aid := GetAgentID(ctx); aid != "" {
		attrs = append(attrs, attribute.String("agent_id", aid))
	}
	if cid := GetChannelID(ctx); cid != "" {
		attrs = append(attrs, attribute.String("channel_id", cid))
	}

	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records err on the active span, if any, without ending it.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}
