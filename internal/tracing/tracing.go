package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"admission-gateway/internal/admission"
	"admission-gateway/internal/config"
)

const instrumentationName = "admission-gateway"

// TracingService manages OpenTelemetry tracing
type TracingService struct {
	config   config.TracingConfig
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
}

// NewTracingService creates a new tracing service. A disabled config, or the
// "none" exporter, yields a no-op tracer.
func NewTracingService(cfg config.TracingConfig) (*TracingService, error) {
	if !cfg.Enabled || cfg.ExporterType == "none" {
		return &TracingService{
			config: cfg,
			tracer: otel.Tracer(instrumentationName + "-noop"),
		}, nil
	}

	var exporter trace.SpanExporter
	var err error
	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint),
			otlptracehttp.WithHeaders(cfg.OTLPHeaders),
		)
		exporter, err = otlptrace.New(context.Background(), client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "console":
		exporter = NewConsoleExporter(os.Stdout)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	return newWithExporter(cfg, trace.WithBatcher(exporter))
}

func newWithExporter(cfg config.TracingConfig, processor trace.TracerProviderOption) (*TracingService, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	samplingRatio := cfg.SamplingRatio
	if samplingRatio <= 0 {
		samplingRatio = 1.0
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		processor,
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(samplingRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingService{
		config:   cfg,
		tracer:   tp.Tracer(instrumentationName),
		provider: tp,
	}, nil
}

// StartSpan starts a new span
func (ts *TracingService) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return ts.tracer.Start(ctx, name, opts...)
}

// RecordError records an error in the current span
func (ts *TracingService) RecordError(span oteltrace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Close flushes and shuts down the provider
func (ts *TracingService) Close(ctx context.Context) error {
	if ts.provider != nil {
		return ts.provider.Shutdown(ctx)
	}
	return nil
}

// GetTracer returns the underlying tracer
func (ts *TracingService) GetTracer() oteltrace.Tracer {
	return ts.tracer
}

// InstrumentAdmission creates the span that covers one admission decision,
// including any time spent queued.
func (ts *TracingService) InstrumentAdmission(ctx context.Context, method, path string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, "admission.decide",
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", path),
			attribute.String("component", "admission"),
		),
	)
}

// RecordOutcome annotates an admission span with its decision. Rejections
// are not span errors; they are the expected result of throttling.
func (ts *TracingService) RecordOutcome(span oteltrace.Span, o admission.Outcome) {
	outcome := "allowed"
	if !o.Allowed() {
		outcome = o.Reason.String()
	}
	span.SetAttributes(
		attribute.String("admission.identity", o.Identity),
		attribute.String("admission.outcome", outcome),
		attribute.Bool("admission.unthrottled", o.Unthrottled),
		attribute.Bool("admission.queued", o.Queued),
		attribute.Int64("admission.queue_wait_ms", o.QueueWait.Milliseconds()),
		attribute.Int("admission.retries", o.Retries),
		attribute.Int("http.status_code", o.StatusCode()),
	)
	if o.Reason == admission.ReasonCircuitOpen || o.Reason == admission.ReasonShed {
		span.SetStatus(codes.Error, o.Message())
	}
}

// InstrumentGRPCRequest creates a span for gRPC requests
func (ts *TracingService) InstrumentGRPCRequest(ctx context.Context, service string, method string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, fmt.Sprintf("grpc.%s/%s", service, method),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.system", "grpc"),
		),
	)
}

// InstrumentUpstream creates a client span for a forwarded request.
func (ts *TracingService) InstrumentUpstream(ctx context.Context, method, host string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, "upstream.forward",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("net.peer.name", host),
		),
	)
}
