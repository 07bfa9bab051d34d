package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
const (
	attrRole      = attribute.Key("provision.role")
	attrRoleID    = attribute.Key("provision.role_id")
	attrTarget    = attribute.Key("provision.target")
	attrBatchSize = attribute.Key("provision.batch_size")
	attrFilePath  = attribute.Key("provision.file")
)

// Tracer opens spans around roles, batch dispatches and reverse file pulls.
// A nil *Tracer hands out non-recording spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer. When tracing is disabled spans are created but
// never exported, and the global provider is left alone.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion string) (*Tracer, error) {
	if !cfg.Enabled {
		return newTracer(sdktrace.NewTracerProvider(), serviceName), nil
	}

	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(cfg.ExportTimeout)))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return newTracer(provider, serviceName), nil
}

func newTracer(p *sdktrace.TracerProvider, name string) *Tracer {
	return &Tracer{provider: p, tracer: p.Tracer(name)}
}

// newSpanExporter returns nil for the none exporter.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		exp, err := otlptracegrpc.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter for %s: %w", cfg.Endpoint, err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
}

// StartSpan opens a span named operation under ctx.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRoleSpan covers one role from its start to its close.
func (t *Tracer) StartRoleSpan(ctx context.Context, role, roleID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "role "+role, attrRole.String(role), attrRoleID.String(roleID))
}

// StartBatchSpan covers one batch dispatch on a target.
func (t *Tracer) StartBatchSpan(ctx context.Context, target string, size int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "batch", attrTarget.String(target), attrBatchSize.Int(size))
}

// StartFilePullSpan covers serving one worker file request.
func (t *Tracer) StartFilePullSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "file pull", attrFilePath.String(path))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess marks span ok.
func RecordSuccess(span trace.Span) { span.SetStatus(codes.Ok, "") }

// Shutdown flushes buffered spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
