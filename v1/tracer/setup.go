package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Logger is the subset of v1/logger.LoggerClient the tracer uses.
type Logger interface {
	Info(msg string, err error, fields ...map[string]interface{})
	Warn(msg string, err error, fields ...map[string]interface{})
	Error(msg string, err error, fields ...map[string]interface{})
}

// Tracer wraps an OpenTelemetry TracerProvider with helpers for spans and for
// carrying trace context across service boundaries.
//
// GetCarrier and SetCarrierOnContext satisfy rabbit.Propagator, so a *Tracer
// handed to the bus makes consumers continue the producer's trace.
//
// Tracer is safe for concurrent use.
type Tracer struct {
	tracer     *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
	logger     Logger
}

// NewClient creates a Tracer and installs it as the global OpenTelemetry
// tracer provider and text map propagator.
//
// With EnableExport an OTLP/HTTP exporter is attached through a batcher.
// The returned error is non-nil only when the exporter cannot be created.
//
// Example:
//
//	t, err := tracer.NewClient(tracer.Config{
//	    ServiceName:  "billing",
//	    AppEnv:       "production",
//	    EnableExport: true,
//	}, log)
//	if err != nil {
//	    return err
//	}
//	ctx, span := t.StartSpan(ctx, "process-order")
//	defer span.End()
func NewClient(cfg Config, logger Logger) (*Tracer, error) {
	var options []sdktrace.TracerProviderOption

	if cfg.EnableExport {
		exporter, err := newExporter(cfg)
		if err != nil {
			if logger != nil {
				logger.Error("cannot initiate tracer", err, map[string]interface{}{
					"endpoint": cfg.Endpoint,
				})
			}
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		options = append(options, sdktrace.WithBatcher(exporter))
	}

	options = append(options, sdktrace.WithResource(resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironment(cfg.AppEnv),
		attribute.String("environment", cfg.AppEnv),
	)))

	tp := sdktrace.NewTracerProvider(options...)
	propagator := newPropagator()

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	return &Tracer{tracer: tp, propagator: propagator, logger: logger}, nil
}

func newExporter(cfg Config) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.tracer == nil {
		return nil
	}
	return t.tracer.Shutdown(ctx)
}
