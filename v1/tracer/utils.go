package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName names the tracer spans are created with.
const instrumentationName = "github.com/Aleph-Alpha/rabbitbus"

// StartSpan starts a span named name as a child of any span in ctx and
// returns the derived context. The caller must End the span.
//
// Example:
//
//	ctx, span := t.StartSpan(ctx, "handle order.placed")
//	defer span.End()
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// RecordErrorOnSpan records err on span and marks the span as failed.
func (t *Tracer) RecordErrorOnSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes adds attrs to span. Strings, ints, int64s, float64s and
// bools keep their type; anything else is stored via fmt.Sprint.
//
// Example:
//
//	t.SetAttributes(span, map[string]interface{}{
//	    "messaging.destination": "orders",
//	    "messaging.retry_count": 2,
//	})
func (t *Tracer) SetAttributes(span trace.Span, attrs map[string]interface{}) {
	if len(attrs) == 0 {
		return
	}

	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			attributes = append(attributes, attribute.String(k, val))
		case int:
			attributes = append(attributes, attribute.Int(k, val))
		case int64:
			attributes = append(attributes, attribute.Int64(k, val))
		case float64:
			attributes = append(attributes, attribute.Float64(k, val))
		case bool:
			attributes = append(attributes, attribute.Bool(k, val))
		default:
			attributes = append(attributes, attribute.String(k, fmt.Sprint(val)))
		}
	}

	span.SetAttributes(attributes...)
}

// GetCarrier returns the W3C trace context and baggage of ctx as a string
// map ("traceparent", "tracestate", "baggage"). The bus writes these entries
// into message headers on publish.
func (t *Tracer) GetCarrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	t.textMapPropagator().Inject(ctx, carrier)
	return carrier
}

// SetCarrierOnContext returns ctx extended with the trace context found in
// carrier. It is the inverse of GetCarrier and is used by the bus before a
// handler runs.
func (t *Tracer) SetCarrierOnContext(ctx context.Context, carrier map[string]string) context.Context {
	return t.textMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

func (t *Tracer) textMapPropagator() propagation.TextMapPropagator {
	if t.propagator == nil {
		return newPropagator()
	}
	return t.propagator
}
