package tracer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/Aleph-Alpha/rabbitbus/v1/rabbit"
)

var _ rabbit.Propagator = (*Tracer)(nil)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &Tracer{tracer: tp, propagator: newPropagator()}, recorder
}

func TestStartSpan(t *testing.T) {
	tr, recorder := newRecordingTracer(t)

	ctx, parent := tr.StartSpan(context.Background(), "publish")
	_, child := tr.StartSpan(ctx, "confirm")
	child.End()
	parent.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "confirm", spans[0].Name())
	assert.Equal(t, "publish", spans[1].Name())
	assert.Equal(t, spans[1].SpanContext().TraceID(), spans[0].SpanContext().TraceID())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
}

func TestRecordErrorOnSpan(t *testing.T) {
	tr, recorder := newRecordingTracer(t)

	_, span := tr.StartSpan(context.Background(), "consume")
	tr.RecordErrorOnSpan(span, errors.New("handler failed"))
	span.End()

	_, ok := tr.StartSpan(context.Background(), "ok")
	tr.RecordErrorOnSpan(ok, nil)
	ok.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "handler failed", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestSetAttributes(t *testing.T) {
	tr, recorder := newRecordingTracer(t)

	_, span := tr.StartSpan(context.Background(), "consume")
	tr.SetAttributes(span, map[string]interface{}{
		"queue":     "orders",
		"retry":     2,
		"size":      int64(512),
		"ratio":     0.5,
		"redeliver": true,
		"tags":      []string{"a", "b"},
	})
	tr.SetAttributes(span, nil)
	span.End()

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range recorder.Ended()[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "orders", attrs["queue"].AsString())
	assert.Equal(t, int64(2), attrs["retry"].AsInt64())
	assert.Equal(t, int64(512), attrs["size"].AsInt64())
	assert.Equal(t, 0.5, attrs["ratio"].AsFloat64())
	assert.True(t, attrs["redeliver"].AsBool())
	assert.Equal(t, "[a b]", attrs["tags"].AsString())
}

func TestCarrierRoundTrip(t *testing.T) {
	tr, _ := newRecordingTracer(t)

	ctx, span := tr.StartSpan(context.Background(), "publish")
	defer span.End()

	carrier := tr.GetCarrier(ctx)
	require.Contains(t, carrier, "traceparent")

	restored := tr.SetCarrierOnContext(context.Background(), carrier)
	remote := trace.SpanContextFromContext(restored)
	assert.True(t, remote.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), remote.SpanID())
}

func TestCarrierWithoutSpan(t *testing.T) {
	tr := &Tracer{}

	assert.Empty(t, tr.GetCarrier(context.Background()))

	ctx := tr.SetCarrierOnContext(context.Background(), map[string]string{})
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}

func TestShutdownNil(t *testing.T) {
	var tr *Tracer
	assert.NoError(t, tr.Shutdown(context.Background()))
	assert.NoError(t, (&Tracer{}).Shutdown(context.Background()))
}

func TestNewClientWithoutExport(t *testing.T) {
	tr, err := NewClient(Config{ServiceName: "billing", AppEnv: "test"}, nil)
	require.NoError(t, err)
	require.NotNil(t, tr.tracer)
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestFXModule(t *testing.T) {
	var tr *Tracer

	app := fxtest.New(t,
		FXModule,
		fx.Provide(func() Config { return Config{ServiceName: "billing"} }),
		fx.Populate(&tr),
	)
	app.RequireStart()
	assert.NotNil(t, tr)
	app.RequireStop()
}
