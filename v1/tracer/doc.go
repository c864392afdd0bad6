// Package tracer provides distributed tracing on top of OpenTelemetry.
//
// A *Tracer creates spans, records errors and attributes on them, and moves
// trace context in and out of string maps. The last part is what the bus
// uses: handed to rabbit.WithPropagator (or provided to rabbit.FXModule as a
// rabbit.Propagator), the tracer writes the producer's trace context into
// message headers and restores it into the context every handler receives.
//
// Basic usage:
//
//	t, err := tracer.NewClient(tracer.Config{
//		ServiceName:  "billing",
//		AppEnv:       "development",
//		EnableExport: true,
//		Endpoint:     "otel-collector:4318",
//		Insecure:     true,
//	}, log)
//	if err != nil {
//		return err
//	}
//	defer t.Shutdown(context.Background())
//
//	bus.WithPropagator(t)
//
//	ctx, span := t.StartSpan(ctx, "checkout")
//	defer span.End()
//	if err := bus.Publish(ctx, order, rabbit.PublishOptions{}); err != nil {
//		t.RecordErrorOnSpan(span, err)
//	}
//
// FX integration:
//
//	app := fx.New(
//		logger.FXModule,
//		tracer.FXModule,
//		rabbit.FXModule,
//		fx.Provide(
//			func(t *tracer.Tracer) rabbit.Propagator { return t },
//		),
//	)
//
// Configuration via environment variables:
//
//	TRACER_SERVICE_NAME=billing
//	APP_ENV=production
//	TRACER_ENABLE_EXPORT=true
//	TRACER_ENDPOINT=otel-collector:4318
//	TRACER_INSECURE=true
package tracer
