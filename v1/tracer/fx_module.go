package tracer

import (
	"context"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/rabbitbus/v1/logger"
)

// FXModule provides *Tracer and shuts the provider down when the application
// stops, flushing pending spans.
//
// Usage:
//
//	app := fx.New(
//	    logger.FXModule,
//	    tracer.FXModule,
//	    fx.Provide(func() tracer.Config { return tracer.Config{ServiceName: "billing"} }),
//	)
var FXModule = fx.Module("tracer",
	fx.Provide(
		NewClientWithDI,
	),
	fx.Invoke(RegisterTracerLifecycle),
)

// TracerParams groups the dependencies needed to create a Tracer
type TracerParams struct {
	fx.In

	Config Config
	Logger *logger.LoggerClient `optional:"true"`
}

// NewClientWithDI creates a Tracer from the container, logging through the
// shared logger when one is provided.
func NewClientWithDI(params TracerParams) (*Tracer, error) {
	var log Logger
	if params.Logger != nil {
		log = params.Logger
	}
	return NewClient(params.Config, log)
}

// RegisterTracerLifecycle registers an OnStop hook that shuts the tracer down.
func RegisterTracerLifecycle(lc fx.Lifecycle, tracer *Tracer) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if tracer.logger != nil {
				tracer.logger.Info("shutting down tracer", nil, nil)
			}
			return tracer.Shutdown(ctx)
		},
	})
}
