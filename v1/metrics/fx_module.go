package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/rabbitbus/v1/logger"
	"github.com/Aleph-Alpha/rabbitbus/v1/observability"
)

// FXModule defines the Fx module for the metrics package.
//
// The module provides:
//  1. *Metrics and the MetricsCollector interface
//  2. *OperationObserver and the observability.Observer interface, which
//     rabbit.FXModule picks up automatically
//  3. Lifecycle hooks that start and gracefully stop the /metrics server
//
// Usage:
//
//	app := fx.New(
//	    logger.FXModule,
//	    metrics.FXModule,
//	    rabbit.FXModule,
//	    fx.Provide(func() metrics.Config {
//	        return metrics.Config{Address: ":9090", ServiceName: "billing"}
//	    }),
//	)
//
// A metrics.Config must be available in the container; a *logger.LoggerClient
// is optional.
var FXModule = fx.Module("metrics",
	fx.Provide(
		NewMetrics,
		fx.Annotate(
			func(m *Metrics) MetricsCollector { return m },
			fx.As(new(MetricsCollector)),
		),
		func(m *Metrics) *OperationObserver { return NewOperationObserver(m) },
		fx.Annotate(
			func(o *OperationObserver) observability.Observer { return o },
			fx.As(new(observability.Observer)),
		),
	),
	fx.Invoke(RegisterMetricsLifecycle),
)

// MetricsLifecycleParams groups the dependencies needed for lifecycle management
type MetricsLifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Metrics   *Metrics
	Logger    *logger.LoggerClient `optional:"true"`
}

// RegisterMetricsLifecycle binds the /metrics listener on start, so a busy
// port fails startup, then serves it in the background. On stop the server
// is shut down gracefully.
func RegisterMetricsLifecycle(params MetricsLifecycleParams) {
	m := params.Metrics
	log := params.Logger

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listener, err := net.Listen("tcp", m.Server.Addr)
			if err != nil {
				return err
			}
			if log != nil {
				log.Info("Starting Prometheus metrics server", nil, map[string]interface{}{
					"address": listener.Addr().String(),
				})
			}

			go func() {
				if err := m.Server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
					log.Error("Prometheus metrics server stopped", err, nil)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if log != nil {
				log.Info("Shutting down Prometheus metrics server", nil, nil)
			}
			return m.Server.Shutdown(ctx)
		},
	})
}
