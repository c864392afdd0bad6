package rabbit

import (
	"context"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/rabbitbus/v1/observability"
)

// FXModule is an fx.Module that provides and configures the bus client.
//
// The module provides:
// 1. *RabbitClient (concrete type) for direct use
// 2. Client interface for dependency injection
// 3. Lifecycle management: connect on start, optional recovery supervisor, graceful shutdown
//
// Usage:
//
//	app := fx.New(
//	    logger.FXModule,
//	    tracer.FXModule,
//	    rabbit.FXModule,
//	    fx.Provide(func() rabbit.Config { return loadRabbitConfig() }),
//	)
var FXModule = fx.Module("rabbit",
	fx.Provide(
		NewClientWithDI, // Provides *RabbitClient
		// Also provide the Client interface
		fx.Annotate(
			func(r *RabbitClient) Client { return r },
			fx.As(new(Client)),
		),
	),
	fx.Invoke(RegisterRabbitLifecycle),
)

// RabbitParams groups the dependencies needed to create a bus client
type RabbitParams struct {
	fx.In

	Config     Config
	Logger     Logger                 `optional:"true"`
	Observer   observability.Observer `optional:"true"`
	Propagator Propagator             `optional:"true"`
	Dialer     Dialer                 `optional:"true"`
}

// NewClientWithDI creates a bus client using dependency injection. The
// optional logger, observer and propagator are attached when present in the
// container.
//
// Example usage with fx:
//
//	app := fx.New(
//	    rabbit.FXModule,
//	    fx.Provide(
//	        func() rabbit.Config { return loadRabbitConfig() },
//	        func(l *logger.LoggerClient) rabbit.Logger { return l },
//	        func(t *tracer.Tracer) rabbit.Propagator { return t },
//	        func(o *metrics.OperationObserver) observability.Observer { return o },
//	    ),
//	)
func NewClientWithDI(params RabbitParams) (*RabbitClient, error) {
	client, err := NewClient(params.Config)
	if err != nil {
		return nil, err
	}

	if params.Logger != nil {
		client.logger = params.Logger
	}
	if params.Observer != nil {
		client.observer = params.Observer
	}
	if params.Propagator != nil {
		client.propagator = params.Propagator
	}
	if params.Dialer != nil {
		client.conns.dial = params.Dialer
	}

	return client, nil
}

// RabbitLifecycleParams groups the dependencies needed for lifecycle management
type RabbitLifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Client    *RabbitClient
}

// RegisterRabbitLifecycle registers the bus client with the fx lifecycle system.
//
// On start the transport is established with EnsureReady. When
// Recovery.Interval is set, a supervisor goroutine keeps the transport alive
// and a failed initial connect is left to it instead of aborting startup.
//
// On stop the client is shut down gracefully: consumers are cancelled, then
// the channel and connection are closed.
func RegisterRabbitLifecycle(params RabbitLifecycleParams) {
	client := params.Client
	interval := client.cfg.Recovery.Interval
	supervisorCtx, cancel := context.WithCancel(context.Background())

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			err := client.EnsureReady(ctx)
			if err != nil && interval <= 0 {
				cancel()
				return err
			}
			if err != nil {
				client.logWarn(ctx, "RabbitMQ not reachable on startup, supervisor will retry", err, map[string]interface{}{
					"url": client.cfg.redactedURL(),
				})
			}

			if interval > 0 {
				client.wg.Add(1)
				go func() {
					defer client.wg.Done()
					client.Supervise(supervisorCtx, interval)
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			client.GracefulShutdown()
			return nil
		},
	})
}
