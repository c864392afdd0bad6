// Package rabbit provides a resilient publish/subscribe bus on top of RabbitMQ.
//
// Producers call Publish; consumers call Subscribe with a map of event
// handlers. The package hides connection churn, channel lifecycle and the
// bookkeeping of redelivery and dead-lettering.
//
// # Architecture
//
// This package follows the "accept interfaces, return structs" design pattern:
//   - Client interface: Defines the contract for bus operations
//   - RabbitClient struct: Concrete implementation of the Client interface
//   - Connection/Channel interfaces: The slice of amqp091-go the bus drives
//   - NewClient constructor: Returns *RabbitClient (concrete type)
//   - FX module: Provides both *RabbitClient and Client interface for dependency injection
//
// # Transport
//
// Each RabbitClient owns at most one connection and one channel. The channel
// only exists while the connection is open, and closing the connection
// closes the channel first.
//
// EnsureReady opens whatever is missing. Any number of concurrent callers
// share a single connect-then-create-channel sequence and all observe the
// same connection and channel afterwards.
//
// When the broker closes the connection or the channel, the client resets
// the affected part of its state and raises a recovery signal. Nothing is
// surfaced to unrelated callers: the next call that needs the transport, or
// the Supervise loop, re-establishes it and re-attaches subscriptions.
//
// # Envelope
//
// Bodies are JSON. Every message carries these headers:
//
//	transactionId  generated at first publish unless supplied, never changed
//	createdAt      ISO-8601, set at first publish, never changed
//	callingModule  optional producer tag
//	routeKey       the routing key resolved at publish
//	retryCount     incremented by one on every requeue (absent means 0)
//	requeuedAt     ISO-8601, overwritten on every requeue
//	errorAt        ISO-8601, set when the message is dead-lettered
//
// # Delivery state machine
//
// A delivered message ends in exactly one of:
//   - ACKED: Ack, or a handler returning nil
//   - REJECTED: Reject, which copies the message to <queue>_error and acks the original
//   - REQUEUED: Requeue, or a handler returning an error; the message is
//     republished to its queue with retryCount+1 and the original is acked
//   - DEAD_LETTERED: a requeue whose new retryCount reaches MaxRetryCount,
//     a message with no matching handler, or a body that is not valid JSON
//
// # Direct Usage (Without FX)
//
//	client, err := rabbit.NewClient(rabbit.Config{
//		Connection: rabbit.Connection{
//			Host:     "localhost",
//			User:     "guest",
//			Password: "guest",
//		},
//		Channel: rabbit.Channel{
//			GlobalExchange: "events",
//			PrefetchCount:  10,
//		},
//	})
//	if err != nil {
//		return err
//	}
//	defer client.GracefulShutdown()
//
//	client = client.
//		WithLogger(myLogger).
//		WithObserver(myObserver)
//
//	err = client.Subscribe(ctx, "mailer", rabbit.Handlers{
//		"user.created": func(ctx context.Context, msg *rabbit.Message) error {
//			var user User
//			if err := msg.Decode(&user); err != nil {
//				return msg.Reject(ctx)
//			}
//			return sendWelcome(ctx, user)
//		},
//	}, rabbit.SubscribeOptions{MaxRetryCount: 5})
//
//	err = client.Publish(ctx, map[string]any{"event": "user.created", "id": 42}, rabbit.PublishOptions{
//		CallingModule: "signup",
//	})
//
// # FX Module Integration
//
//	app := fx.New(
//		logger.FXModule,
//		rabbit.FXModule,
//		fx.Provide(
//			func() rabbit.Config { return cfg },
//			func(l *logger.LoggerClient) rabbit.Logger { return l },
//		),
//	)
//
// # Error Handling
//
// Validation errors (ErrNoRouteKey, ErrInvalidArgument) are returned before
// any network I/O. ErrNoConnection and ErrNoChannel are returned by calls that
// need a transport and do not open one themselves. Broker failures are
// wrapped with TranslateError so errors.Is works against the sentinels in
// this package.
//
// # Thread Safety
//
// All methods on RabbitClient are safe for concurrent use. Handlers of one
// queue run sequentially on that queue's consumer goroutine; different
// queues are processed independently.
package rabbit
