package rabbit

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Client is the bus contract: transport lifecycle, publish/subscribe with
// retry and dead-lettering, raw delivery control and admin pass-throughs.
//
// This interface is implemented by the concrete *RabbitClient type.
type Client interface {
	// Transport lifecycle

	// CreateConnection opens the broker connection if none is open.
	CreateConnection(ctx context.Context) error

	// CloseConnection closes the channel and the connection.
	CloseConnection(ctx context.Context) error

	// CreateChannel opens the channel on the current connection.
	CreateChannel(ctx context.Context) error

	// CloseChannel closes the channel, leaving the connection open.
	CloseChannel(ctx context.Context) error

	// EnsureReady opens whatever part of the transport is missing, sharing a
	// single in-flight sequence between concurrent callers.
	EnsureReady(ctx context.Context) error

	// Supervise keeps the transport alive until ctx is cancelled.
	Supervise(ctx context.Context, interval time.Duration)

	ConnectionState() State
	ChannelState() State

	// Publisher operations

	// Publish sends message to the global topic exchange and waits for the broker confirm.
	Publish(ctx context.Context, message any, opts PublishOptions) error

	// Send delivers message directly to queue.
	Send(ctx context.Context, message any, queue string, opts PublishOptions) error

	// Consumer operations

	// Subscribe consumes queue and dispatches messages to handlers by event.
	Subscribe(ctx context.Context, queue string, handlers Handlers, opts SubscribeOptions) error

	// Unsubscribe cancels the consumer of queue.
	Unsubscribe(ctx context.Context, queue string) error

	// Raw delivery control

	Ack(ctx context.Context, d *amqp.Delivery) error
	Requeue(ctx context.Context, d *amqp.Delivery, queue string, opts RequeueOptions) error
	Reject(ctx context.Context, d *amqp.Delivery, errorQueue string) error

	// Admin operations

	CreateQueue(ctx context.Context, name string) (QueueInfo, error)
	CheckQueue(ctx context.Context, name string) (QueueInfo, error)
	DeleteQueue(ctx context.Context, name string) (QueueInfo, error)
	PurgeQueue(ctx context.Context, name string) (int, error)
	CreateExchange(ctx context.Context, name, kind string) error
	CheckExchange(ctx context.Context, name string) error
	DeleteExchange(ctx context.Context, name string) error
	BindQueue(ctx context.Context, queue, exchange, pattern string) error
	Get(ctx context.Context, queue string) (*amqp.Delivery, bool, error)

	// Lifecycle

	// GracefulShutdown cancels subscriptions and closes the transport.
	GracefulShutdown()
}
