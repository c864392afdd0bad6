package rabbit

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueInfo is the broker's answer to a queue declare, check or delete.
type QueueInfo struct {
	Queue        string
	MessageCount int
	Consumers    int
}

// The admin calls below are one-shot pass-throughs on the current channel.
// They never open the transport themselves and fail with ErrNoChannel when
// no channel is open.

// CreateQueue declares a durable queue and returns its current depth.
func (rb *RabbitClient) CreateQueue(_ context.Context, name string) (QueueInfo, error) {
	start := time.Now()
	ch, err := rb.channel()
	if err != nil {
		return QueueInfo{}, err
	}
	info, err := declareQueue(ch, name)
	rb.observeOperation("create_queue", name, "", time.Since(start), err, 0)
	return info, err
}

// CheckQueue passively declares name. A missing queue yields ErrQueueNotFound;
// note that the broker closes the channel in that case.
func (rb *RabbitClient) CheckQueue(_ context.Context, name string) (QueueInfo, error) {
	ch, err := rb.channel()
	if err != nil {
		return QueueInfo{}, err
	}
	q, err := ch.QueueDeclarePassive(
		name,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return QueueInfo{}, notFound(err, ErrQueueNotFound, name)
	}
	return QueueInfo{Queue: q.Name, MessageCount: q.Messages, Consumers: q.Consumers}, nil
}

// DeleteQueue deletes name and returns the number of messages it held.
func (rb *RabbitClient) DeleteQueue(_ context.Context, name string) (QueueInfo, error) {
	start := time.Now()
	ch, err := rb.channel()
	if err != nil {
		return QueueInfo{}, err
	}
	count, err := ch.QueueDelete(
		name,
		false, // If unused
		false, // If empty
		false, // No-wait
	)
	if err != nil {
		err = fmt.Errorf("failed to delete queue %s: %w", name, TranslateError(err))
	}
	rb.observeOperation("delete_queue", name, "", time.Since(start), err, 0)
	return QueueInfo{Queue: name, MessageCount: count}, err
}

// PurgeQueue removes all ready messages from name and returns how many were dropped.
func (rb *RabbitClient) PurgeQueue(_ context.Context, name string) (int, error) {
	ch, err := rb.channel()
	if err != nil {
		return 0, err
	}
	count, err := ch.QueuePurge(name, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue %s: %w", name, TranslateError(err))
	}
	return count, nil
}

// CreateExchange declares a durable exchange of the given kind ("topic" when empty).
func (rb *RabbitClient) CreateExchange(_ context.Context, name, kind string) error {
	ch, err := rb.channel()
	if err != nil {
		return err
	}
	if kind == "" {
		kind = ExchangeTopic
	}
	return declareExchange(ch, name, kind)
}

// CheckExchange passively declares name. A missing exchange yields
// ErrExchangeNotFound and the broker closes the channel.
func (rb *RabbitClient) CheckExchange(_ context.Context, name string) error {
	ch, err := rb.channel()
	if err != nil {
		return err
	}
	err = ch.ExchangeDeclarePassive(
		name,
		ExchangeTopic,
		true,  // Durable
		false, // Auto-deleted
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return notFound(err, ErrExchangeNotFound, name)
	}
	return nil
}

// DeleteExchange deletes name.
func (rb *RabbitClient) DeleteExchange(_ context.Context, name string) error {
	ch, err := rb.channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDelete(name, false, false); err != nil {
		return fmt.Errorf("failed to delete exchange %s: %w", name, TranslateError(err))
	}
	return nil
}

// BindQueue binds queue to exchange with a routing pattern.
func (rb *RabbitClient) BindQueue(_ context.Context, queue, exchange, pattern string) error {
	ch, err := rb.channel()
	if err != nil {
		return err
	}
	return bindQueue(ch, queue, exchange, pattern)
}

// Get fetches one message from queue without auto-ack. ok is false when the
// queue is empty. Settle the returned delivery with Ack, Requeue or Reject.
func (rb *RabbitClient) Get(_ context.Context, queue string) (*amqp.Delivery, bool, error) {
	start := time.Now()
	ch, err := rb.channel()
	if err != nil {
		return nil, false, err
	}
	d, ok, err := ch.Get(queue, false)
	if err != nil {
		err = fmt.Errorf("failed to get from queue %s: %w", queue, TranslateError(err))
		rb.observeOperation("get", queue, "", time.Since(start), err, 0)
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	rb.observeOperation("get", queue, d.RoutingKey, time.Since(start), nil, int64(len(d.Body)))
	return &d, true, nil
}

func declareQueue(ch BrokerChannel, name string) (QueueInfo, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("failed to declare queue %s: %w", name, TranslateError(err))
	}
	return QueueInfo{Queue: q.Name, MessageCount: q.Messages, Consumers: q.Consumers}, nil
}

func declareExchange(ch BrokerChannel, name, kind string) error {
	err := ch.ExchangeDeclare(
		name,
		kind,
		true,  // Durable
		false, // Auto-deleted
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, TranslateError(err))
	}
	return nil
}

func bindQueue(ch BrokerChannel, queue, exchange, pattern string) error {
	if err := ch.QueueBind(queue, pattern, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s with %q: %w", queue, exchange, pattern, TranslateError(err))
	}
	return nil
}

// notFound attributes a broker 404 to the entity that was checked.
func notFound(err, sentinel error, name string) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
		return fmt.Errorf("%w: %s: %w", sentinel, name, err)
	}
	return TranslateError(err)
}
