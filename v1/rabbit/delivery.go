package rabbit

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RequeueOptions controls Requeue for a raw delivery.
type RequeueOptions struct {
	// MaxRetryCount dead-letters the message once its retryCount reaches this
	// value. 0 means unlimited.
	MaxRetryCount int

	// ErrorQueue overrides the <queue>_error dead-letter queue
	ErrorQueue string
}

// Ack acknowledges d, removing it from its queue.
// It fails with ErrNoChannel when no channel is open.
func (rb *RabbitClient) Ack(_ context.Context, d *amqp.Delivery) error {
	start := time.Now()
	ch, err := rb.channel()
	if err != nil {
		return err
	}
	err = ackDelivery(ch, d)
	rb.observeOperation("ack", d.RoutingKey, "", time.Since(start), err, int64(len(d.Body)))
	return err
}

// Requeue stamps requeuedAt, increments retryCount and publishes d back onto
// queue, then acknowledges the original delivery. When the incremented
// retryCount reaches opts.MaxRetryCount the message is dead-lettered instead.
// transactionId, createdAt and every other header are carried over unchanged.
func (rb *RabbitClient) Requeue(ctx context.Context, d *amqp.Delivery, queue string, opts RequeueOptions) error {
	if queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidArgument)
	}
	ch, err := rb.channel()
	if err != nil {
		return err
	}
	return rb.requeue(ctx, ch, d, queue, opts.MaxRetryCount, errorQueueName(queue, opts.ErrorQueue))
}

// Reject stamps errorAt, publishes d with all its headers to errorQueue and
// acknowledges the original delivery.
func (rb *RabbitClient) Reject(ctx context.Context, d *amqp.Delivery, errorQueue string) error {
	if errorQueue == "" {
		return fmt.Errorf("%w: error queue name is required", ErrInvalidArgument)
	}
	ch, err := rb.channel()
	if err != nil {
		return err
	}
	return rb.deadLetter(ctx, ch, d, errorQueue, d.Headers, "reject")
}

func (rb *RabbitClient) requeue(ctx context.Context, ch BrokerChannel, d *amqp.Delivery, queue string, maxRetryCount int, errorQueue string) error {
	start := time.Now()
	headers := rb.codec.stampRequeue(d.Headers)
	retryCount := RetryCount(headers)

	if maxRetryCount > 0 && retryCount >= maxRetryCount {
		rb.logWarn(ctx, "Message exceeded retry budget, dead-lettering", nil, map[string]interface{}{
			"queue":          queue,
			"error_queue":    errorQueue,
			"retry_count":    retryCount,
			"transaction_id": HeaderString(headers, HeaderTransactionID),
		})
		return rb.deadLetter(ctx, ch, d, errorQueue, headers, "dead_letter")
	}

	err := rb.republish(ctx, ch, queue, d, headers)
	if err == nil {
		err = ackDelivery(ch, d)
	}
	rb.observeOperation("requeue", queue, d.RoutingKey, time.Since(start), err, int64(len(d.Body)))
	return err
}

// deadLetter stamps errorAt onto headers, republishes to errorQueue and acks d.
func (rb *RabbitClient) deadLetter(ctx context.Context, ch BrokerChannel, d *amqp.Delivery, errorQueue string, headers amqp.Table, operation string) error {
	start := time.Now()
	headers = rb.codec.stampError(headers)

	_, err := declareQueue(ch, errorQueue)
	if err == nil {
		err = rb.republish(ctx, ch, errorQueue, d, headers)
	}
	if err == nil {
		err = ackDelivery(ch, d)
	}
	rb.observeOperation(operation, errorQueue, d.RoutingKey, time.Since(start), err, int64(len(d.Body)))
	return err
}

// ackDelivery acks through the delivery's own channel when it carries one,
// since delivery tags are scoped to the channel that produced them.
func ackDelivery(ch BrokerChannel, d *amqp.Delivery) error {
	var err error
	if d.Acknowledger != nil {
		err = d.Ack(false)
	} else {
		err = ch.Ack(d.DeliveryTag, false)
	}
	if err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", d.DeliveryTag, TranslateError(err))
	}
	return nil
}

func errorQueueName(queue, override string) string {
	if override != "" {
		return override
	}
	return queue + ErrorQueueSuffix
}
