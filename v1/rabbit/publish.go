package rabbit

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeTopic is the exchange kind used for the global exchange.
const ExchangeTopic = "topic"

// PublishOptions tunes a single Publish or Send call.
type PublishOptions struct {
	// RouteKey overrides the "event" field of the message as routing key
	RouteKey string

	// TransactionID is propagated instead of generating a new one
	TransactionID string

	// CallingModule tags the message with the producing module
	CallingModule string

	// Exchange overrides Channel.GlobalExchange
	Exchange string
}

// Publish serializes message as JSON and publishes it to the global topic
// exchange. It returns after the broker confirms the message.
//
// The routing key is opts.RouteKey when set, otherwise the string "event"
// field of the serialized message. When neither is present Publish fails with
// ErrNoRouteKey before touching the network.
//
// Errors:
//   - *EncodingError when message cannot be serialized
//   - ErrNoRouteKey when no routing key can be resolved
//   - errors from EnsureReady when the transport cannot be established
//   - *PublishError when the broker rejects or does not confirm the message
//
// Example:
//
//	err := client.Publish(ctx, OrderPlaced{Event: "order.placed", ID: id}, rabbit.PublishOptions{
//	    CallingModule: "checkout",
//	})
func (rb *RabbitClient) Publish(ctx context.Context, message any, opts PublishOptions) error {
	start := time.Now()

	body, err := encodeBody(message)
	if err != nil {
		return err
	}

	routeKey := opts.RouteKey
	if routeKey == "" {
		routeKey = eventOfBody(body)
	}
	if routeKey == "" {
		return ErrNoRouteKey
	}

	exchange := opts.Exchange
	if exchange == "" {
		exchange = rb.cfg.globalExchange()
	}

	err = rb.publish(ctx, exchange, routeKey, rb.codec.encode(body, routeKey, opts))
	rb.observeOperation("publish", exchange, routeKey, time.Since(start), err, int64(len(body)))
	return err
}

// Send serializes message as JSON and delivers it straight to queue through
// the default exchange, bypassing topic routing. The queue is declared first.
// Header stamping follows the same rules as Publish; a route key is optional.
func (rb *RabbitClient) Send(ctx context.Context, message any, queue string, opts PublishOptions) error {
	start := time.Now()

	if queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidArgument)
	}

	body, err := encodeBody(message)
	if err != nil {
		return err
	}

	routeKey := opts.RouteKey
	if routeKey == "" {
		routeKey = eventOfBody(body)
	}

	err = rb.send(ctx, queue, rb.codec.encode(body, routeKey, opts))
	rb.observeOperation("send", queue, routeKey, time.Since(start), err, int64(len(body)))
	return err
}

func (rb *RabbitClient) send(ctx context.Context, queue string, env envelope) error {
	if err := rb.EnsureReady(ctx); err != nil {
		return err
	}
	ch, err := rb.channel()
	if err != nil {
		return err
	}
	if _, err := declareQueue(ch, queue); err != nil {
		return err
	}

	msg := rb.codec.publishing(env)
	rb.injectTrace(ctx, msg.Headers)
	return rb.publishOn(ctx, ch, "", queue, msg)
}

// publish ensures the transport, declares the topic exchange and publishes
// env with confirmation.
func (rb *RabbitClient) publish(ctx context.Context, exchange, routeKey string, env envelope) error {
	if err := rb.EnsureReady(ctx); err != nil {
		return err
	}
	ch, err := rb.channel()
	if err != nil {
		return err
	}
	if err := declareExchange(ch, exchange, ExchangeTopic); err != nil {
		return err
	}

	msg := rb.codec.publishing(env)
	rb.injectTrace(ctx, msg.Headers)
	return rb.publishOn(ctx, ch, exchange, routeKey, msg)
}

func (rb *RabbitClient) publishOn(ctx context.Context, ch BrokerChannel, exchange, routeKey string, msg amqp.Publishing) error {
	if err := ch.PublishConfirmed(ctx, exchange, routeKey, msg); err != nil {
		return &PublishError{Exchange: exchange, RouteKey: routeKey, Err: TranslateError(err)}
	}
	return nil
}

// republish sends an already delivered message to queue through the default
// exchange, keeping its body and content metadata and replacing its headers.
func (rb *RabbitClient) republish(ctx context.Context, ch BrokerChannel, queue string, d *amqp.Delivery, headers amqp.Table) error {
	contentType := d.ContentType
	if contentType == "" {
		contentType = contentTypeJSON
	}
	return rb.publishOn(ctx, ch, "", queue, amqp.Publishing{
		Headers:         headers,
		ContentType:     contentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	})
}

func (rb *RabbitClient) injectTrace(ctx context.Context, headers amqp.Table) {
	if rb.propagator == nil {
		return
	}
	for k, v := range rb.propagator.GetCarrier(ctx) {
		headers[k] = v
	}
}

func (rb *RabbitClient) extractTrace(ctx context.Context, headers amqp.Table) context.Context {
	if rb.propagator == nil {
		return ctx
	}
	return rb.propagator.SetCarrierOnContext(ctx, carrierFromHeaders(headers))
}
