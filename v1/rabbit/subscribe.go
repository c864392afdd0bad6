package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivered message. It may settle the message itself
// through msg.Ack, msg.Reject or msg.Requeue. If it returns without settling,
// a nil error acks the message and a non-nil error requeues it. A panic is
// treated as an error.
type Handler func(ctx context.Context, msg *Message) error

// Handlers maps an event name, or a topic pattern using '*' and '#', to its handler.
// Every key is also bound as a routing pattern from the global exchange to the queue.
type Handlers map[string]Handler

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	// MaxRetryCount is the requeue budget. 0 falls back to Channel.MaxRetryCount;
	// if that is 0 too, messages are requeued without limit.
	MaxRetryCount int

	// ErrorQueue overrides the <queue>_error dead-letter queue
	ErrorQueue string

	// ErrorHandler receives errors that cannot be returned to a caller, such as
	// *DecodingError for malformed bodies. It runs on the consumer goroutine.
	ErrorHandler func(ctx context.Context, err error)
}

// subscription is the registration for one queue. The consumer fields are
// replaced when the subscription is re-attached to a new channel.
type subscription struct {
	queue         string
	handlers      Handlers
	patterns      []string
	maxRetryCount int
	errorQueue    string
	onError       func(ctx context.Context, err error)

	mu        sync.Mutex
	ch        BrokerChannel
	tag       string
	done      chan struct{}
	cancelled bool
}

func newSubscription(queue string, handlers Handlers, opts SubscribeOptions, cfg Config) *subscription {
	maxRetryCount := opts.MaxRetryCount
	if maxRetryCount <= 0 {
		maxRetryCount = cfg.Channel.MaxRetryCount
	}

	patterns := make([]string, 0, len(handlers))
	for key := range handlers {
		patterns = append(patterns, key)
	}
	sort.Strings(patterns)

	return &subscription{
		queue:         queue,
		handlers:      handlers,
		patterns:      patterns,
		maxRetryCount: maxRetryCount,
		errorQueue:    errorQueueName(queue, opts.ErrorQueue),
		onError:       opts.ErrorHandler,
	}
}

// handlerFor returns the handler registered for event, preferring an exact
// match over a topic pattern match.
func (s *subscription) handlerFor(event string) Handler {
	if event == "" {
		return nil
	}
	if h, ok := s.handlers[event]; ok {
		return h
	}
	for _, pattern := range s.patterns {
		if MatchTopic(pattern, event) {
			return s.handlers[pattern]
		}
	}
	return nil
}

func (s *subscription) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *subscription) reportError(ctx context.Context, err error) {
	if s.onError != nil {
		s.onError(ctx, err)
	}
}

// Subscribe consumes queue and dispatches each message to the handler
// registered for its event. The event is the "event" field of the body,
// falling back to the routeKey header and then the delivery routing key.
//
// Subscribe declares queue, its error queue and the global topic exchange,
// and binds every key of handlers to the queue. Subscribing to a queue that
// already has a subscription replaces it.
//
// Messages without a matching handler, and messages whose body is not valid
// JSON, are dead-lettered to the error queue.
//
// Example:
//
//	err := client.Subscribe(ctx, "billing", rabbit.Handlers{
//	    "order.placed": func(ctx context.Context, msg *rabbit.Message) error {
//	        var order Order
//	        if err := msg.Decode(&order); err != nil {
//	            return msg.Reject(ctx)
//	        }
//	        return charge(ctx, order)
//	    },
//	}, rabbit.SubscribeOptions{MaxRetryCount: 3})
func (rb *RabbitClient) Subscribe(ctx context.Context, queue string, handlers Handlers, opts SubscribeOptions) error {
	if queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidArgument)
	}
	if len(handlers) == 0 {
		return fmt.Errorf("%w: at least one handler is required", ErrInvalidArgument)
	}

	if err := rb.EnsureReady(ctx); err != nil {
		return err
	}

	sub := newSubscription(queue, handlers, opts, rb.cfg)

	// one registration per queue; whatever this displaces is stopped
	rb.subsMu.Lock()
	prev := rb.subscriptions[queue]
	rb.subscriptions[queue] = sub
	rb.subsMu.Unlock()

	if prev != nil {
		if err := rb.stopSubscription(ctx, prev); err != nil {
			rb.subsMu.Lock()
			if rb.subscriptions[queue] == sub {
				delete(rb.subscriptions, queue)
			}
			rb.subsMu.Unlock()
			return err
		}
	}

	if err := rb.startConsumer(ctx, sub); err != nil {
		rb.subsMu.Lock()
		if rb.subscriptions[queue] == sub {
			delete(rb.subscriptions, queue)
		}
		rb.subsMu.Unlock()
		return err
	}

	rb.logInfo(ctx, "Subscribed to queue", map[string]interface{}{
		"queue":       queue,
		"error_queue": sub.errorQueue,
		"handlers":    sub.patterns,
	})
	return nil
}

// Unsubscribe cancels the consumer for queue and drops its registration.
// It waits for an in-flight handler to return, so it must not be called from
// a handler of the same queue. It is a no-op when queue is not subscribed.
func (rb *RabbitClient) Unsubscribe(ctx context.Context, queue string) error {
	rb.subsMu.Lock()
	sub, ok := rb.subscriptions[queue]
	delete(rb.subscriptions, queue)
	rb.subsMu.Unlock()
	if !ok {
		return nil
	}
	if err := rb.stopSubscription(ctx, sub); err != nil {
		return err
	}

	rb.logInfo(ctx, "Unsubscribed from queue", map[string]interface{}{"queue": queue})
	return nil
}

// stopSubscription marks sub cancelled, cancels its broker consumer and waits
// for the consumer goroutine to exit. A subscription whose consumer has not
// started yet will never start one.
func (rb *RabbitClient) stopSubscription(ctx context.Context, sub *subscription) error {
	sub.mu.Lock()
	sub.cancelled = true
	ch, tag, done := sub.ch, sub.tag, sub.done
	sub.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(tag, false); err != nil && !IsChannelError(TranslateError(err)) {
			rb.logWarn(ctx, "Failed to cancel consumer", err, map[string]interface{}{
				"queue":        sub.queue,
				"consumer_tag": tag,
			})
		}
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// startConsumer declares the subscription's topology on the current channel
// and starts its consumer goroutine. It is a no-op if the subscription is
// already consuming on that channel.
func (rb *RabbitClient) startConsumer(ctx context.Context, sub *subscription) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.cancelled {
		return nil
	}
	ch, err := rb.channel()
	if err != nil {
		return err
	}
	if sub.ch == ch && sub.done != nil && !ch.IsClosed() {
		return nil
	}

	exchange := rb.cfg.globalExchange()
	if _, err := declareQueue(ch, sub.queue); err != nil {
		return err
	}
	if _, err := declareQueue(ch, sub.errorQueue); err != nil {
		return err
	}
	if err := declareExchange(ch, exchange, ExchangeTopic); err != nil {
		return err
	}
	for _, pattern := range sub.patterns {
		if err := bindQueue(ch, sub.queue, exchange, pattern); err != nil {
			return err
		}
	}

	tag := "rabbitbus-" + uuid.NewString()
	deliveries, err := ch.Consume(
		sub.queue,
		tag,
		false, // Auto-ack
		false, // Exclusive
		false, // No-local
		false, // No-wait
		nil,   // Args
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", sub.queue, TranslateError(err))
	}

	done := make(chan struct{})
	sub.ch, sub.tag, sub.done = ch, tag, done

	rb.wg.Add(1)
	go rb.consume(sub, deliveries, done)

	rb.logDebug(ctx, "Consumer started", map[string]interface{}{
		"queue":        sub.queue,
		"consumer_tag": tag,
	})
	return nil
}

// restoreSubscriptions re-attaches every registered subscription to the
// current channel. Failures are logged; the next recovery retries them.
func (rb *RabbitClient) restoreSubscriptions(ctx context.Context) {
	rb.subsMu.Lock()
	subs := make([]*subscription, 0, len(rb.subscriptions))
	for _, sub := range rb.subscriptions {
		subs = append(subs, sub)
	}
	rb.subsMu.Unlock()

	for _, sub := range subs {
		if err := rb.startConsumer(ctx, sub); err != nil {
			rb.logError(ctx, "Failed to restore subscription", err, map[string]interface{}{
				"queue": sub.queue,
			})
		}
	}
}

// consume processes deliveries sequentially until the delivery stream closes
// or the client shuts down.
func (rb *RabbitClient) consume(sub *subscription, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer rb.wg.Done()
	defer close(done)

	for {
		select {
		case <-rb.shutdownSignal:
			return
		case d, ok := <-deliveries:
			if !ok {
				if !sub.isCancelled() && !rb.isShutdown() {
					rb.logWarn(context.Background(), "Consumer stream closed, waiting for recovery", nil, map[string]interface{}{
						"queue": sub.queue,
					})
					rb.signalRecovery()
				}
				return
			}
			rb.handleDelivery(sub, &d)
		}
	}
}

func (rb *RabbitClient) handleDelivery(sub *subscription, d *amqp.Delivery) {
	start := time.Now()
	ctx := rb.extractTrace(context.Background(), d.Headers)
	size := int64(len(d.Body))

	msg := &Message{
		Body:     d.Body,
		Headers:  d.Headers,
		Queue:    sub.queue,
		Delivery: d,
		client:   rb,
		sub:      sub,
	}

	payload, err := decodeBody(sub.queue, d.Body)
	if err != nil {
		rb.logError(ctx, "Failed to decode message, dead-lettering", err, map[string]interface{}{
			"queue":       sub.queue,
			"error_queue": sub.errorQueue,
		})
		sub.reportError(ctx, err)
		if dlErr := msg.deadLetter(ctx); dlErr != nil {
			rb.logError(ctx, "Failed to dead-letter undecodable message", dlErr, map[string]interface{}{"queue": sub.queue})
		}
		rb.observeOperation("consume", sub.queue, "", time.Since(start), err, size)
		return
	}

	msg.payload = payload
	msg.Event = resolveEvent(payload, d)

	handler := sub.handlerFor(msg.Event)
	if handler == nil {
		err := fmt.Errorf("no handler for event %q on queue %s", msg.Event, sub.queue)
		rb.logWarn(ctx, "No handler matched message, dead-lettering", err, map[string]interface{}{
			"queue": sub.queue,
			"event": msg.Event,
		})
		if dlErr := msg.deadLetter(ctx); dlErr != nil {
			rb.logError(ctx, "Failed to dead-letter unhandled message", dlErr, map[string]interface{}{"queue": sub.queue})
		}
		rb.observeOperation("consume", sub.queue, msg.Event, time.Since(start), err, size)
		return
	}

	handlerErr := invokeHandler(ctx, handler, msg)
	if handlerErr != nil {
		rb.logWarn(ctx, "Message handler failed", handlerErr, map[string]interface{}{
			"queue":          sub.queue,
			"event":          msg.Event,
			"transaction_id": msg.TransactionID(),
		})
	}

	if !msg.isSettled() {
		var settleErr error
		if handlerErr == nil {
			settleErr = msg.Ack(ctx)
		} else {
			settleErr = msg.Requeue(ctx)
		}
		if settleErr != nil {
			rb.logError(ctx, "Failed to settle message", settleErr, map[string]interface{}{
				"queue": sub.queue,
				"event": msg.Event,
			})
		}
	}

	rb.observeOperation("consume", sub.queue, msg.Event, time.Since(start), handlerErr, size)
}

func invokeHandler(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// resolveEvent picks the event name of a delivery: the body's "event" field,
// then the routeKey header, then the routing key the message arrived with.
func resolveEvent(payload any, d *amqp.Delivery) string {
	if event := eventOf(payload); event != "" {
		return event
	}
	if event := HeaderString(d.Headers, HeaderRouteKey); event != "" {
		return event
	}
	return d.RoutingKey
}

// Message is a delivered message handed to a Handler, together with the
// operations that settle it. Exactly one settle operation succeeds; later
// calls return ErrMessageSettled.
type Message struct {
	Body    []byte
	Headers amqp.Table
	Event   string
	Queue   string

	// Delivery is the raw broker delivery
	Delivery *amqp.Delivery

	client  *RabbitClient
	sub     *subscription
	payload any
	settled atomic.Bool
}

// Decode unmarshals the JSON body into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return &DecodingError{Queue: m.Queue, Err: err}
	}
	return nil
}

// Payload returns the body decoded into generic JSON values.
func (m *Message) Payload() any {
	return m.payload
}

func (m *Message) TransactionID() string {
	return HeaderString(m.Headers, HeaderTransactionID)
}

func (m *Message) CallingModule() string {
	return HeaderString(m.Headers, HeaderCallingModule)
}

func (m *Message) RetryCount() int {
	return RetryCount(m.Headers)
}

// Ack acknowledges the message.
func (m *Message) Ack(ctx context.Context) error {
	if !m.settled.CompareAndSwap(false, true) {
		return ErrMessageSettled
	}
	return m.client.Ack(ctx, m.Delivery)
}

// Reject dead-letters the message to the subscription's error queue without retry.
func (m *Message) Reject(ctx context.Context) error {
	return m.RejectTo(ctx, m.sub.errorQueue)
}

// RejectTo dead-letters the message to errorQueue without retry.
func (m *Message) RejectTo(ctx context.Context, errorQueue string) error {
	if !m.settled.CompareAndSwap(false, true) {
		return ErrMessageSettled
	}
	return m.client.Reject(ctx, m.Delivery, errorQueue)
}

// Requeue redelivers the message to its queue, or dead-letters it once the
// subscription's retry budget is spent.
func (m *Message) Requeue(ctx context.Context) error {
	if !m.settled.CompareAndSwap(false, true) {
		return ErrMessageSettled
	}
	return m.client.Requeue(ctx, m.Delivery, m.Queue, RequeueOptions{
		MaxRetryCount: m.sub.maxRetryCount,
		ErrorQueue:    m.sub.errorQueue,
	})
}

// deadLetter routes a message nobody can handle to the error queue.
func (m *Message) deadLetter(ctx context.Context) error {
	if !m.settled.CompareAndSwap(false, true) {
		return ErrMessageSettled
	}
	ch, err := m.client.channel()
	if err != nil {
		return err
	}
	return m.client.deadLetter(ctx, ch, m.Delivery, m.sub.errorQueue, m.Headers, "dead_letter")
}

func (m *Message) isSettled() bool {
	return m.settled.Load()
}
