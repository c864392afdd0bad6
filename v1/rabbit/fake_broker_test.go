package rabbit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

// fakeBroker is an in-memory broker behind BrokerConnection and BrokerChannel.
// It implements durable queues, topic/direct/fanout exchanges, the default
// exchange, consumers with manual ack and the close notifications the client
// relies on. Like RabbitMQ it closes the channel on 404 and 406 errors and
// returns unacked deliveries to their queue when a channel goes away.
type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*fakeQueue
	bindings  map[string][]fakeBinding
	conns     []*fakeConnection

	dials     int
	channels  int
	published int
	dialErr   error
	dialDelay time.Duration
	nack      bool
}

type fakeBinding struct {
	queue   string
	pattern string
}

type fakeQueue struct {
	name      string
	ready     []amqp.Delivery
	consumers []*fakeConsumer
	next      int
}

type fakeConsumer struct {
	tag        string
	queue      string
	ch         *fakeChannel
	deliveries chan amqp.Delivery
}

type fakeUnacked struct {
	queue    string
	delivery amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*fakeQueue),
		bindings:  make(map[string][]fakeBinding),
	}
}

// newTestClient builds a client wired to broker and shut down with the test.
func newTestClient(t *testing.T, broker *fakeBroker, opts ...func(*Config)) *RabbitClient {
	t.Helper()
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	client.WithDialer(broker.dial)
	t.Cleanup(client.GracefulShutdown)
	return client
}

func (b *fakeBroker) dial(_ context.Context, _ Config) (BrokerConnection, error) {
	b.mu.Lock()
	delay := b.dialDelay
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &fakeConnection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) setDialErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

func (b *fakeBroker) setDialDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialDelay = d
}

func (b *fakeBroker) setNack(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nack = nack
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) channelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels
}

func (b *fakeBroker) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// depth is the number of ready messages in queue, or -1 if it does not exist.
func (b *fakeBroker) depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return -1
	}
	return len(q.ready)
}

func (b *fakeBroker) consumerCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return len(q.consumers)
}

// unacked counts deliveries handed out on open channels and not yet settled.
func (b *fakeBroker) unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			n += len(ch.unacked)
		}
	}
	return n
}

func (b *fakeBroker) hasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

func (b *fakeBroker) boundPatterns(exchange, queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var patterns []string
	for _, binding := range b.bindings[exchange] {
		if binding.queue == queue {
			patterns = append(patterns, binding.pattern)
		}
	}
	return patterns
}

// peek returns a copy of the ready messages of queue without consuming them.
func (b *fakeBroker) peek(queue string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	return append([]amqp.Delivery(nil), q.ready...)
}

// inject places a raw message on queue, bypassing the client.
func (b *fakeBroker) inject(queue string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		b.queues[queue] = &fakeQueue{name: queue}
	}
	b.enqueueLocked(queue, "", queue, msg)
}

// failConnection closes the newest open connection the way a broker restart would.
func (b *fakeBroker) failConnection() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.conns) - 1; i >= 0; i-- {
		if !b.conns[i].closed {
			b.conns[i].shutdownLocked(&amqp.Error{
				Code:    amqp.ConnectionForced,
				Reason:  "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
				Server:  true,
				Recover: true,
			})
			return
		}
	}
}

// failChannel closes the newest open channel with a channel-level error.
func (b *fakeBroker) failChannel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.conns) - 1; i >= 0; i-- {
		conn := b.conns[i]
		for j := len(conn.channels) - 1; j >= 0; j-- {
			if !conn.channels[j].closed {
				conn.channels[j].shutdownLocked(&amqp.Error{
					Code:   amqp.PreconditionFailed,
					Reason: "PRECONDITION_FAILED - unknown delivery tag 42",
					Server: true,
				})
				return
			}
		}
	}
}

func (b *fakeBroker) enqueueLocked(queue, exchange, key string, msg amqp.Publishing) {
	q, ok := b.queues[queue]
	if !ok {
		return
	}
	q.ready = append(q.ready, amqp.Delivery{
		Headers:         copyTable(msg.Headers),
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		CorrelationId:   msg.CorrelationId,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		AppId:           msg.AppId,
		Exchange:        exchange,
		RoutingKey:      key,
		Body:            append([]byte(nil), msg.Body...),
	})
	b.dispatchLocked(q)
}

// dispatchLocked hands ready messages to consumers round-robin.
func (b *fakeBroker) dispatchLocked(q *fakeQueue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		consumer := q.consumers[q.next%len(q.consumers)]
		q.next++

		d := q.ready[0]
		if !consumer.ch.deliverLocked(q.name, d, consumer) {
			return
		}
		q.ready = q.ready[1:]
	}
}

func (b *fakeBroker) routeLocked(exchange, key string) ([]string, *amqp.Error) {
	if exchange == "" {
		return []string{key}, nil
	}
	kind, ok := b.exchanges[exchange]
	if !ok {
		return nil, &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchange),
			Server: true,
		}
	}

	seen := make(map[string]bool)
	var queues []string
	for _, binding := range b.bindings[exchange] {
		var match bool
		switch kind {
		case "fanout":
			match = true
		case "direct":
			match = binding.pattern == key
		default:
			match = MatchTopic(binding.pattern, key)
		}
		if match && !seen[binding.queue] {
			seen[binding.queue] = true
			queues = append(queues, binding.queue)
		}
	}
	return queues, nil
}

// removeConsumerLocked cancels consumer and returns its undelivered
// messages to the front of the queue.
func (b *fakeBroker) removeConsumerLocked(consumer *fakeConsumer) {
	delete(consumer.ch.consumers, consumer.tag)

	q := b.queues[consumer.queue]
	var returned []amqp.Delivery
drain:
	for {
		select {
		case d := <-consumer.deliveries:
			delete(consumer.ch.unacked, d.DeliveryTag)
			returned = append(returned, stripDelivery(d))
		default:
			break drain
		}
	}
	close(consumer.deliveries)

	if q == nil {
		return
	}
	for i, c := range q.consumers {
		if c == consumer {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	q.ready = append(returned, q.ready...)
	b.dispatchLocked(q)
}

func stripDelivery(d amqp.Delivery) amqp.Delivery {
	d.Acknowledger = nil
	d.DeliveryTag = 0
	d.ConsumerTag = ""
	d.Redelivered = true
	return d
}

func notFoundQueue(name string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name),
		Server: true,
	}
}

type fakeConnection struct {
	broker   *fakeBroker
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (BrokerChannel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{
		broker:    b,
		conn:      c,
		consumers: make(map[string]*fakeConsumer),
		unacked:   make(map[uint64]fakeUnacked),
	}
	c.channels = append(c.channels, ch)
	b.channels++
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

func (c *fakeConnection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) shutdownLocked(err *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.shutdownLocked(err)
		}
	}
	for _, receiver := range c.notify {
		if err != nil {
			receiver <- err
		}
		close(receiver)
	}
	c.notify = nil
}

type fakeChannel struct {
	broker    *fakeBroker
	conn      *fakeConnection
	closed    bool
	confirm   bool
	prefetch  int
	notify    []chan *amqp.Error
	consumers map[string]*fakeConsumer
	unacked   map[uint64]fakeUnacked
	nextTag   uint64
}

func (ch *fakeChannel) lock() func() {
	ch.broker.mu.Lock()
	return ch.broker.mu.Unlock
}

func (ch *fakeChannel) shutdownLocked(err *amqp.Error) {
	ch.closed = true
	b := ch.broker
	for _, consumer := range ch.consumers {
		b.removeConsumerLocked(consumer)
	}
	for tag, u := range ch.unacked {
		delete(ch.unacked, tag)
		if q, ok := b.queues[u.queue]; ok {
			q.ready = append([]amqp.Delivery{stripDelivery(u.delivery)}, q.ready...)
			b.dispatchLocked(q)
		}
	}
	for _, receiver := range ch.notify {
		if err != nil {
			receiver <- err
		}
		close(receiver)
	}
	ch.notify = nil
}

// failLocked closes the channel with err and returns it, as the broker does
// on a channel-level exception.
func (ch *fakeChannel) failLocked(err *amqp.Error) error {
	ch.shutdownLocked(err)
	return err
}

func (ch *fakeChannel) deliverLocked(queue string, d amqp.Delivery, consumer *fakeConsumer) bool {
	ch.nextTag++
	d.DeliveryTag = ch.nextTag
	d.ConsumerTag = consumer.tag
	d.Acknowledger = ch
	select {
	case consumer.deliveries <- d:
		ch.unacked[d.DeliveryTag] = fakeUnacked{queue: queue, delivery: d}
		return true
	default:
		return false
	}
}

func (ch *fakeChannel) Confirm(_ bool) error {
	defer ch.lock()()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	defer ch.lock()()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	defer ch.lock()()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *fakeChannel) PublishConfirmed(_ context.Context, exchange, key string, msg amqp.Publishing) error {
	defer ch.lock()()
	b := ch.broker
	if ch.closed {
		return amqp.ErrClosed
	}
	queues, amqpErr := b.routeLocked(exchange, key)
	if amqpErr != nil {
		return ch.failLocked(amqpErr)
	}
	if b.nack {
		return ErrMessageNacked
	}
	b.published++
	for _, queue := range queues {
		b.enqueueLocked(queue, exchange, key, msg)
	}
	return nil
}

func (ch *fakeChannel) Consume(queue, consumerTag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	defer ch.lock()()
	b := ch.broker
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, ch.failLocked(notFoundQueue(queue))
	}
	consumer := &fakeConsumer{
		tag:        consumerTag,
		queue:      queue,
		ch:         ch,
		deliveries: make(chan amqp.Delivery, 1024),
	}
	ch.consumers[consumerTag] = consumer
	q.consumers = append(q.consumers, consumer)
	b.dispatchLocked(q)
	return consumer.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumerTag string, _ bool) error {
	defer ch.lock()()
	if ch.closed {
		return amqp.ErrClosed
	}
	if consumer, ok := ch.consumers[consumerTag]; ok {
		ch.broker.removeConsumerLocked(consumer)
	}
	return nil
}

func (ch *fakeChannel) Get(queue string, _ bool) (amqp.Delivery, bool, error) {
	defer ch.lock()()
	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[queue]
	if !ok {
		return amqp.Delivery{}, false, ch.failLocked(notFoundQueue(queue))
	}
	if len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := q.ready[0]
	q.ready = q.ready[1:]

	ch.nextTag++
	d.DeliveryTag = ch.nextTag
	d.Acknowledger = ch
	d.MessageCount = uint32(len(q.ready))
	ch.unacked[d.DeliveryTag] = fakeUnacked{queue: queue, delivery: d}
	return d, true, nil
}

func (ch *fakeChannel) Ack(tag uint64, _ bool) error {
	defer ch.lock()()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		return ch.failLocked(&amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag),
			Server: true,
		})
	}
	delete(ch.unacked, tag)
	return nil
}

func (ch *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	defer ch.lock()()
	if ch.closed {
		return amqp.ErrClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return nil
	}
	delete(ch.unacked, tag)
	if q, exists := ch.broker.queues[u.queue]; requeue && exists {
		q.ready = append(q.ready, stripDelivery(u.delivery))
		ch.broker.dispatchLocked(q)
	}
	return nil
}

func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	defer ch.lock()()
	b := ch.broker
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = &fakeQueue{name: name}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	defer ch.lock()()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[name]
	if !ok {
		return amqp.Queue{}, ch.failLocked(notFoundQueue(name))
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *fakeChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	defer ch.lock()()
	b := ch.broker
	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	for _, consumer := range append([]*fakeConsumer(nil), q.consumers...) {
		b.removeConsumerLocked(consumer)
	}
	count := len(q.ready)
	delete(b.queues, name)
	for exchange, bindings := range b.bindings {
		kept := bindings[:0]
		for _, binding := range bindings {
			if binding.queue != name {
				kept = append(kept, binding)
			}
		}
		b.bindings[exchange] = kept
	}
	return count, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	defer ch.lock()()
	b := ch.broker
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return ch.failLocked(&amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchange),
			Server: true,
		})
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(notFoundQueue(name))
	}
	for _, binding := range b.bindings[exchange] {
		if binding.queue == name && binding.pattern == key {
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], fakeBinding{queue: name, pattern: key})
	return nil
}

func (ch *fakeChannel) QueuePurge(name string, _ bool) (int, error) {
	defer ch.lock()()
	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[name]
	if !ok {
		return 0, ch.failLocked(notFoundQueue(name))
	}
	count := len(q.ready)
	q.ready = nil
	return count, nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	defer ch.lock()()
	b := ch.broker
	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return ch.failLocked(&amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s' in vhost '/': received '%s' but current is '%s'", name, kind, existing),
			Server: true,
		})
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	defer ch.lock()()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.broker.exchanges[name]; !ok {
		return ch.failLocked(&amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", name),
			Server: true,
		})
	}
	return nil
}

func (ch *fakeChannel) ExchangeDelete(name string, _, _ bool) error {
	defer ch.lock()()
	if ch.closed {
		return amqp.ErrClosed
	}
	delete(ch.broker.exchanges, name)
	delete(ch.broker.bindings, name)
	return nil
}

func (ch *fakeChannel) Close() error {
	defer ch.lock()()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	return nil
}

func (ch *fakeChannel) IsClosed() bool {
	defer ch.lock()()
	return ch.closed
}

var (
	_ BrokerConnection  = (*fakeConnection)(nil)
	_ BrokerChannel     = (*fakeChannel)(nil)
	_ amqp.Acknowledger = (*fakeChannel)(nil)
)
