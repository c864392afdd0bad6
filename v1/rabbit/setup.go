package rabbit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Aleph-Alpha/rabbitbus/v1/observability"
)

// RabbitClient is the bus client. It owns exactly one connection and one
// channel, created lazily by EnsureReady and shared by every publish,
// subscribe and admin call.
//
// Independent RabbitClient values never share transport state.
type RabbitClient struct {
	cfg   Config
	state *transportState
	conns *connectionManager
	chans *channelManager
	codec envelopeCodec

	// connectGroup keeps a single connect-then-create-channel sequence in flight
	connectGroup singleflight.Group

	subsMu        sync.Mutex
	subscriptions map[string]*subscription

	logger     Logger
	observer   observability.Observer
	propagator Propagator

	recoverSignal     chan struct{}
	shutdownSignal    chan struct{}
	closeShutdownOnce sync.Once
	wg                sync.WaitGroup
}

// NewClient creates a bus client for the given configuration. No network
// I/O happens here: the connection and channel are opened by EnsureReady,
// CreateConnection/CreateChannel, or the first Publish/Send/Subscribe.
//
// Parameters:
//   - config: Connection, channel and recovery settings
//
// Returns:
//   - *RabbitClient: A client ready to connect
//   - error: ErrInvalidArgument when the configuration has no host
//
// Example:
//
//	client, err := rabbit.NewClient(rabbit.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer client.GracefulShutdown()
//
//	err = client.Publish(ctx, map[string]any{"event": "user.created", "id": 42}, rabbit.PublishOptions{})
func NewClient(config Config) (*RabbitClient, error) {
	if config.Connection.Host == "" {
		return nil, fmt.Errorf("%w: connection host is required", ErrInvalidArgument)
	}

	state := &transportState{}
	rb := &RabbitClient{
		cfg:            config,
		state:          state,
		codec:          newEnvelopeCodec(),
		subscriptions:  make(map[string]*subscription),
		recoverSignal:  make(chan struct{}, 1),
		shutdownSignal: make(chan struct{}),
	}
	rb.conns = &connectionManager{cfg: config, dial: DialAMQP, state: state, recover: rb.signalRecovery}
	rb.chans = &channelManager{cfg: config, state: state, recover: rb.signalRecovery}

	rb.conns.events.addErrorHandler(func(err error) {
		rb.logWarn(context.Background(), "RabbitMQ connection closed with error", err, map[string]interface{}{
			"url": config.redactedURL(),
		})
		// a dropped connection reports as a failed connect
		rb.observeOperation("connect", config.Connection.Host, "", 0, TranslateError(err), 0)
	})
	rb.chans.events.addErrorHandler(func(err error) {
		rb.logWarn(context.Background(), "RabbitMQ channel closed with error", err, nil)
	})

	return rb, nil
}

// WithObserver attaches an observer that is notified of every publish,
// consume, settle and admin operation. It returns the client for chaining.
//
// When using FX, the observer is injected via NewClientWithDI.
func (rb *RabbitClient) WithObserver(observer observability.Observer) *RabbitClient {
	rb.observer = observer
	return rb
}

// WithLogger attaches a logger used for lifecycle events, recovery and
// errors raised in consumer goroutines that cannot be returned to a caller.
func (rb *RabbitClient) WithLogger(logger Logger) *RabbitClient {
	rb.logger = logger
	return rb
}

// WithPropagator attaches a trace propagator. Publish writes its carrier into
// message headers and consumers restore it onto the handler context.
func (rb *RabbitClient) WithPropagator(propagator Propagator) *RabbitClient {
	rb.propagator = propagator
	return rb
}

// WithDialer replaces the function used to open broker connections.
// It must be called before the first connection is opened.
func (rb *RabbitClient) WithDialer(dial Dialer) *RabbitClient {
	rb.conns.dial = dial
	return rb
}

// Config returns the configuration the client was built with.
func (rb *RabbitClient) Config() Config {
	return rb.cfg
}

// CreateConnection opens the broker connection, or returns immediately if one
// is already open. Failures are reported as *ConnectionError.
func (rb *RabbitClient) CreateConnection(ctx context.Context) error {
	if rb.isShutdown() {
		return ErrShutdown
	}
	_, err := rb.conns.open(ctx)
	return err
}

// CloseConnection closes the channel and then the connection. It is a no-op
// when nothing is open.
func (rb *RabbitClient) CloseConnection(_ context.Context) error {
	return rb.conns.close()
}

// CreateChannel opens the channel on the current connection, or returns
// immediately if one is already open. It fails with ErrNoConnection when no
// connection is open.
func (rb *RabbitClient) CreateChannel(_ context.Context) error {
	_, _, err := rb.chans.open()
	return err
}

// CloseChannel closes the channel and leaves the connection open.
func (rb *RabbitClient) CloseChannel(_ context.Context) error {
	return rb.chans.close()
}

// ConnectionState reports whether the connection is open.
func (rb *RabbitClient) ConnectionState() State {
	return rb.state.connectionState()
}

// ChannelState reports whether the channel is open.
func (rb *RabbitClient) ChannelState() State {
	return rb.state.channelState()
}

// OnConnectionError registers fn to be called when the connection closes with a broker or network error.
func (rb *RabbitClient) OnConnectionError(fn func(error)) {
	rb.conns.events.addErrorHandler(fn)
}

// OnConnectionClose registers fn to be called whenever the connection closes.
func (rb *RabbitClient) OnConnectionClose(fn func()) {
	rb.conns.events.addCloseHandler(fn)
}

// OnChannelError registers fn to be called when the channel closes with an error.
func (rb *RabbitClient) OnChannelError(fn func(error)) {
	rb.chans.events.addErrorHandler(fn)
}

// OnChannelClose registers fn to be called whenever the channel closes.
func (rb *RabbitClient) OnChannelClose(fn func()) {
	rb.chans.events.addCloseHandler(fn)
}

// GracefulShutdown stops the supervisor, cancels every subscription and
// closes the channel and the connection. Calling it more than once is safe.
func (rb *RabbitClient) GracefulShutdown() {
	rb.closeShutdownOnce.Do(func() {
		close(rb.shutdownSignal)
	})

	ctx := context.Background()
	rb.subsMu.Lock()
	queues := make([]string, 0, len(rb.subscriptions))
	for queue := range rb.subscriptions {
		queues = append(queues, queue)
	}
	rb.subsMu.Unlock()

	for _, queue := range queues {
		if err := rb.Unsubscribe(ctx, queue); err != nil {
			rb.logWarn(ctx, "Failed to cancel subscription during shutdown", err, map[string]interface{}{
				"queue": queue,
			})
		}
	}

	if err := rb.conns.close(); err != nil {
		rb.logError(ctx, "Failed to close RabbitMQ connection", err, nil)
	}

	rb.wg.Wait()
	rb.logInfo(ctx, "RabbitMQ client shut down", nil)
}

func (rb *RabbitClient) isShutdown() bool {
	select {
	case <-rb.shutdownSignal:
		return true
	default:
		return false
	}
}

// channel returns the live channel or ErrNoChannel.
func (rb *RabbitClient) channel() (BrokerChannel, error) {
	return rb.state.channel()
}

// logInfo logs an informational message using the configured logger if available.
func (rb *RabbitClient) logInfo(ctx context.Context, msg string, fields map[string]interface{}) {
	if rb.logger != nil {
		rb.logger.InfoWithContext(ctx, msg, nil, fields)
	}
}

func (rb *RabbitClient) logDebug(ctx context.Context, msg string, fields map[string]interface{}) {
	if rb.logger != nil {
		rb.logger.DebugWithContext(ctx, msg, nil, fields)
	}
}

// logWarn logs a warning message using the configured logger if available.
func (rb *RabbitClient) logWarn(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if rb.logger != nil {
		rb.logger.WarnWithContext(ctx, msg, err, fields)
	}
}

// logError is only used for errors in background goroutines that can't be returned to the caller.
func (rb *RabbitClient) logError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if rb.logger != nil {
		rb.logger.ErrorWithContext(ctx, msg, err, fields)
	}
}
