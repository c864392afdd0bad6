package rabbit

import (
	"context"
	"time"
)

const connectKey = "connect"

// Backoff bounds for signal-driven recovery retries
const (
	minRecoveryBackoff = 50 * time.Millisecond
	maxRecoveryBackoff = 5 * time.Second
)

// EnsureReady guarantees that both the connection and the channel are open
// when it returns nil.
//
// Concurrent callers share one connect-then-create-channel sequence: the first
// caller that finds the transport not ready starts it and every other caller
// waits for the same result. When the sequence creates a new channel, active
// subscriptions are re-attached to it before EnsureReady returns.
//
// Failures are those of CreateConnection and CreateChannel.
func (rb *RabbitClient) EnsureReady(ctx context.Context) error {
	if rb.isShutdown() {
		return ErrShutdown
	}
	if rb.state.ready() {
		return nil
	}

	// The sequence must not be aborted by the cancellation of whichever
	// caller happened to start it.
	seqCtx := context.WithoutCancel(ctx)
	result := rb.connectGroup.DoChan(connectKey, func() (interface{}, error) {
		return nil, rb.connect(seqCtx)
	})

	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rb *RabbitClient) connect(ctx context.Context) error {
	start := time.Now()

	if _, err := rb.conns.open(ctx); err != nil {
		rb.observeOperation("connect", rb.cfg.Connection.Host, "", time.Since(start), err, 0)
		return err
	}

	_, created, err := rb.chans.open()
	if err != nil {
		rb.observeOperation("connect", rb.cfg.Connection.Host, "", time.Since(start), err, 0)
		return err
	}

	if created {
		rb.logInfo(ctx, "RabbitMQ transport ready", map[string]interface{}{
			"url": rb.cfg.redactedURL(),
		})
		rb.restoreSubscriptions(ctx)
	}

	rb.observeOperation("connect", rb.cfg.Connection.Host, "", time.Since(start), nil, 0)
	return nil
}

// signalRecovery wakes the supervisor without blocking.
func (rb *RabbitClient) signalRecovery() {
	select {
	case rb.recoverSignal <- struct{}{}:
	default:
	}
}

// Supervise re-establishes the transport whenever a connection or channel
// failure is signalled, and additionally every interval. It blocks until ctx
// is cancelled or the client is shut down. An interval of zero disables the
// periodic check; a failed signal-driven attempt is then retried with
// exponential backoff until the transport is back.
//
// This is the caller-driven recovery loop packaged for convenience; the Fx
// lifecycle starts it when Recovery.Interval is set.
func (rb *RabbitClient) Supervise(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// armed only after a failed attempt without an interval
	retry := time.NewTimer(maxRecoveryBackoff)
	retry.Stop()
	defer retry.Stop()
	delay := minRecoveryBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-rb.shutdownSignal:
			return
		case <-rb.recoverSignal:
		case <-tick:
		case <-retry.C:
		}

		if rb.state.ready() {
			delay = minRecoveryBackoff
			continue
		}
		if err := rb.EnsureReady(ctx); err != nil {
			rb.logWarn(ctx, "RabbitMQ recovery attempt failed", err, map[string]interface{}{
				"url": rb.cfg.redactedURL(),
			})
			if interval <= 0 {
				retry.Reset(delay)
				delay = min(delay*2, maxRecoveryBackoff)
			}
			continue
		}
		delay = minRecoveryBackoff
		rb.logInfo(ctx, "RabbitMQ transport recovered", nil)
	}
}
