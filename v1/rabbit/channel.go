package rabbit

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// channelManager opens and closes the single channel on top of the current
// connection and watches it for asynchronous failure.
type channelManager struct {
	cfg     Config
	state   *transportState
	events  transportEvents
	recover func()
}

// open returns the current channel if one is open, otherwise creates one on
// the open connection, enables publisher confirms and applies the prefetch.
// created reports whether a new channel was made.
func (m *channelManager) open() (ch BrokerChannel, created bool, err error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()

	if m.state.ch != nil && !m.state.ch.IsClosed() {
		return m.state.ch, false, nil
	}
	if m.state.conn == nil || m.state.conn.IsClosed() {
		return nil, false, ErrNoConnection
	}

	ch, err = m.state.conn.Channel()
	if err != nil {
		return nil, false, fmt.Errorf("failed to open channel: %w", TranslateError(err))
	}
	if err = ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, false, fmt.Errorf("failed to enable publisher confirms: %w", TranslateError(err))
	}
	if m.cfg.Channel.PrefetchCount > 0 {
		if err = ch.Qos(
			m.cfg.Channel.PrefetchCount, // Prefetch count
			0,                           // Prefetch size
			false,                       // Global
		); err != nil {
			_ = ch.Close()
			return nil, false, fmt.Errorf("failed to set QoS: %w", TranslateError(err))
		}
	}

	m.state.resetChannelLocked()
	m.state.ch = ch
	gen := m.state.chGen

	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go m.watch(notify, gen)

	return ch, true, nil
}

// close closes the channel and leaves the connection untouched.
func (m *channelManager) close() error {
	m.state.mu.Lock()
	ch := m.state.resetChannelLocked()
	m.state.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return TranslateError(err)
	}
	return nil
}

// watch resets only the channel when the channel of generation gen closes.
func (m *channelManager) watch(notify <-chan *amqp.Error, gen uint64) {
	amqpErr := <-notify

	m.state.mu.Lock()
	current := m.state.chGen == gen
	if current {
		m.state.resetChannelLocked()
	}
	m.state.mu.Unlock()

	if amqpErr != nil {
		m.events.emitError(amqpErr)
		if current && m.recover != nil {
			m.recover()
		}
	}
	m.events.emitClose()
}
