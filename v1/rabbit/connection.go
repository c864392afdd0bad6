package rabbit

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// connectionManager opens and closes the broker connection and watches it
// for asynchronous failure.
type connectionManager struct {
	cfg     Config
	dial    Dialer
	state   *transportState
	events  transportEvents
	recover func()

	// dialMu serializes dials; state.mu is never held across one
	dialMu sync.Mutex
	// closes counts explicit closes, guarded by state.mu
	closes uint64
}

// open returns the current connection if one is open, otherwise dials a new
// one and starts watching it. A close that lands while the dial is in flight
// wins: the new connection is discarded.
func (m *connectionManager) open(ctx context.Context) (BrokerConnection, error) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.state.mu.RLock()
	current, closes := m.state.conn, m.closes
	m.state.mu.RUnlock()
	if current != nil && !current.IsClosed() {
		return current, nil
	}

	conn, err := m.dial(ctx, m.cfg)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", URL: m.cfg.redactedURL(), Err: TranslateError(err)}
	}

	m.state.mu.Lock()
	if m.closes != closes {
		m.state.mu.Unlock()
		_ = conn.Close()
		return nil, &ConnectionError{Op: "dial", URL: m.cfg.redactedURL(), Err: ErrConnectionClosed}
	}
	// A closed connection cannot carry a channel.
	m.state.resetLocked()
	m.state.conn = conn
	gen := m.state.connGen
	m.state.mu.Unlock()

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go m.watch(notify, gen)

	return conn, nil
}

// close closes the dependent channel first, then the connection. It is a
// no-op when nothing is open.
func (m *connectionManager) close() error {
	m.state.mu.Lock()
	m.closes++
	conn, ch := m.state.resetLocked()
	m.state.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		_ = ch.Close()
	}
	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return TranslateError(err)
	}
	return nil
}

// watch resets the transport when the connection of generation gen closes.
// A close carrying an error also raises the recovery signal.
func (m *connectionManager) watch(notify <-chan *amqp.Error, gen uint64) {
	amqpErr := <-notify

	m.state.mu.Lock()
	current := m.state.connGen == gen
	if current {
		m.state.resetLocked()
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
