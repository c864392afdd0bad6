package rabbit

import "sync"

// State is the lifecycle state of the connection or the channel.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "OPEN"
	}
	return "CLOSED"
}

// transportState holds the single connection and single channel owned by one
// client. A channel is only ever set while a connection is set.
//
// The generation counters let close watchers tell whether the handle they
// watch is still the current one, so a late notification for a replaced
// handle never resets its successor.
type transportState struct {
	mu      sync.RWMutex
	conn    BrokerConnection
	ch      BrokerChannel
	connGen uint64
	chGen   uint64
}

func (s *transportState) connectionState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil || s.conn.IsClosed() {
		return StateClosed
	}
	return StateOpen
}

func (s *transportState) channelState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ch == nil || s.ch.IsClosed() {
		return StateClosed
	}
	return StateOpen
}

func (s *transportState) ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && !s.conn.IsClosed() && s.ch != nil && !s.ch.IsClosed()
}

// channel returns the live channel or ErrNoChannel.
func (s *transportState) channel() (BrokerChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ch == nil || s.ch.IsClosed() {
		return nil, ErrNoChannel
	}
	return s.ch, nil
}

// resetChannelLocked drops the channel handle. Caller holds mu.
func (s *transportState) resetChannelLocked() BrokerChannel {
	ch := s.ch
	s.ch = nil
	s.chGen++
	return ch
}

// resetLocked drops both handles. Caller holds mu.
func (s *transportState) resetLocked() (BrokerConnection, BrokerChannel) {
	conn := s.conn
	s.conn = nil
	s.connGen++
	return conn, s.resetChannelLocked()
}

// transportEvents fans asynchronous error and close notifications out to
// registered callbacks.
type transportEvents struct {
	mu      sync.RWMutex
	onError []func(error)
	onClose []func()
}

func (e *transportEvents) addErrorHandler(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, fn)
}

func (e *transportEvents) addCloseHandler(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = append(e.onClose, fn)
}

func (e *transportEvents) emitError(err error) {
	e.mu.RLock()
	handlers := append([]func(error){}, e.onError...)
	e.mu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}

func (e *transportEvents) emitClose() {
	e.mu.RLock()
	handlers := append([]func(){}, e.onClose...)
	e.mu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}
