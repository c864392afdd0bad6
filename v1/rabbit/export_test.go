package rabbit

// NewLoopbackDialer returns a Dialer backed by a fresh in-memory broker, for
// tests in the rabbit_test package.
func NewLoopbackDialer() Dialer {
	return newFakeBroker().dial
}
