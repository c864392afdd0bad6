package rabbit

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Errors returned by the bus. Match them with errors.Is; typed errors below
// unwrap to the underlying cause.
var (
	// ErrNoConnection is returned when a channel is requested without an open connection
	ErrNoConnection = errors.New("no connection")

	// ErrNoChannel is returned when an operation needs a channel and none is open
	ErrNoChannel = errors.New("no channel")

	// ErrNoRouteKey is returned by Publish when neither an explicit route key
	// nor an "event" field is available. No network I/O happens in that case.
	ErrNoRouteKey = errors.New("no route key")

	// ErrMessageSettled is returned when a delivery is acked, rejected or requeued twice
	ErrMessageSettled = errors.New("message already settled")

	// ErrInvalidArgument is returned when argument is invalid
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConnectionClosed is returned when connection is closed
	ErrConnectionClosed = errors.New("connection closed")

	// ErrChannelClosed is returned when channel is closed
	ErrChannelClosed = errors.New("channel closed")

	// ErrQueueNotFound is returned when queue doesn't exist
	ErrQueueNotFound = errors.New("queue not found")

	// ErrExchangeNotFound is returned when exchange doesn't exist
	ErrExchangeNotFound = errors.New("exchange not found")

	// ErrNotFound is returned for broker 404s that are not tied to a known entity
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied is returned when access is denied to a resource
	ErrAccessDenied = errors.New("access denied")

	// ErrAuthenticationFailed is returned when authentication fails
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrPreconditionFailed is returned when a redeclare conflicts with existing properties
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrResourceLocked is returned when resource is locked
	ErrResourceLocked = errors.New("resource locked")

	// ErrMessageNacked is returned when the broker negatively confirms a publish
	ErrMessageNacked = errors.New("message nacked")

	// ErrMessageTooLarge is returned when message exceeds size limits
	ErrMessageTooLarge = errors.New("message too large")

	// ErrNotAllowed is returned when operation is not allowed
	ErrNotAllowed = errors.New("not allowed")

	// ErrInternalError is returned for broker internal errors
	ErrInternalError = errors.New("internal error")

	// ErrTimeout is returned when operation times out
	ErrTimeout = errors.New("timeout")

	// ErrNetworkError is returned for network-related errors
	ErrNetworkError = errors.New("network error")

	// ErrCertificateError is returned for certificate-related errors
	ErrCertificateError = errors.New("certificate error")

	// ErrShutdown is returned once GracefulShutdown has been called
	ErrShutdown = errors.New("shutdown")
)

// ConnectionError is returned when the broker refuses or cannot be reached
// while opening a connection.
type ConnectionError struct {
	Op  string
	URL string // without password
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbit connection error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError is returned when a publish is not confirmed by the broker.
type PublishError struct {
	Exchange string
	RouteKey string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbit publish error: exchange %q route %q: %v", e.Exchange, e.RouteKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// EncodingError is returned when a message value cannot be serialized.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("rabbit encoding error: %v", e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// DecodingError is reported when a delivered body cannot be parsed.
type DecodingError struct {
	Queue string
	Err   error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("rabbit decoding error on queue %q: %v", e.Queue, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// TranslateError converts AMQP, network and syscall errors into the sentinels
// above. The result wraps both the sentinel and the original error, so
// errors.Is works against either. Errors that match nothing are returned unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var sentinel error

	var amqpErr *amqp.Error
	var netErr net.Error
	var errno syscall.Errno
	switch {
	case errors.As(err, &amqpErr):
		sentinel = translateAMQPError(amqpErr)
	case errors.As(err, &netErr):
		sentinel = ErrNetworkError
		if netErr.Timeout() {
			sentinel = ErrTimeout
		}
	case errors.As(err, &errno):
		sentinel = translateSyscallError(errno)
	default:
		sentinel = translateByErrorMessage(strings.ToLower(err.Error()))
	}

	if sentinel == nil || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// translateAMQPError maps AMQP reply codes to sentinels
func translateAMQPError(amqpErr *amqp.Error) error {
	switch amqpErr.Code {
	case amqp.ConnectionForced:
		return ErrConnectionClosed
	case amqp.AccessRefused:
		if strings.Contains(strings.ToLower(amqpErr.Reason), "login") {
			return ErrAuthenticationFailed
		}
		return ErrAccessDenied
	case amqp.NotFound:
		return translateNotFound(amqpErr.Reason)
	case amqp.ResourceLocked:
		return ErrResourceLocked
	case amqp.PreconditionFailed:
		return ErrPreconditionFailed
	case amqp.ContentTooLarge:
		return ErrMessageTooLarge
	case amqp.ChannelError:
		return ErrChannelClosed
	case amqp.NotAllowed:
		return ErrNotAllowed
	case amqp.InternalError:
		return ErrInternalError
	}
	return translateByErrorMessage(strings.ToLower(amqpErr.Reason))
}

func translateNotFound(reason string) error {
	reason = strings.ToLower(reason)
	switch {
	case strings.Contains(reason, "no queue"):
		return ErrQueueNotFound
	case strings.Contains(reason, "no exchange"):
		return ErrExchangeNotFound
	default:
		return ErrNotFound
	}
}

func translateSyscallError(errno syscall.Errno) error {
	switch errno {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
		syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.EPIPE:
		return ErrNetworkError
	case syscall.ETIMEDOUT:
		return ErrTimeout
	}
	return nil
}

func translateByErrorMessage(errMsg string) error {
	switch {
	case strings.Contains(errMsg, "login refused"), strings.Contains(errMsg, "authentication failed"):
		return ErrAuthenticationFailed
	case strings.Contains(errMsg, "access refused"):
		return ErrAccessDenied
	case strings.Contains(errMsg, "channel/connection is not open"):
		return ErrChannelClosed
	case strings.Contains(errMsg, "connection refused"), strings.Contains(errMsg, "connection reset"):
		return ErrNetworkError
	case strings.Contains(errMsg, "timeout"), strings.Contains(errMsg, "deadline exceeded"):
		return ErrTimeout
	case strings.Contains(errMsg, "certificate"), strings.Contains(errMsg, "x509"):
		return ErrCertificateError
	}
	return nil
}

// IsRetryableError reports whether the operation may succeed after the
// transport has been re-established.
func IsRetryableError(err error) bool {
	switch {
	case IsConnectionError(err),
		IsChannelError(err),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNetworkError),
		errors.Is(err, ErrInternalError),
		errors.Is(err, ErrResourceLocked),
		errors.Is(err, ErrMessageNacked):
		return true
	default:
		return false
	}
}

// IsConnectionError returns true if the error is connection-related
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrConnectionClosed)
}

// IsChannelError returns true if the error is channel-related
func IsChannelError(err error) bool {
	return errors.Is(err, ErrNoChannel) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, amqp.ErrClosed)
}
