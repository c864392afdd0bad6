package rabbit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerConnection is the subset of *amqp.Connection the bus drives.
// It exists so the connection state machine can be exercised without a broker.
type BrokerConnection interface {
	Channel() (BrokerChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// BrokerChannel is the subset of *amqp.Channel the bus drives, plus PublishConfirmed
// which publishes and waits for the broker's confirmation.
type BrokerChannel interface {
	Confirm(noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error

	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error

	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueuePurge(name string, noWait bool) (int, error)

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error

	Close() error
	IsClosed() bool
}

// Dialer opens a broker connection for the given configuration.
type Dialer func(ctx context.Context, cfg Config) (BrokerConnection, error)

// amqpConnection adapts *amqp.Connection to BrokerConnection.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (BrokerChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{Channel: ch}, nil
}

// amqpChannel adapts *amqp.Channel to BrokerChannel.
type amqpChannel struct {
	*amqp.Channel
}

func (c amqpChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	confirmation, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	// nil when the channel is not in confirm mode
	if confirmation == nil {
		return nil
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrMessageNacked
	}
	return nil
}

// DialAMQP is the default Dialer. It dials with amqp.DialConfig and builds a
// TLS configuration from the certificate paths when SSL is enabled.
func DialAMQP(_ context.Context, cfg Config) (BrokerConnection, error) {
	amqpCfg := amqp.Config{
		Heartbeat: cfg.Connection.heartbeat(),
		Vhost:     cfg.Connection.virtualHost(),
		Locale:    "en_US",
	}

	if cfg.Connection.IsSSLEnabled {
		tlsConfig, err := newTLSConfig(cfg.Connection)
		if err != nil {
			return nil, err
		}
		amqpCfg.TLSClientConfig = tlsConfig
	}

	conn, err := amqp.DialConfig(cfg.dialURL(), amqpCfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{Connection: conn}, nil
}

func newTLSConfig(c Connection) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: c.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if c.CACertPath != "" {
		caCert, err := os.ReadFile(c.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("%w: no certificates found in %s", ErrCertificateError, c.CACertPath)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if c.UseCert {
		cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
