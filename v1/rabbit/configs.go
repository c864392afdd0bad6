package rabbit

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

const (
	// DefaultPort is the AMQP port used when Connection.Port is zero.
	DefaultPort = 5672

	// DefaultVirtualHost is the broker's root virtual host.
	DefaultVirtualHost = "/"

	// DefaultHeartbeat is the heartbeat negotiated with the broker when none is configured.
	DefaultHeartbeat = 2 * time.Second

	// DefaultGlobalExchange is the topic exchange Publish targets when neither
	// PublishOptions.Exchange nor Channel.GlobalExchange is set.
	DefaultGlobalExchange = "default-exchange"

	// ErrorQueueSuffix is appended to a queue name to form its dead-letter queue.
	ErrorQueueSuffix = "_error"
)

// Config defines the top-level configuration structure for the bus client.
type Config struct {
	// Connection contains the settings needed to reach the broker
	Connection Connection `yaml:"connection"`

	// Channel contains exchange, prefetch and retry settings applied to the shared channel
	Channel Channel `yaml:"channel"`

	// Recovery controls the optional background supervisor that re-establishes
	// the transport after a broker-side failure
	Recovery Recovery `yaml:"recovery"`
}

// Connection contains the configuration parameters needed to establish
// a connection to a RabbitMQ server, including authentication and TLS settings.
type Connection struct {
	// Host is the RabbitMQ server hostname or IP address
	Host string `yaml:"host" envconfig:"RABBITMQ_HOST"`

	// Port is the RabbitMQ server port; 0 means DefaultPort
	Port uint `yaml:"port" envconfig:"RABBITMQ_PORT"`

	User     string `yaml:"user" envconfig:"RABBITMQ_USER"`
	Password string `yaml:"password" envconfig:"RABBITMQ_PASSWORD"`

	// VirtualHost is the broker vhost; empty means DefaultVirtualHost
	VirtualHost string `yaml:"virtual_host" envconfig:"RABBITMQ_VHOST"`

	// Heartbeat is the heartbeat interval negotiated with the broker; 0 means DefaultHeartbeat
	Heartbeat time.Duration `yaml:"heartbeat" envconfig:"RABBITMQ_HEARTBEAT"`

	// IsSSLEnabled switches the transport to amqps
	IsSSLEnabled bool `yaml:"is_ssl_enabled" envconfig:"RABBITMQ_SSL_ENABLED"`

	// UseCert enables client certificate authentication (mutual TLS)
	UseCert bool `yaml:"use_cert" envconfig:"RABBITMQ_USE_CERT"`

	CACertPath     string `yaml:"ca_cert_path" envconfig:"RABBITMQ_CA_CERT_PATH"`
	ClientCertPath string `yaml:"client_cert_path" envconfig:"RABBITMQ_CLIENT_CERT_PATH"`
	ClientKeyPath  string `yaml:"client_key_path" envconfig:"RABBITMQ_CLIENT_KEY_PATH"`

	// ServerName is the server name to use for TLS verification
	ServerName string `yaml:"server_name" envconfig:"RABBITMQ_SERVER_NAME"`
}

// Channel holds the settings applied to the shared channel and to the
// publish/subscribe engines running on top of it.
type Channel struct {
	// GlobalExchange is the topic exchange used by Publish and Subscribe bindings
	GlobalExchange string `yaml:"global_exchange" envconfig:"RABBITMQ_GLOBAL_EXCHANGE"`

	// PrefetchCount limits unacknowledged deliveries per consumer; 0 means no limit
	PrefetchCount int `yaml:"prefetch_count" envconfig:"RABBITMQ_PREFETCH_COUNT"`

	// MaxRetryCount is the default requeue budget for subscriptions that do not set one.
	// 0 means unlimited.
	MaxRetryCount int `yaml:"max_retry_count" envconfig:"RABBITMQ_MAX_RETRY_COUNT"`
}

// Recovery configures the optional transport supervisor.
type Recovery struct {
	// Interval is how often the supervisor calls EnsureReady. 0 disables the supervisor.
	Interval time.Duration `yaml:"interval" envconfig:"RABBITMQ_RECOVERY_INTERVAL"`
}

// DefaultConfig returns the configuration used when nothing is overridden:
// guest credentials against host "rabbitmq" on the root virtual host.
func DefaultConfig() Config {
	return Config{
		Connection: Connection{
			Host:        "rabbitmq",
			Port:        DefaultPort,
			User:        "guest",
			Password:    "guest",
			VirtualHost: DefaultVirtualHost,
			Heartbeat:   DefaultHeartbeat,
		},
		Channel: Channel{
			GlobalExchange: DefaultGlobalExchange,
		},
	}
}

func (c Connection) port() uint {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

func (c Connection) virtualHost() string {
	if c.VirtualHost == "" {
		return DefaultVirtualHost
	}
	return c.VirtualHost
}

func (c Connection) heartbeat() time.Duration {
	if c.Heartbeat <= 0 {
		return DefaultHeartbeat
	}
	return c.Heartbeat
}

func (c Connection) scheme() string {
	if c.IsSSLEnabled {
		return "amqps"
	}
	return "amqp"
}

// ConnectionString renders the broker URI for this configuration:
//
//	amqp[s]://user:password@host:port/<escaped vhost>?heartbeat=<milliseconds>
//
// The default virtual host "/" is rendered as "%2F".
func (c Config) ConnectionString() string {
	return fmt.Sprintf("%s?heartbeat=%d", c.dialURL(), c.Connection.heartbeat().Milliseconds())
}

// dialURL is the URI handed to the AMQP client. Heartbeat is passed through
// amqp.Config instead of the query string because the client reads that
// parameter in seconds.
func (c Config) dialURL() string {
	u := url.URL{
		Scheme: c.Connection.scheme(),
		User:   url.UserPassword(c.Connection.User, c.Connection.Password),
		Host:   fmt.Sprintf("%s:%d", c.Connection.Host, c.Connection.port()),
	}
	return u.String() + "/" + url.PathEscape(c.Connection.virtualHost())
}

// redactedURL is dialURL without the password, for logs and errors.
func (c Config) redactedURL() string {
	return fmt.Sprintf("%s://%s@%s:%d/%s", c.Connection.scheme(), c.Connection.User,
		c.Connection.Host, c.Connection.port(), url.PathEscape(c.Connection.virtualHost()))
}

func (c Config) globalExchange() string {
	if c.Channel.GlobalExchange == "" {
		return DefaultGlobalExchange
	}
	return c.Channel.GlobalExchange
}

// Logger is an interface that matches the v1/logger.LoggerClient context-aware methods.
// It provides structured logging with optional error and field parameters.
//
//go:generate mockgen -source=configs.go -destination=mock_logger.go -package=rabbit
type Logger interface {
	// DebugWithContext logs a debug message with trace context.
	DebugWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})

	// InfoWithContext logs an informational message with trace context.
	InfoWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})

	// WarnWithContext logs a warning message with trace context.
	WarnWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})

	// ErrorWithContext logs an error message with trace context.
	ErrorWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
}

// Propagator carries trace context across the broker inside message headers.
// v1/tracer.Tracer satisfies it.
type Propagator interface {
	GetCarrier(ctx context.Context) map[string]string
	SetCarrierOnContext(ctx context.Context, carrier map[string]string) context.Context
}
