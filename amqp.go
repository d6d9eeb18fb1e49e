package warren

import (
	"context"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// DeferredConfirmation is returned by Channel.PublishDeferred; it resolves
// once the broker has confirmed (or nacked) the corresponding publish.
type DeferredConfirmation interface {
	// Wait blocks until the broker confirms the publish, returning true on
	// ack and false on nack.
	Wait() bool
}

// Channel is the external-collaborator seam for a single AMQP channel.
// warren never holds an *amqp091.Channel directly outside amqpadapter.go;
// everywhere else it talks to this interface so it can be faked in tests.
type Channel interface {
	AssertQueue(name string, opts QueueOptions) (effectiveName string, err error)
	AssertExchange(def ExchangeDefinition) error
	BindQueue(queue string, def BindingDefinition) error
	Qos(prefetchCount int) error
	Consume(ctx context.Context, queue, consumerTag string, opts ConsumeOptions) (<-chan amqp091.Delivery, string, error)
	Cancel(consumerTag string) error
	PublishDeferred(ctx context.Context, exchange, routingKey string, opts PublishOptions, body []byte) (DeferredConfirmation, error)
	NotifyClose() <-chan error
	Close() error
}

// Connection is the external-collaborator seam for a single AMQP
// connection. The default implementation (amqpConnection, amqpadapter.go)
// wraps *amqp091.Connection.
type Connection interface {
	CreateChannel() (Channel, error)
	CreateConfirmChannel() (Channel, error)
	NotifyClose() <-chan error
	IsClosed() bool
	Close() error
}

// SocketOptions tunes the TCP socket used for the AMQP connection.
type SocketOptions struct {
	NoDelay bool
}

// DialOptions controls how Dialer.Dial opens a new Connection.
type DialOptions struct {
	Socket            SocketOptions
	ConnectionTimeout time.Duration
	TLS               *TLSOptions
}

// TLSOptions enables AMQPS; delegated entirely to crypto/tls.
type TLSOptions struct {
	InsecureSkipVerify bool
}

// Dialer opens a new Connection to a single broker URI. Connector calls it
// once per attempt, trying each configured URI in round-robin order.
type Dialer interface {
	Dial(ctx context.Context, uri string, opts DialOptions) (Connection, error)
}

// DialerFunc adapts a plain function to a Dialer.
type DialerFunc func(ctx context.Context, uri string, opts DialOptions) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, uri string, opts DialOptions) (Connection, error) {
	return f(ctx, uri, opts)
}
