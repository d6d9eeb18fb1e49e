package warren

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
	amqp091 "github.com/rabbitmq/amqp091-go"
	uuid "github.com/satori/go.uuid"
)

// DefaultConnectionTimeout is used when DialOptions.ConnectionTimeout is
// zero.
const DefaultConnectionTimeout = 30 * time.Second

// DialAMQP is the default Dialer, backed by amqp091.DialConfig with a
// custom net.Dialer and connect deadline so a dead server can't stall the
// handshake forever.
var DialAMQP DialerFunc = func(ctx context.Context, uri string, opts DialOptions) (Connection, error) {
	timeout := opts.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	config := amqp091.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: timeout}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			if opts.Socket.NoDelay {
				if tcp, ok := conn.(*net.TCPConn); ok {
					if err := tcp.SetNoDelay(true); err != nil {
						return nil, err
					}
				}
			}

			// Heartbeating hasn't started yet; don't stall forever on a
			// dead server during TLS/AMQP handshaking.
			if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
				return nil, err
			}

			return conn, nil
		},
	}

	if opts.TLS != nil {
		config.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.TLS.InsecureSkipVerify} //nolint:gosec // operator opt-in
	}

	conn, err := amqp091.DialConfig(uri, config)
	if err != nil {
		return nil, errors.Wrap(err, "unable to dial broker")
	}

	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp091.Connection
}

func (c *amqpConnection) CreateChannel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "unable to open channel")
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) CreateConfirmChannel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "unable to open channel")
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "unable to put channel into confirm mode")
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) NotifyClose() <-chan error {
	raw := c.conn.NotifyClose(make(chan *amqp091.Error, 1))
	out := make(chan error, 1)
	go func() {
		err, ok := <-raw
		if !ok || err == nil {
			out <- errors.New("connection closed")
			return
		}
		out <- err
	}()
	return out
}

func (c *amqpConnection) IsClosed() bool { return c.conn.IsClosed() }

func (c *amqpConnection) Close() error { return c.conn.Close() }

type amqpChannel struct {
	ch *amqp091.Channel
}

func (c *amqpChannel) AssertQueue(name string, opts QueueOptions) (string, error) {
	q, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, amqp091.Table(opts.Args))
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *amqpChannel) AssertExchange(def ExchangeDefinition) error {
	return c.ch.ExchangeDeclare(def.Name, string(def.Type), def.Durable, def.AutoDelete, false, false, amqp091.Table(def.Args))
}

func (c *amqpChannel) BindQueue(queue string, def BindingDefinition) error {
	return c.ch.QueueBind(queue, def.Pattern, def.Exchange, false, amqp091.Table(def.Args))
}

func (c *amqpChannel) Qos(prefetchCount int) error {
	return c.ch.Qos(prefetchCount, 0, false)
}

func (c *amqpChannel) Consume(ctx context.Context, queue, consumerTag string, opts ConsumeOptions) (<-chan amqp091.Delivery, string, error) {
	if consumerTag == "" {
		consumerTag = "warren-" + uuid.NewV4().String()[:8]
	}
	deliveries, err := c.ch.ConsumeWithContext(ctx, queue, consumerTag, false, opts.Exclusive, false, false, amqp091.Table(opts.Args))
	if err != nil {
		return nil, "", err
	}
	return deliveries, consumerTag, nil
}

func (c *amqpChannel) Cancel(consumerTag string) error {
	return c.ch.Cancel(consumerTag, false)
}

func (c *amqpChannel) PublishDeferred(ctx context.Context, exchange, routingKey string, opts PublishOptions, body []byte) (DeferredConfirmation, error) {
	mode := amqp091.Transient
	if opts.Persistent {
		mode = amqp091.Persistent
	}

	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		DeliveryMode: mode,
		ContentType:  opts.ContentType,
		Headers:      amqp091.Table(opts.Headers),
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return nil, err
	}
	return deferredConfirmation{dc: dc}, nil
}

// deferredConfirmation adapts *amqp091.DeferredConfirmation (which exposes
// Done()/Acked() rather than a single blocking call) to the DeferredConfirmation
// interface's Wait() bool.
type deferredConfirmation struct {
	dc *amqp091.DeferredConfirmation
}

func (d deferredConfirmation) Wait() bool {
	<-d.dc.Done()
	return d.dc.Acked()
}

func (c *amqpChannel) NotifyClose() <-chan error {
	raw := c.ch.NotifyClose(make(chan *amqp091.Error, 1))
	out := make(chan error, 1)
	go func() {
		err, ok := <-raw
		if !ok || err == nil {
			out <- errors.New("channel closed")
			return
		}
		out <- err
	}()
	return out
}

func (c *amqpChannel) Close() error { return c.ch.Close() }
