// Package amqptest is an in-memory stand-in for a RabbitMQ broker,
// implementing warren's Connection/Channel/DeferredConfirmation seam well
// enough to drive its supervisors end to end without a live server:
// exchange/queue declaration, direct/topic/fanout routing, dead-letter
// requeue on reject, and connection/channel drop simulation for the retry
// paths.
package amqptest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/arvidson/warren"
)

// Broker holds every declared exchange and queue shared by the Connections
// dialed against it.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]warren.ExchangeType
	queues    map[string]*queueState
	consumers map[string]string // consumer tag -> queue name
	anonSeq   uint64
	tagSeq    uint64
}

// NewBroker returns an empty Broker, with the unnamed default exchange
// already present (as a real server always has it).
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]warren.ExchangeType{"": warren.ExchangeDirect},
		queues:    map[string]*queueState{},
		consumers: map[string]string{},
	}
}

// Dial returns a fresh fake Connection against this Broker.
func (b *Broker) Dial() *Connection {
	return &Connection{broker: b, closeCh: make(chan error, 1)}
}

// QueueDepth returns the number of undelivered (buffered) messages sitting
// in queue, for assertions that don't want to race a live consumer.
func (b *Broker) QueueDepth(queue string) int {
	b.mu.Lock()
	q := b.queues[queue]
	b.mu.Unlock()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// DropConsumer simulates the broker unilaterally canceling a consumer (its
// queue was deleted, or an operator ran rabbitmqctl), closing its delivery
// channel without any client-side Cancel call.
func (b *Broker) DropConsumer(tag string) {
	_ = b.cancel(tag)
}

// DropQueueConsumer simulates a server-initiated cancel of whichever
// consumer currently holds queue's subscription, without touching the
// channel it runs on.
func (b *Broker) DropQueueConsumer(queue string) {
	b.mu.Lock()
	var tag string
	for t, q := range b.consumers {
		if q == queue {
			tag = t
			break
		}
	}
	b.mu.Unlock()

	if tag != "" {
		_ = b.cancel(tag)
	}
}

type queueState struct {
	mu       sync.Mutex
	name     string
	args     map[string]interface{}
	bindings []bindingState
	buffer   []amqp091.Delivery
	consumer chan amqp091.Delivery
	tagSeq   uint64
}

type bindingState struct {
	exchange string
	pattern  string
}

func (q *queueState) deadLetter() (exchange, routingKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.args == nil {
		return "", ""
	}
	if v, ok := q.args["x-dead-letter-exchange"]; ok {
		exchange, _ = v.(string)
	}
	if v, ok := q.args["x-dead-letter-routing-key"]; ok {
		routingKey, _ = v.(string)
	}
	return exchange, routingKey
}

func (b *Broker) declareQueue(name string, opts warren.QueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.anonSeq++
		name = fmt.Sprintf("amqptest.gen-%d", b.anonSeq)
	}

	q, ok := b.queues[name]
	if !ok {
		q = &queueState{name: name, args: opts.Args}
		b.queues[name] = q
	}
	return name, nil
}

func (b *Broker) declareExchange(def warren.ExchangeDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[def.Name] = def.Type
	return nil
}

func (b *Broker) bindQueue(queue string, def warren.BindingDefinition) error {
	b.mu.Lock()
	q, qOK := b.queues[queue]
	_, exOK := b.exchanges[def.Exchange]
	b.mu.Unlock()
	if !qOK {
		return fmt.Errorf("amqptest: queue %q not declared", queue)
	}
	if !exOK {
		return fmt.Errorf("amqptest: exchange %q not declared", def.Exchange)
	}

	q.mu.Lock()
	q.bindings = append(q.bindings, bindingState{exchange: def.Exchange, pattern: def.Pattern})
	q.mu.Unlock()
	return nil
}

func (b *Broker) consume(queueName, tag string) (<-chan amqp091.Delivery, error) {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("amqptest: queue %q not declared", queueName)
	}
	b.consumers[tag] = queueName
	b.mu.Unlock()

	q.mu.Lock()
	ch := make(chan amqp091.Delivery, 64)
	q.consumer = ch
	buffered := q.buffer
	q.buffer = nil
	q.mu.Unlock()

	for _, d := range buffered {
		ch <- d
	}

	return ch, nil
}

func (b *Broker) cancel(tag string) error {
	b.mu.Lock()
	queueName, ok := b.consumers[tag]
	delete(b.consumers, tag)
	var q *queueState
	if ok {
		q = b.queues[queueName]
	}
	b.mu.Unlock()

	if q == nil {
		return nil
	}

	q.mu.Lock()
	if q.consumer != nil {
		close(q.consumer)
		q.consumer = nil
	}
	q.mu.Unlock()
	return nil
}

// publish routes body to every queue bound to exchange (or, for the
// default exchange, the single queue named routingKey) and reports
// whether at least the routing step succeeded (the fake never nacks a
// well-formed publish; use Channel.Kill to exercise the failure path).
func (b *Broker) publish(exchange, routingKey string, opts warren.PublishOptions, body []byte) bool {
	b.mu.Lock()
	typ, exOK := b.exchanges[exchange]
	var targets []*queueState
	if exchange == "" {
		if q, ok := b.queues[routingKey]; ok {
			targets = append(targets, q)
		}
	} else if exOK {
		for _, q := range b.queues {
			q.mu.Lock()
			bindings := append([]bindingState(nil), q.bindings...)
			q.mu.Unlock()
			for _, bd := range bindings {
				if bd.exchange == exchange && routingMatches(typ, bd.pattern, routingKey) {
					targets = append(targets, q)
					break
				}
			}
		}
	}
	b.mu.Unlock()

	for _, q := range targets {
		b.deliverTo(q, routingKey, opts, body)
	}

	return true
}

// enqueue redelivers a rejected-with-requeue message straight back into its
// origin queue, bypassing exchange routing.
func (b *Broker) enqueue(q *queueState, routingKey string, opts warren.PublishOptions, body []byte) {
	b.deliverTo(q, routingKey, opts, body)
}

func (b *Broker) deliverTo(q *queueState, routingKey string, opts warren.PublishOptions, body []byte) {
	q.mu.Lock()
	q.tagSeq++
	tag := q.tagSeq
	consumer := q.consumer
	q.mu.Unlock()

	d := amqp091.Delivery{
		Acknowledger: &acker{broker: b, queue: q, routingKey: routingKey, opts: opts, body: body},
		Headers:      amqp091.Table(opts.Headers),
		ContentType:  opts.ContentType,
		DeliveryTag:  tag,
		RoutingKey:   routingKey,
		Body:         append([]byte(nil), body...),
	}

	if consumer != nil {
		consumer <- d
		return
	}

	q.mu.Lock()
	q.buffer = append(q.buffer, d)
	q.mu.Unlock()
}

// acker implements amqp091.Acknowledger against the fake broker, carrying
// enough of the original delivery to requeue or dead-letter it.
type acker struct {
	broker     *Broker
	queue      *queueState
	routingKey string
	opts       warren.PublishOptions
	body       []byte
}

func (a *acker) Ack(tag uint64, multiple bool) error { return nil }

func (a *acker) Nack(tag uint64, multiple, requeue bool) error {
	return a.Reject(tag, requeue)
}

func (a *acker) Reject(tag uint64, requeue bool) error {
	if requeue {
		a.broker.enqueue(a.queue, a.routingKey, a.opts, a.body)
		return nil
	}

	dlx, dlk := a.queue.deadLetter()
	if dlx == "" {
		return nil
	}
	key := dlk
	if key == "" {
		key = a.routingKey
	}
	a.broker.publish(dlx, key, a.opts, a.body)
	return nil
}

// Connection is a fake warren.Connection over a Broker.
type Connection struct {
	broker  *Broker
	mu      sync.Mutex
	closed  bool
	closeCh chan error
}

var _ warren.Connection = (*Connection)(nil)

func (c *Connection) CreateChannel() (warren.Channel, error) {
	return newChannel(c.broker, false), nil
}

func (c *Connection) CreateConfirmChannel() (warren.Channel, error) {
	return newChannel(c.broker, true), nil
}

func (c *Connection) NotifyClose() <-chan error { return c.closeCh }

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.closeCh <- errors.New("connection closed")
	return nil
}

// Kill simulates the broker or network dropping the connection out from
// under the client, as opposed to a deliberate Close.
func (c *Connection) Kill() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.closeCh <- errors.New("connection reset by peer")
}

// Channel is a fake warren.Channel over a Broker.
type Channel struct {
	broker  *Broker
	confirm bool

	mu      sync.Mutex
	closed  bool
	closeCh chan error
	tag     string
}

var _ warren.Channel = (*Channel)(nil)

func newChannel(b *Broker, confirm bool) *Channel {
	return &Channel{broker: b, confirm: confirm, closeCh: make(chan error, 1)}
}

func (ch *Channel) AssertQueue(name string, opts warren.QueueOptions) (string, error) {
	return ch.broker.declareQueue(name, opts)
}

func (ch *Channel) AssertExchange(def warren.ExchangeDefinition) error {
	return ch.broker.declareExchange(def)
}

func (ch *Channel) BindQueue(queue string, def warren.BindingDefinition) error {
	return ch.broker.bindQueue(queue, def)
}

func (ch *Channel) Qos(prefetchCount int) error { return nil }

func (ch *Channel) Consume(ctx context.Context, queue, consumerTag string, opts warren.ConsumeOptions) (<-chan amqp091.Delivery, string, error) {
	if consumerTag == "" {
		consumerTag = fmt.Sprintf("amqptest-%d", atomic.AddUint64(&ch.broker.tagSeq, 1))
	}

	deliveries, err := ch.broker.consume(queue, consumerTag)
	if err != nil {
		return nil, "", err
	}

	ch.mu.Lock()
	ch.tag = consumerTag
	ch.mu.Unlock()

	return deliveries, consumerTag, nil
}

func (ch *Channel) Cancel(consumerTag string) error {
	return ch.broker.cancel(consumerTag)
}

func (ch *Channel) PublishDeferred(ctx context.Context, exchange, routingKey string, opts warren.PublishOptions, body []byte) (warren.DeferredConfirmation, error) {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return nil, errors.New("amqptest: channel is closed")
	}

	ok := ch.broker.publish(exchange, routingKey, opts, body)
	return confirmation{ok: ok}, nil
}

func (ch *Channel) NotifyClose() <-chan error { return ch.closeCh }

func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	tag := ch.tag
	ch.mu.Unlock()

	if tag != "" {
		_ = ch.broker.cancel(tag)
	}
	ch.closeCh <- errors.New("channel closed")
	return nil
}

// Kill simulates a server-initiated channel close, e.g. a failed
// declaration elsewhere on the same channel (amqp-0-9-1 closes the whole
// channel on a channel-level protocol error).
func (ch *Channel) Kill() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	tag := ch.tag
	ch.mu.Unlock()

	if tag != "" {
		ch.broker.DropConsumer(tag)
	}
	ch.closeCh <- errors.New("channel error")
}

type confirmation struct{ ok bool }

func (c confirmation) Wait() bool { return c.ok }
