package warren

import (
	"context"
	"log/slog"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Ops are the three terminal actions a MessageHandler must take on exactly
// one of, per delivery.
type Ops struct {
	Ack     func() error
	Requeue func() error
	Reject  func() error
}

// MessageHandler processes one delivery. It must eventually call exactly
// one of ops.Ack/Requeue/Reject.
type MessageHandler func(d amqp091.Delivery, ops Ops)

// CancelInfo describes why a Consumer's subscription ended.
type CancelInfo struct {
	Initiator string // always "server": only server-initiated cancels emit "cancel"
}

// ConsumerOptions configures queue/exchange/binding declaration and
// consumption parameters for a Consumer.
type ConsumerOptions struct {
	Queue     QueueOptions
	Consume   ConsumeOptions
	Exchanges []ExchangeDefinition
	Binds     []BindingDefinition
}

// Consumer is a logical subscription keyed by a server-assigned consumer
// tag: it declares its queue/exchanges/bindings on a Channel and runs one
// subscription with message dispatch. A Consumer is single-shot per tag:
// after a server-initiated cancel it is resumed only by a fresh Consume()
// call. After StopConsuming it is not resumable; a later Consume() returns
// the earlier Future and does not subscribe again.
type Consumer struct {
	*AsyncEmitter

	channel   Channel
	queueName string
	opts      ConsumerOptions

	mu                 sync.Mutex
	started            bool
	tag                string
	effectiveQueueName string
	consumeFuture      *Future
	stopFuture         *Future
}

// NewConsumer builds a Consumer over channel. queueName may be empty to
// request a server-generated name.
func NewConsumer(channel Channel, queueName string, opts ConsumerOptions) *Consumer {
	return &Consumer{
		AsyncEmitter: NewAsyncEmitter(),
		channel:      channel,
		queueName:    queueName,
		opts:         opts,
	}
}

// OnMessage registers a handler invoked for every delivery; each call adds
// another handler alongside any registered before. Unlike
// lifecycle events, message dispatch goes through EmitAsyncConcurrent (see
// emitter.go) so handler execution isn't serialized — AMQP prefetch > 1
// means several deliveries may legitimately be in flight at once.
func (c *Consumer) OnMessage(fn MessageHandler) {
	c.On("message", func(args []interface{}) {
		fn(args[0].(amqp091.Delivery), args[1].(Ops))
	})
}

// OnCancel subscribes fn to the "cancel" event.
func (c *Consumer) OnCancel(fn func(CancelInfo)) func() {
	return c.On("cancel", func(args []interface{}) { fn(args[0].(CancelInfo)) })
}

// IsStopping is true between the first StopConsuming call and its
// completion.
func (c *Consumer) IsStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopFuture != nil
}

// Consume declares the queue/exchanges/bindings and issues basic.consume,
// returning a Future that resolves once the subscription is live. Calling
// Consume again before StopConsuming is idempotent: the same Future is
// returned.
func (c *Consumer) Consume(ctx context.Context) *Future {
	c.mu.Lock()
	if c.consumeFuture != nil {
		f := c.consumeFuture
		c.mu.Unlock()
		return f
	}
	f := newFuture()
	c.consumeFuture = f
	c.mu.Unlock()

	go c.declareAndConsume(ctx, f)

	return f
}

func (c *Consumer) declareAndConsume(ctx context.Context, f *Future) {
	effectiveName, err := c.channel.AssertQueue(c.queueName, c.opts.Queue)
	if err != nil {
		c.failDeclaration(f, err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ex := range c.opts.Exchanges {
		ex := ex
		g.Go(func() error { return c.channel.AssertExchange(ex) })
	}
	if err := g.Wait(); err != nil {
		c.failDeclaration(f, err)
		return
	}

	g, _ = errgroup.WithContext(gctx)
	for _, b := range c.opts.Binds {
		b := b
		g.Go(func() error { return c.channel.BindQueue(effectiveName, b) })
	}
	if err := g.Wait(); err != nil {
		c.failDeclaration(f, err)
		return
	}

	// Prefetch must be set, and its RPC must complete, strictly before
	// basic.consume is issued on the same channel: issuing them concurrently
	// races the two RPCs against each other and can leave Qos unapplied to
	// the first deliveries.
	if c.opts.Consume.Prefetch > 0 {
		if err := c.channel.Qos(c.opts.Consume.Prefetch); err != nil {
			c.failDeclaration(f, err)
			return
		}
	}

	deliveries, tag, err := c.channel.Consume(ctx, effectiveName, "", c.opts.Consume)
	if err != nil {
		c.failDeclaration(f, err)
		return
	}

	c.mu.Lock()
	c.effectiveQueueName = effectiveName
	c.tag = tag
	c.started = true
	c.mu.Unlock()

	go c.dispatch(deliveries)

	f.complete(nil)
}

// failDeclaration resolves the consume future with a ConsumerDeclarationConflict
// error and takes the channel down; recovery is the enclosing Listener's
// responsibility via channel re-creation.
func (c *Consumer) failDeclaration(f *Future, err error) {
	wrapped := wrapError(KindConsumerDeclarationConflict, err, "consumer declaration failed")
	f.complete(wrapped)
	_ = c.channel.Close()
}

func (c *Consumer) dispatch(deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		d := d
		ops := Ops{
			Ack:     func() error { return d.Ack(false) },
			Requeue: func() error { return d.Reject(true) },
			Reject:  func() error { return d.Reject(false) },
		}
		c.EmitAsyncConcurrent("message", d, ops)
	}

	// The delivery channel closing is amqp091-go's signal for both a
	// server-initiated cancel and channel death.
	c.mu.Lock()
	wasStarted := c.started
	c.started = false
	c.consumeFuture = nil
	c.mu.Unlock()

	if wasStarted {
		c.EmitAsync("cancel", CancelInfo{Initiator: "server"})
	}
}

// StopConsuming cancels the subscription, returning a Future that resolves
// once the server has acknowledged the cancel (or the channel has already
// closed). Calling StopConsuming before Consume, or twice, resolves a
// no-op/shared Future. A Consumer that has been stopped this way is done for
// good — unlike a server-initiated cancel (which Listener may resume with a
// fresh Consume() on the same instance), StopConsuming is the caller's
// signal that this Consumer is being discarded, so its AsyncEmitter's
// worker goroutine is stopped here rather than leaking for the life of the
// process.
func (c *Consumer) StopConsuming(ctx context.Context) *Future {
	c.mu.Lock()
	if c.stopFuture != nil {
		f := c.stopFuture
		c.mu.Unlock()
		return f
	}
	if !c.started {
		c.mu.Unlock()
		c.AsyncEmitter.Close()
		return resolvedFuture(nil)
	}

	c.started = false
	sf := newFuture()
	c.stopFuture = sf
	cf := c.consumeFuture
	tag := c.tag
	ch := c.channel
	c.mu.Unlock()

	go func() {
		if cf != nil {
			_ = cf.Wait(ctx)
		}
		if tag != "" {
			if err := ch.Cancel(tag); err != nil {
				// Swallow: the channel may already be closed, in which
				// case the caller's goal (no more deliveries) is already
				// achieved.
				slog.Debug("warren: cancel on stop returned an error, ignoring", "error", err)
			}
		}

		c.mu.Lock()
		c.tag = ""
		c.stopFuture = nil
		c.mu.Unlock()

		sf.complete(nil)
		c.AsyncEmitter.Close()
	}()

	return sf
}
