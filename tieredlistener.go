package warren

import (
	"context"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// TieredRouting configures the dead-letter chaining between tiers.
type TieredRouting struct {
	// DeadLetterExchange defaults to {Name: queueNameBase+"DLX", Type:
	// ExchangeDirect, Durable: true} when nil.
	DeadLetterExchange *ExchangeDefinition
	// Circular, if true, makes the last tier dead-letter back to the
	// first instead of requeueing in place. Opt-in, since a misbehaving
	// handler would otherwise retry forever.
	Circular bool
}

// TieredListenerOptions configures a TieredListener.
type TieredListenerOptions struct {
	MessageHandler func(ctx context.Context, d amqp091.Delivery) error
	Routing        TieredRouting
	Queue          QueueOptions
	Exchanges      []ExchangeDefinition
	Binds          []BindingDefinition
	Listener       ListenerOptions
}

// TieredListener builds N chained dead-letter-linked queues implementing
// delayed retry tiers atop a Listener, and embeds that Listener directly
// rather than returning a distinct handle.
type TieredListener struct {
	*Listener

	queueNameBase string
	tiers         []Tier
	opts          TieredListenerOptions
	dlx           ExchangeDefinition
}

// NewTieredListener builds a TieredListener. tiers must be non-empty and
// ordered from fastest to slowest retry.
func NewTieredListener(conn Connection, queueNameBase string, tiers []Tier, opts TieredListenerOptions) *TieredListener {
	dlx := ExchangeDefinition{Name: queueNameBase + "DLX", Type: ExchangeDirect, Durable: true}
	if opts.Routing.DeadLetterExchange != nil {
		dlx = *opts.Routing.DeadLetterExchange
	}

	tl := &TieredListener{
		queueNameBase: queueNameBase,
		tiers:         tiers,
		opts:          opts,
		dlx:           dlx,
	}

	factories := make([]ConsumerFactory, 0, len(tiers))
	for i, tier := range tiers {
		i, tier := i, tier
		factories = append(factories, func(ch Channel) *Consumer {
			return tl.buildTierConsumer(ch, i, tier)
		})
	}

	tl.Listener = NewListener(conn, factories, opts.Listener)

	return tl
}

func (tl *TieredListener) buildTierConsumer(ch Channel, i int, tier Tier) *Consumer {
	n := len(tl.tiers)
	last := i == n-1

	queueOpts := tl.opts.Queue.clone()
	if queueOpts.Args == nil {
		queueOpts.Args = map[string]interface{}{}
	}

	exchanges := append([]ExchangeDefinition{tl.dlx}, tl.opts.Exchanges...)

	var binds []BindingDefinition
	if !last {
		queueOpts.Args["x-dead-letter-exchange"] = tl.dlx.Name
		queueOpts.Args["x-dead-letter-routing-key"] = tl.tiers[i+1].Name
	} else if tl.opts.Routing.Circular {
		queueOpts.Args["x-dead-letter-exchange"] = tl.dlx.Name
		queueOpts.Args["x-dead-letter-routing-key"] = tl.tiers[0].Name
	}

	binds = append(binds, BindingDefinition{Exchange: tl.dlx.Name, Pattern: tier.Name})
	if i == 0 {
		binds = append(binds, tl.opts.Binds...)
	}

	consumer := NewConsumer(ch, tl.queueNameBase+"-"+tier.Name, ConsumerOptions{
		Queue:     queueOpts,
		Consume:   ConsumeOptions{Prefetch: 0},
		Exchanges: exchanges,
		Binds:     binds,
	})

	delay := tier.Delay
	terminalRequeue := last && !tl.opts.Routing.Circular

	consumer.OnMessage(func(d amqp091.Delivery, ops Ops) {
		go tl.processDelivery(d, ops, delay, terminalRequeue)
	})

	return consumer
}

// processDelivery runs the user handler and, on failure, waits the tier's
// delay (on a timer, inside the per-delivery goroutine started by the
// message handler, so the consumer's dispatch loop is never blocked)
// before reject (routes to the next tier via the DLX) or, at the
// terminal non-circular tier, requeue (so the message is never lost).
func (tl *TieredListener) processDelivery(d amqp091.Delivery, ops Ops, delay time.Duration, terminalRequeue bool) {
	err := tl.opts.MessageHandler(context.Background(), d)
	if err == nil {
		_ = ops.Ack()
		return
	}

	timer := time.NewTimer(delay)
	<-timer.C

	if terminalRequeue {
		_ = ops.Requeue()
		return
	}
	_ = ops.Reject()
}
