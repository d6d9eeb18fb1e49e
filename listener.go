package warren

import (
	"context"
	"log/slog"
	"sync"
)

// ConsumerFactory builds a fresh Consumer bound to a newly (re)created
// Channel. Listener calls one factory per registered consumer every time
// the underlying ChannelManager emits "create".
type ConsumerFactory func(Channel) *Consumer

// ListenerOptions configures the ChannelManager a Listener owns internally.
type ListenerOptions struct {
	ChannelManager ChannelManagerOptions
}

// Listener binds a set of ConsumerFactories to a ChannelManager, rebuilding
// every consumer whenever the channel is recreated.
type Listener struct {
	conn       Connection
	factories  []ConsumerFactory
	cm         *ChannelManager

	mu           sync.Mutex
	epoch        int
	consumers    []*Consumer
	listenFuture *Future
	resolved     bool
	stopping     bool
}

// NewListener builds a Listener over conn with one ConsumerFactory per
// logical subscription to maintain.
func NewListener(conn Connection, factories []ConsumerFactory, opts ...ListenerOptions) *Listener {
	var o ListenerOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	l := &Listener{
		conn:      conn,
		factories: factories,
		cm:        NoConfirms(conn, o.ChannelManager),
	}

	l.cm.OnCreate(l.onCreate)
	l.cm.OnClose(l.onClose)

	return l
}

// Listen starts the internal ChannelManager and returns a Future that
// resolves the first time every factory's Consumer has started at least
// once. It rejects with KindInterruptedStartup if StopListening is invoked
// before startup completes, and with the ChannelManager's Start error if
// the connection is already closed.
func (l *Listener) Listen(ctx context.Context) *Future {
	l.mu.Lock()
	if l.listenFuture == nil {
		l.listenFuture = newFuture()
	}
	f := l.listenFuture
	l.mu.Unlock()

	if err := l.cm.Start(); err != nil {
		f.complete(err)
	}

	return f
}

// StopListening stops every consumer of the current epoch and the
// underlying ChannelManager, returning a Future that resolves once every
// consumer has stopped.
func (l *Listener) StopListening(ctx context.Context) *Future {
	l.mu.Lock()
	l.stopping = true
	if l.listenFuture != nil && !l.resolved {
		l.listenFuture.complete(newError(KindInterruptedStartup, "stopListening called before listen resolved"))
	}
	current := append([]*Consumer(nil), l.consumers...)
	l.mu.Unlock()

	l.cm.Stop()

	result := newFuture()
	go func() {
		for _, c := range current {
			_ = c.StopConsuming(ctx).Wait(ctx)
		}
		result.complete(nil)
	}()
	return result
}

// onCreate discards the previous consumer set — no consumer from a dead
// channel is ever retained — and builds a fresh one against the new
// channel.
func (l *Listener) onCreate(ch Channel) {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return
	}
	l.epoch++
	epoch := l.epoch
	l.mu.Unlock()

	consumers := make([]*Consumer, 0, len(l.factories))
	futures := make([]*Future, 0, len(l.factories))

	for _, factory := range l.factories {
		c := factory(ch)
		c.OnCancel(func(info CancelInfo) { l.onConsumerCancel(c, info) })
		consumers = append(consumers, c)
		futures = append(futures, c.Consume(context.Background()))
	}

	l.mu.Lock()
	if l.epoch != epoch || l.stopping {
		// A newer channel replaced this one (or we're stopping) before we
		// finished building; abandon this set.
		l.mu.Unlock()
		for _, c := range consumers {
			_ = c.StopConsuming(context.Background())
		}
		return
	}
	l.consumers = consumers
	l.mu.Unlock()

	go l.resolveListenOnce(futures)
}

func (l *Listener) resolveListenOnce(futures []*Future) {
	failed := false
	for _, f := range futures {
		// Declaration failures here are intentionally not surfaced to the
		// listen future: a failed declaration takes the channel down,
		// which triggers another "create" from the ChannelManager, and the
		// listen future waits for that epoch instead. Left silently, a
		// deterministic declaration conflict would loop forever without a
		// trace, so it's logged instead.
		if err := f.Wait(context.Background()); err != nil {
			slog.Warn("warren: consumer declaration failed, channel manager will recreate", "error", err)
			failed = true
		}
	}
	if failed {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.resolved {
		l.resolved = true
		l.listenFuture.complete(nil)
	}
}

// onClose stops every consumer of the epoch that just died.
func (l *Listener) onClose(ch Channel) {
	l.mu.Lock()
	consumers := append([]*Consumer(nil), l.consumers...)
	l.mu.Unlock()

	for _, c := range consumers {
		_ = c.StopConsuming(context.Background())
	}
}

// onConsumerCancel re-invokes Consume() on a server-initiated cancel,
// unless the consumer is being deliberately stopped.
func (l *Listener) onConsumerCancel(c *Consumer, info CancelInfo) {
	if info.Initiator != "server" {
		return
	}
	if c.IsStopping() {
		return
	}

	l.mu.Lock()
	stopping := l.stopping
	l.mu.Unlock()
	if stopping {
		return
	}

	c.Consume(context.Background())
}
