package warren

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectorOptions configures a Connector. Zero value is usable; Dialer
// defaults to DialAMQP and the retry policies default to fixed backoffs
// (5s on connect failure, 1s after a drop).
type ConnectorOptions struct {
	Dialer  Dialer
	Dial    DialOptions
	Connect *RetryPolicy // default ConstantRetryPolicy(5 * time.Second)
	Drop    *RetryPolicy // default ConstantRetryPolicy(1 * time.Second)
}

func (o *ConnectorOptions) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = DialAMQP
	}
	if o.Connect == nil {
		o.Connect = ConstantRetryPolicy(5 * time.Second)
	}
	if o.Drop == nil {
		o.Drop = ConstantRetryPolicy(1 * time.Second)
	}
}

// connState is the single connection owned by a Connector at a time, plus
// the dedup flag that ensures its close/error notification is reacted to
// exactly once.
type connState struct {
	conn       Connection
	reacted    atomic.Bool
	deliberate atomic.Bool
}

// Connector maintains one live Connection to one of N broker URIs, with
// round-robin failover and indefinite constant-backoff retry.
type Connector struct {
	*AsyncEmitter

	mu          sync.Mutex
	uris        []string
	opts        ConnectorOptions
	started     bool
	connecting  bool
	connection  *connState
	lastIndex   int // -1 until the first attempt
	retryTimer  *time.Timer
	attemptNum  int
}

// NewConnector builds a Connector over the given broker URIs. uris must be
// non-empty (ErrEmptyURIList otherwise).
func NewConnector(uris []string, opts ConnectorOptions) (*Connector, error) {
	nonEmpty := make([]string, 0, len(uris))
	for _, u := range uris {
		if u != "" {
			nonEmpty = append(nonEmpty, u)
		}
	}
	if len(nonEmpty) == 0 {
		return nil, ErrEmptyURIList
	}

	opts.applyDefaults()

	return &Connector{
		AsyncEmitter: NewAsyncEmitter(),
		uris:         nonEmpty,
		opts:         opts,
		lastIndex:    -1,
	}, nil
}

// OnConnect subscribes fn to the "connect" event. If a connection is
// already live, fn is invoked synchronously with it before OnConnect
// returns, in addition to being subscribed for future events.
func (c *Connector) OnConnect(fn func(Connection)) func() {
	unsub := c.On("connect", func(args []interface{}) { fn(args[0].(Connection)) })

	c.mu.Lock()
	cur := c.connection
	c.mu.Unlock()
	if cur != nil {
		fn(cur.conn)
	}

	return unsub
}

// OnDisconnect subscribes fn to the "disconnect" event.
func (c *Connector) OnDisconnect(fn func(Connection)) func() {
	return c.On("disconnect", func(args []interface{}) { fn(args[0].(Connection)) })
}

// Start idempotently begins connection attempts. It returns immediately;
// connect/disconnect events report progress.
func (c *Connector) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.attempt()
}

// Stop closes any live connection and cancels pending retries. No further
// connect attempts occur after Stop returns.
func (c *Connector) Stop() {
	c.mu.Lock()
	c.started = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	cur := c.connection
	c.mu.Unlock()

	if cur != nil {
		cur.deliberate.Store(true)
		_ = cur.conn.Close()
	}
}

func (c *Connector) nextURI() string {
	n := len(c.uris)
	if c.lastIndex < 0 || c.lastIndex == n-1 {
		c.lastIndex = 0
	} else {
		c.lastIndex++
	}
	return c.uris[c.lastIndex]
}

// attempt tries to establish a connection if none is live and none is
// currently in flight. It is safe to call redundantly; it's a no-op unless
// started && !connecting && connection == nil.
func (c *Connector) attempt() {
	c.mu.Lock()
	if !c.started || c.connecting || c.connection != nil {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	uri := c.nextURI()
	attemptNum := c.attemptNum
	c.mu.Unlock()

	conn, err := c.opts.Dialer.Dial(context.Background(), uri, c.opts.Dial)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.attemptNum++
		stillStarted := c.started
		c.mu.Unlock()

		slog.Warn("warren: connect attempt failed", "uri", uri, "error", err)
		if stillStarted {
			c.scheduleRetry(c.opts.Connect.Delay(attemptNum))
		}
		return
	}

	if !c.started {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}

	c.attemptNum = 0
	state := &connState{conn: conn}
	c.connection = state
	c.mu.Unlock()

	slog.Info("warren: connected", "uri", uri)

	go c.watch(state)
	c.EmitAsync("connect", conn)
}

// watch observes a live connection's close notification and reacts exactly
// once (the reacted dedup flag), clearing c.connection, emitting
// "disconnect", and scheduling a reconnect unless the close was deliberate
// (Stop) or the Connector is no longer started.
func (c *Connector) watch(state *connState) {
	err := <-state.conn.NotifyClose()

	if !state.reacted.CompareAndSwap(false, true) {
		return
	}

	slog.Warn("warren: connection dropped", "error", err)

	c.mu.Lock()
	if c.connection == state {
		c.connection = nil
	}
	stillStarted := c.started
	c.mu.Unlock()

	c.EmitAsync("disconnect", state.conn)

	if stillStarted && !state.deliberate.Load() {
		c.scheduleRetry(c.opts.Drop.Delay(0))
	}
}

func (c *Connector) scheduleRetry(d time.Duration) {
	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(d, func() { go c.attempt() })
	c.mu.Unlock()
}
