package warren

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelManagerOptions configures a ChannelManager.
type ChannelManagerOptions struct {
	Confirm bool
	Create  *RetryPolicy // default ConstantRetryPolicy(5 * time.Second)
	Drop    *RetryPolicy // default ConstantRetryPolicy(3 * time.Second)
}

func (o *ChannelManagerOptions) applyDefaults() {
	if o.Create == nil {
		o.Create = ConstantRetryPolicy(5 * time.Second)
	}
	if o.Drop == nil {
		o.Drop = ConstantRetryPolicy(3 * time.Second)
	}
}

type channelState struct {
	ch      Channel
	reacted atomic.Bool
}

// ChannelManager maintains one open Channel (plain or confirm) on a given
// Connection, recreating it on drop.
type ChannelManager struct {
	*AsyncEmitter

	mu               sync.Mutex
	conn             Connection
	opts             ChannelManagerOptions
	started          bool
	creating         bool
	channel          *channelState
	retryTimer       *time.Timer
	connectionClosed bool
	attemptNum       int
}

// NoConfirms builds a ChannelManager that creates plain (fire-and-forget
// publish) channels.
func NoConfirms(conn Connection, opts ...ChannelManagerOptions) *ChannelManager {
	return newChannelManager(conn, false, opts)
}

// WithConfirms builds a ChannelManager that creates confirm-mode channels,
// suitable for pairing with a PublishStream.
func WithConfirms(conn Connection, opts ...ChannelManagerOptions) *ChannelManager {
	return newChannelManager(conn, true, opts)
}

func newChannelManager(conn Connection, confirm bool, opts []ChannelManagerOptions) *ChannelManager {
	var o ChannelManagerOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	o.Confirm = confirm
	o.applyDefaults()

	cm := &ChannelManager{
		AsyncEmitter: NewAsyncEmitter(),
		conn:         conn,
		opts:         o,
	}

	go cm.watchConnection()

	return cm
}

// OnCreate subscribes fn to the "create" event.
func (m *ChannelManager) OnCreate(fn func(Channel)) func() {
	return m.On("create", func(args []interface{}) { fn(args[0].(Channel)) })
}

// OnClose subscribes fn to the "close" event.
func (m *ChannelManager) OnClose(fn func(Channel)) func() {
	return m.On("close", func(args []interface{}) { fn(args[0].(Channel)) })
}

// Start idempotently begins channel creation. It returns a KindInvalidState
// Error wrapping ErrConnectionClosed if the underlying connection is
// already dead.
func (m *ChannelManager) Start() error {
	m.mu.Lock()
	if m.connectionClosed || m.conn.IsClosed() {
		m.mu.Unlock()
		return wrapError(KindInvalidState, ErrConnectionClosed, "cannot start channel manager")
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	go m.attempt()
	return nil
}

// Stop closes the channel (if any) and cancels any pending retry. A stopped
// manager can be Start()ed again later, so the channel must be cleared, not
// merely closed, or a later attempt() would see it still set and no-op.
func (m *ChannelManager) Stop() {
	m.mu.Lock()
	m.started = false
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	cur := m.channel
	m.channel = nil
	m.mu.Unlock()

	if cur != nil {
		cur.reacted.Store(true) // suppress the close-notification reaction; we're tearing down deliberately
		_ = cur.ch.Close()
		m.EmitAsync("close", cur.ch)
	}
}

func (m *ChannelManager) attempt() {
	m.mu.Lock()
	if !m.started || m.creating || m.channel != nil {
		m.mu.Unlock()
		return
	}
	m.creating = true
	attemptNum := m.attemptNum
	m.mu.Unlock()

	var ch Channel
	var err error
	if m.opts.Confirm {
		ch, err = m.conn.CreateConfirmChannel()
	} else {
		ch, err = m.conn.CreateChannel()
	}

	m.mu.Lock()
	m.creating = false
	if err != nil {
		m.attemptNum++
		stillStarted := m.started
		m.mu.Unlock()

		slog.Warn("warren: channel create failed", "error", err)
		if stillStarted {
			m.scheduleRetry(m.opts.Create.Delay(attemptNum))
		}
		return
	}

	if !m.started {
		m.mu.Unlock()
		_ = ch.Close()
		return
	}

	m.attemptNum = 0
	state := &channelState{ch: ch}
	m.channel = state
	m.mu.Unlock()

	go m.watch(state)
	m.EmitAsync("create", ch)
}

// watch observes a live channel's close notification and reacts exactly
// once: emits "close", then schedules a recreation unless the manager was
// stopped deliberately or the parent connection has already died.
func (m *ChannelManager) watch(state *channelState) {
	err := <-state.ch.NotifyClose()

	if !state.reacted.CompareAndSwap(false, true) {
		return
	}

	slog.Warn("warren: channel dropped", "error", err)

	m.mu.Lock()
	if m.channel == state {
		m.channel = nil
	}
	stillStarted := m.started
	connClosed := m.connectionClosed
	m.mu.Unlock()

	m.EmitAsync("close", state.ch)

	if stillStarted && !connClosed {
		m.scheduleRetry(m.opts.Drop.Delay(0))
	}
}

// watchConnection marks the manager terminal once its parent connection
// dies: connectionClosed is set and any pending retry is canceled so the
// manager never tries to recreate a channel on a dead connection.
func (m *ChannelManager) watchConnection() {
	err := <-m.conn.NotifyClose()

	slog.Debug("warren: channel manager's connection closed", "error", err)

	m.mu.Lock()
	m.connectionClosed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.started = false
	m.mu.Unlock()
}

func (m *ChannelManager) scheduleRetry(d time.Duration) {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(d, func() { go m.attempt() })
	m.mu.Unlock()
}
