package warren

import (
	"context"
	"sync"
	"sync/atomic"
)

// Message is one write to a PublishStream.
type Message struct {
	Exchange   string // defaults to "" (the broker's default exchange)
	RoutingKey string // required
	Content    []byte
	Options    PublishOptions
}

// PublishStreamOptions configures a PublishStream.
type PublishStreamOptions struct {
	HighWaterMark int // default 8
}

// PublishStream is a back-pressured writable sink over a confirm Channel.
// Each accepted Write is published and its completion callback invoked only
// after the broker confirms, via the Channel's native deferred-confirmation
// mechanism (no hand-rolled delivery-tag bookkeeping).
type PublishStream struct {
	*AsyncEmitter

	ch  Channel
	hwm int

	mu          sync.Mutex
	outstanding int
	ready       chan struct{}
	drained     chan struct{} // always-closed; returned by Ready() when already under the high-water mark

	failed  atomic.Bool
	failErr atomic.Value // error
}

// NewPublishStream builds a PublishStream over ch, which must already be in
// confirm mode (i.e. created via WithConfirms).
func NewPublishStream(ch Channel, opts ...PublishStreamOptions) *PublishStream {
	hwm := 8
	if len(opts) > 0 && opts[0].HighWaterMark > 0 {
		hwm = opts[0].HighWaterMark
	}

	drained := make(chan struct{})
	close(drained)

	return &PublishStream{
		AsyncEmitter: NewAsyncEmitter(),
		ch:           ch,
		hwm:          hwm,
		ready:        make(chan struct{}),
		drained:      drained,
	}
}

// OnError subscribes fn to the "error" event, fired after the stream's
// first publish failure (channel closed, synchronous error, or a negative
// confirm). After the first error the stream is terminal: it does not
// self-recover, and callers should stop writing and build a fresh
// PublishStream over a fresh channel from a ChannelManager.
func (p *PublishStream) OnError(fn func(error)) func() {
	return p.On("error", func(args []interface{}) { fn(args[0].(error)) })
}

// Ready returns a channel that closes when outstanding confirmations have
// drained back under the high-water mark, for a producer that received
// ready=false from Write to wait on before retrying. The drain check is
// re-evaluated under the lock here, rather than simply handing back
// whatever p.ready currently references: a confirmation can settle and
// close-and-replace p.ready between the caller's Write and its following
// Ready() call, which would otherwise hand back a fresh, never-closing
// channel even though the stream already has capacity.
func (p *PublishStream) Ready() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding < p.hwm {
		return p.drained
	}
	return p.ready
}

// Write accepts msg for publishing. It returns true if the stream can
// accept more writes immediately, or false to signal back-pressure (the
// caller should wait on Ready() before writing again). cb, if non-nil, is
// invoked exactly once: synchronously for a validation failure, a write to
// an already-failed stream, or a publish error, and otherwise
// asynchronously once the broker confirms or nacks.
func (p *PublishStream) Write(msg Message, cb func(error)) bool {
	if p.failed.Load() {
		err, _ := p.failErr.Load().(error)
		if cb != nil {
			cb(err)
		}
		return false
	}

	if msg.RoutingKey == "" {
		err := newError(KindInvalidState, "routingKey must not be empty")
		if cb != nil {
			cb(err)
		}
		return true
	}

	p.mu.Lock()
	p.outstanding++
	ready := p.outstanding < p.hwm
	p.mu.Unlock()

	dc, err := p.ch.PublishDeferred(context.Background(), msg.Exchange, msg.RoutingKey, msg.Options, msg.Content)
	if err != nil {
		p.settleOne()
		p.fail(wrapError(KindPublishFailure, err, "publish failed"))
		if cb != nil {
			cb(err)
		}
		return ready
	}

	go func() {
		ok := dc.Wait()
		drained := p.settleOne()

		var cbErr error
		if !ok {
			cbErr = newError(KindPublishFailure, "broker nacked publish")
			p.fail(cbErr)
		}
		if cb != nil {
			cb(cbErr)
		}
		if drained {
			p.signalReady()
		}
	}()

	return ready
}

// settleOne decrements the outstanding count and reports whether the
// stream has drained back under the high-water mark.
func (p *PublishStream) settleOne() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	return p.outstanding < p.hwm
}

func (p *PublishStream) signalReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.ready:
		// already open for this generation; nothing to do
	default:
		close(p.ready)
		p.ready = make(chan struct{})
	}
}

// fail marks the stream terminal exactly once. The stream never recovers
// past this point, so its AsyncEmitter's worker goroutine is stopped here
// rather than leaking for the life of the process. The "error" job
// enqueued just before Close still runs, since the worker drains already
// buffered jobs before exiting.
func (p *PublishStream) fail(err *Error) {
	if p.failed.CompareAndSwap(false, true) {
		p.failErr.Store(error(err))
		p.EmitAsync("error", error(err))
		p.AsyncEmitter.Close()
	}
}
