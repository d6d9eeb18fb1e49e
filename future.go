package warren

import (
	"context"
	"sync"
)

// Future is a one-shot, channel-based result returned by every operation
// whose completion a caller may want to wait on (Consume, StopConsuming,
// Listen, StopListening). It generalizes the chanErr/chanDone select shape
// that would otherwise be hand-rolled at every such call site into one
// reusable type.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

// newFuture returns an incomplete Future.
func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolvedFuture returns a Future that is already complete.
func resolvedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

// complete resolves the future exactly once; subsequent calls are no-ops,
// so concurrent completion attempts (e.g. a cancel racing a manual stop)
// are safe.
func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done, whichever comes
// first. It returns the future's resolution error, or ctx.Err() on timeout/
// cancellation.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
