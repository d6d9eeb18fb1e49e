package warren

import "github.com/pkg/errors"

// ErrorKind classifies the category of failure a warren Error wraps.
type ErrorKind string

const (
	// KindTransientConnect: broker unreachable, authentication timeouts,
	// DNS — retried indefinitely at the Connector, surfaced only via logs.
	KindTransientConnect ErrorKind = "transient_connect"
	// KindConnectionDropped: a live connection terminated.
	KindConnectionDropped ErrorKind = "connection_dropped"
	// KindChannelCreateFailed: connection alive, channel refused.
	KindChannelCreateFailed ErrorKind = "channel_create_failed"
	// KindChannelDropped: channel closed mid-life.
	KindChannelDropped ErrorKind = "channel_dropped"
	// KindConsumerDeclarationConflict: queue/exchange/bind assertion failed.
	KindConsumerDeclarationConflict ErrorKind = "consumer_declaration_conflict"
	// KindHandlerFailure: user message handler returned an error.
	KindHandlerFailure ErrorKind = "handler_failure"
	// KindPublishFailure: synchronous publish error or negative confirm.
	KindPublishFailure ErrorKind = "publish_failure"
	// KindInvalidState: an operation was invalid given current state
	// (ChannelManager.Start on a closed connection, PublishStream.Write of
	// a malformed message).
	KindInvalidState ErrorKind = "invalid_state"
	// KindInterruptedStartup: Listener.StopListening called before Listen
	// resolved.
	KindInterruptedStartup ErrorKind = "interrupted_startup"
)

// Error is the one error type warren returns to callers; each supervisor
// absorbs failures it can recover from (retry) and only ever surfaces an
// Error through the operation future that directly requested the action,
// the message-handler contract, or a stream's error channel.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

func wrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Err: errors.Wrap(err, msg)}
}

// Sentinel errors for common boundary-case failures.
var (
	// ErrEmptyURIList is returned by NewConnector when uris is empty.
	ErrEmptyURIList = errors.New("at least one broker URI must be provided")
	// ErrConnectionClosed is wrapped in a KindInvalidState Error by
	// ChannelManager.Start when the underlying connection is already dead.
	ErrConnectionClosed = errors.New("connection is already closed")
)
