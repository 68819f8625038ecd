// Package transport carries framed payloads between a session and its relay.
//
// A Channel is an ordered, reliable, bidirectional byte-payload stream. The
// session layer never sees what backs it: production uses the websocket
// implementation, tests use the in-memory pair. Payload boundaries are
// preserved; a Send of N bytes arrives as one Receive of N bytes.
package transport

import "context"

// Channel is one live connection. Not safe for concurrent Sends; the session
// serializes them. Close is idempotent and unblocks pending calls.
type Channel interface {
	// Send delivers one payload, blocking until accepted or ctx ends.
	Send(ctx context.Context, payload []byte) error

	// Receive blocks for the next payload. After the peer closes or the
	// connection drops, it returns a ChannelError wrapping ErrClosed or the
	// underlying failure.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the connection down.
	Close() error
}

// Dialer establishes channels. The session redials through it on every
// reconnect attempt.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context) (Channel, error) {
	return f(ctx)
}
