package transport

import (
	"context"
	"sync"
)

// memoryChannel is one end of an in-process pair. The close signal is shared
// between both ends, so closing either closes the pair.
type memoryChannel struct {
	out chan []byte
	in  chan []byte

	closeOnce *sync.Once
	closed    chan struct{}
}

// Pair returns two connected in-memory channels. What one end Sends the
// other Receives, in order. Closing either end closes both. buffer is the
// per-direction payload capacity; 0 makes every Send rendezvous with a
// Receive.
func Pair(buffer int) (Channel, Channel) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &memoryChannel{out: ab, in: ba, closeOnce: once, closed: closed}
	b := &memoryChannel{out: ba, in: ab, closeOnce: once, closed: closed}
	return a, b
}

func (c *memoryChannel) Send(ctx context.Context, payload []byte) error {
	// Copy so the caller may reuse its buffer.
	p := make([]byte, len(payload))
	copy(p, payload)

	select {
	case <-c.closed:
		return &ChannelError{Op: "send", Err: ErrClosed}
	default:
	}
	select {
	case c.out <- p:
		return nil
	case <-c.closed:
		return &ChannelError{Op: "send", Err: ErrClosed}
	case <-ctx.Done():
		return &ChannelError{Op: "send", Err: ctx.Err()}
	}
}

func (c *memoryChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.in:
		return p, nil
	default:
	}
	select {
	case p := <-c.in:
		return p, nil
	case <-c.closed:
		// Drain what the peer sent before closing.
		select {
		case p := <-c.in:
			return p, nil
		default:
		}
		return nil, &ChannelError{Op: "receive", Err: ErrClosed}
	case <-ctx.Done():
		return nil, &ChannelError{Op: "receive", Err: ctx.Err()}
	}
}

func (c *memoryChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
