package transport

import (
	"errors"
	"fmt"
)

// ErrClosed reports an orderly shutdown of a channel, by either end.
var ErrClosed = errors.New("channel closed")

// ChannelError reports a channel operation failure. Op names the operation
// that failed.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsChannelError reports whether err is a ChannelError.
func IsChannelError(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce)
}

// IsClosed reports whether err means the channel was shut down in an orderly
// way, as opposed to failing.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
