package session

import "errors"

// ErrClosed reports an operation on a session after Close.
var ErrClosed = errors.New("session closed")
