package codec

import (
	"errors"
	"fmt"
)

// CodecError reports a payload that could not be encoded or decoded.
// Receivers log it and drop the payload; it never ends a session.
type CodecError struct {
	Reason string
	Err    error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Reason)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// IsCodecError reports whether err is a CodecError.
// Uses errors.As to handle wrapped errors.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}
