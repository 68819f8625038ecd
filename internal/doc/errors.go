package doc

import (
	"errors"
	"fmt"
)

// OutOfRangeError reports a local edit outside the visible text.
// It is surfaced to the editing surface as a rejected edit; nothing retries.
type OutOfRangeError struct {
	Op      string // "insert" or "delete"
	Pos     int
	Length  int // 0 for inserts
	Visible int // visible length at the time of the edit
}

func (e *OutOfRangeError) Error() string {
	if e.Length > 0 {
		return fmt.Sprintf("%s out of range: pos=%d length=%d visible=%d", e.Op, e.Pos, e.Length, e.Visible)
	}
	return fmt.Sprintf("%s out of range: pos=%d visible=%d", e.Op, e.Pos, e.Visible)
}

// IsOutOfRange reports whether err is an OutOfRangeError.
// Uses errors.As to handle wrapped errors.
func IsOutOfRange(err error) bool {
	var oe *OutOfRangeError
	return errors.As(err, &oe)
}
