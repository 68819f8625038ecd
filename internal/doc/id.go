package doc

import (
	"fmt"

	"github.com/google/uuid"
)

// ClientID identifies a participant. Any non-empty string is legal; callers
// that don't bring their own identity use NewClientID.
//
// ClientIDs are compared lexicographically when breaking ties between
// concurrent inserts, so every replica must use the same string verbatim.
type ClientID string

// NewClientID returns a fresh random client identity.
//
// The identity is scoped to one document-editing session: a client that
// resets its replica must also mint a new ClientID, because seq numbers for
// an existing ClientID are never reused.
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// ID is the globally unique identifier of a Unit or operation.
//
// Uniqueness follows from each client owning its seq counter; the total
// order (Client, Seq) ascending is the tie-break rule for concurrent
// inserts and must be identical on every replica.
type ID struct {
	Client ClientID `json:"client"`
	Seq    uint64   `json:"seq"`
}

// Less reports whether a orders before b in the (Client, Seq) total order.
func (a ID) Less(b ID) bool {
	if a.Client != b.Client {
		return a.Client < b.Client
	}
	return a.Seq < b.Seq
}

func (a ID) String() string {
	return fmt.Sprintf("%s@%d", a.Client, a.Seq)
}

// idEqual compares two optional IDs. Nil means "document boundary" and only
// equals nil.
func idEqual(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// StateVector maps each known client to the highest seq applied from it.
//
// Because applies are contiguous per client, "highest seq" and "set of
// operations known" are equivalent, which makes vector comparison a complete
// description of what a peer is missing.
type StateVector map[ClientID]uint64

// Clone returns an independent copy.
func (v StateVector) Clone() StateVector {
	c := make(StateVector, len(v))
	for client, seq := range v {
		c[client] = seq
	}
	return c
}

// Covers reports whether v includes every operation counted by other.
func (v StateVector) Covers(other StateVector) bool {
	for client, seq := range other {
		if v[client] < seq {
			return false
		}
	}
	return true
}
