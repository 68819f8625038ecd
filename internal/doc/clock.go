package doc

// Clock mints unit identifiers for one client.
//
// Seq numbers are strictly increasing and never reused, including across
// reconnects: a replica resuming with known state seeds the clock from its
// state vector. Only the owning client mutates its clock, so no locking is
// needed - exclusivity comes from ownership, not synchronization.
type Clock struct {
	client ClientID
	seq    uint64
}

// NewClock creates a clock for client starting after last.
// Pass 0 for a brand-new client.
func NewClock(client ClientID, last uint64) *Clock {
	return &Clock{client: client, seq: last}
}

// NextID increments the clock and returns a fresh identifier.
func (c *Clock) NextID() ID {
	c.seq++
	return ID{Client: c.client, Seq: c.seq}
}

// Client returns the owning client.
func (c *Clock) Client() ClientID {
	return c.client
}

// Last returns the most recently minted seq without incrementing.
func (c *Clock) Last() uint64 {
	return c.seq
}
