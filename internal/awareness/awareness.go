// Package awareness tracks ephemeral presence: who is in the document and
// what their cursor state is right now.
//
// Presence is not part of the replicated document. Records carry no history,
// merge by a per-participant clock (highest wins), and evaporate when a
// participant goes quiet. Losing an awareness update is harmless; the next
// one replaces it wholesale.
package awareness

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mentora/coedit/internal/doc"
)

// DefaultStaleness is how long a silent participant stays visible.
const DefaultStaleness = 30 * time.Second

// Record is one participant's presence at a point in time.
type Record struct {
	Client doc.ClientID
	Clock  uint64
	// State is opaque to the tracker. Conventionally a cursor position and
	// selection range, but the engine never looks inside.
	State json.RawMessage
	// Seen is when this record was last refreshed locally.
	Seen time.Time
}

// Tracker holds the presence records of one document's participants.
//
// Safe for concurrent use. The local participant's record is updated through
// SetLocal, remote records through Merge; Expire sweeps out the quiet ones.
type Tracker struct {
	mu sync.Mutex

	self      doc.ClientID
	clock     uint64
	staleness time.Duration
	now       func() time.Time

	records map[doc.ClientID]*Record
	// lastClock outlives the record it belongs to. A departed participant's
	// clock must keep rising across leave and rejoin, or a stale update
	// arriving late would resurrect them.
	lastClock map[doc.ClientID]uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStaleness sets how long a silent participant stays visible.
func WithStaleness(d time.Duration) Option {
	return func(t *Tracker) { t.staleness = d }
}

// WithNowFunc overrides the clock source. Tests use this.
func WithNowFunc(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker for the given local participant.
func NewTracker(self doc.ClientID, opts ...Option) *Tracker {
	t := &Tracker{
		self:      self,
		staleness: DefaultStaleness,
		now:       time.Now,
		records:   make(map[doc.ClientID]*Record),
		lastClock: make(map[doc.ClientID]uint64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Self returns the local participant's ID.
func (t *Tracker) Self() doc.ClientID {
	return t.self
}

// SetLocal replaces the local participant's state and returns the record to
// broadcast. Each call bumps the local clock.
func (t *Tracker) SetLocal(state json.RawMessage) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock++
	rec := &Record{Client: t.self, Clock: t.clock, State: state, Seen: t.now()}
	t.records[t.self] = rec
	t.lastClock[t.self] = t.clock
	return *rec
}

// Leave removes the local record and returns the leave announcement to
// broadcast. The clock still advances so the announcement beats any update
// of ours still in flight.
func (t *Tracker) Leave() Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock++
	delete(t.records, t.self)
	t.lastClock[t.self] = t.clock
	return Record{Client: t.self, Clock: t.clock}
}

// Merge applies a remote presence record. Only updates with a clock above the
// highest seen for that participant take effect; anything else is a stale
// reorder and is dropped. An empty state removes the participant.
//
// Reports whether the visible set of records changed.
func (t *Tracker) Merge(client doc.ClientID, clock uint64, state json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if client == t.self {
		// Our own update reflected back by the channel.
		return false
	}
	if clock <= t.lastClock[client] {
		return false
	}
	t.lastClock[client] = clock

	if len(state) == 0 || string(state) == "null" {
		if _, ok := t.records[client]; !ok {
			return false
		}
		delete(t.records, client)
		return true
	}
	t.records[client] = &Record{Client: client, Clock: clock, State: state, Seen: t.now()}
	return true
}

// Snapshot returns all current records sorted by client ID.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}

// Expire removes remote records not refreshed within the staleness window
// and returns the departed client IDs sorted. The local record never expires;
// the session refreshes it by rebroadcasting.
func (t *Tracker) Expire() []doc.ClientID {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.staleness)
	var gone []doc.ClientID
	for client, rec := range t.records {
		if client == t.self {
			continue
		}
		if rec.Seen.Before(cutoff) {
			delete(t.records, client)
			gone = append(gone, client)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	return gone
}
