package doc

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Unit is one atomic element of document content.
//
// Left and Right record the IDs of the units adjacent at insertion time
// (nil = document boundary). Deleted units stay in the sequence as
// tombstones so that later concurrent inserts can still resolve origins
// that cite them.
type Unit struct {
	ID      ID
	Value   rune
	Left    *ID
	Right   *ID
	Deleted bool

	prev, next *Unit
}

// Replica is one participant's copy of the document.
//
// Not thread-safe: local edits and remote applies must be serialized by the
// caller. All operations are synchronous and bounded by document size.
type Replica struct {
	clock *Clock

	first, last *Unit
	byID        map[ID]*Unit

	vector  StateVector
	log     map[ClientID][]Op // per-client ops in seq order
	pending map[ClientID][]Op // parked ops, seq-sorted per client

	visible int
	text    string
	dirty   bool
}

// NewReplica creates an empty replica owned by client.
func NewReplica(client ClientID) *Replica {
	return &Replica{
		clock:   NewClock(client, 0),
		byID:    make(map[ID]*Unit),
		vector:  make(StateVector),
		log:     make(map[ClientID][]Op),
		pending: make(map[ClientID][]Op),
	}
}

// Client returns the owning client.
func (r *Replica) Client() ClientID {
	return r.clock.Client()
}

// Len returns the visible length in characters.
func (r *Replica) Len() int {
	return r.visible
}

// Text returns the visible text: non-tombstoned units in replica order.
// The projection is cached and rebuilt lazily after mutations.
func (r *Replica) Text() string {
	if r.dirty {
		var b strings.Builder
		b.Grow(r.visible)
		for u := r.first; u != nil; u = u.next {
			if !u.Deleted {
				b.WriteRune(u.Value)
			}
		}
		r.text = b.String()
		r.dirty = false
	}
	return r.text
}

// Version returns a copy of the state vector: the highest contiguously
// applied seq per client, own operations included.
func (r *Replica) Version() StateVector {
	return r.vector.Clone()
}

// PendingCount returns the number of parked operations still awaiting
// dependencies. Zero on a fully caught-up replica.
func (r *Replica) PendingCount() int {
	n := 0
	for _, ops := range r.pending {
		n += len(ops)
	}
	return n
}

// InsertAt inserts text at the given visible position and returns the
// operations to broadcast, one per character. The text is NFC-normalized
// first so identical keystrokes produce identical units on every platform.
//
// The edit is applied locally before returning; it never waits on the
// network. Returns OutOfRangeError if pos is outside [0, Len()].
func (r *Replica) InsertAt(pos int, text string) ([]Op, error) {
	if pos < 0 || pos > r.visible {
		return nil, &OutOfRangeError{Op: "insert", Pos: pos, Visible: r.visible}
	}
	runes := []rune(norm.NFC.String(text))
	if len(runes) == 0 {
		return nil, nil
	}

	left := r.visibleAt(pos - 1) // nil when inserting at the front
	var right *Unit
	if left != nil {
		right = left.next
	} else {
		right = r.first
	}
	var rightID *ID
	if right != nil {
		rightID = idPtr(right.ID)
	}

	ops := make([]Op, 0, len(runes))
	for _, rn := range runes {
		id := r.clock.NextID()
		var leftID *ID
		if left != nil {
			leftID = idPtr(left.ID)
		}
		u := &Unit{ID: id, Value: rn, Left: leftID, Right: rightID}
		r.integrate(u)
		r.byID[id] = u
		r.visible++
		r.dirty = true

		op := Op{Kind: OpInsert, ID: id, Value: string(rn), Left: leftID, Right: rightID}
		r.record(op)
		ops = append(ops, op)
		left = u // chain so a typed run stays contiguous
	}
	return ops, nil
}

// DeleteAt tombstones length visible characters starting at pos and returns
// one Delete operation per affected unit. Returns OutOfRangeError unless the
// whole range is currently visible.
func (r *Replica) DeleteAt(pos, length int) ([]Op, error) {
	if pos < 0 || length < 0 || pos+length > r.visible {
		return nil, &OutOfRangeError{Op: "delete", Pos: pos, Length: length, Visible: r.visible}
	}
	if length == 0 {
		return nil, nil
	}

	u := r.visibleAt(pos)
	ops := make([]Op, 0, length)
	for i := 0; i < length; i++ {
		for u.Deleted {
			u = u.next
		}
		id := r.clock.NextID()
		op := Op{Kind: OpDelete, ID: id, Target: idPtr(u.ID)}
		u.Deleted = true
		r.visible--
		r.dirty = true
		r.record(op)
		ops = append(ops, op)
		u = u.next
	}
	return ops, nil
}

// Apply merges one remote operation. Idempotent: duplicates are no-ops.
//
// Ops from a client apply only in per-client seq order, and only once the
// units they reference exist locally; anything early parks in the pending
// set and drains when its dependencies arrive. Only structurally malformed
// operations return an error.
func (r *Replica) Apply(op Op) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.ID.Seq <= r.vector[op.ID.Client] {
		return nil // already applied
	}
	r.park(op)
	r.drain()
	return nil
}

// ApplyAll merges a batch, returning the first structural error while still
// attempting the rest (per-operation isolation).
func (r *Replica) ApplyAll(ops []Op) error {
	var firstErr error
	for _, op := range ops {
		if err := r.Apply(op); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Diff returns every locally known operation not yet covered by the remote
// state vector, grouped per client in seq order. Clients are visited in
// lexicographic order so the result is deterministic.
func (r *Replica) Diff(remote StateVector) []Op {
	clients := make([]ClientID, 0, len(r.log))
	for c := range r.log {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var ops []Op
	for _, c := range clients {
		known := remote[c]
		for _, op := range r.log[c] {
			if op.ID.Seq > known {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

// record registers a locally generated op: log + state vector.
func (r *Replica) record(op Op) {
	c := op.ID.Client
	r.log[c] = append(r.log[c], op)
	r.vector[c] = op.ID.Seq
}

// park inserts op into the client's pending queue, keeping it seq-sorted
// and dropping duplicates.
func (r *Replica) park(op Op) {
	q := r.pending[op.ID.Client]
	i := sort.Search(len(q), func(i int) bool { return q[i].ID.Seq >= op.ID.Seq })
	if i < len(q) && q[i].ID.Seq == op.ID.Seq {
		return // duplicate of a parked op
	}
	q = append(q, Op{})
	copy(q[i+1:], q[i:])
	q[i] = op
	r.pending[op.ID.Client] = q
}

// drain applies parked ops until no further progress is possible. An op is
// ready when it is the next seq for its client and its referenced units
// exist. Applying one op may unblock others (a just-inserted unit can be the
// missing origin or delete target), so we loop to a fixpoint.
func (r *Replica) drain() {
	for progress := true; progress; {
		progress = false
		for c, q := range r.pending {
			for len(q) > 0 {
				next := q[0]
				if next.ID.Seq <= r.vector[c] {
					q = q[1:] // raced duplicate
					progress = true
					continue
				}
				if next.ID.Seq != r.vector[c]+1 || !r.ready(next) {
					break
				}
				q = q[1:]
				r.applyReady(next)
				progress = true
			}
			if len(q) == 0 {
				delete(r.pending, c)
			} else {
				r.pending[c] = q
			}
		}
	}
}

// ready reports whether every unit the op references exists locally.
func (r *Replica) ready(op Op) bool {
	switch op.Kind {
	case OpInsert:
		if op.Left != nil {
			if _, ok := r.byID[*op.Left]; !ok {
				return false
			}
		}
		if op.Right != nil {
			if _, ok := r.byID[*op.Right]; !ok {
				return false
			}
		}
		return true
	case OpDelete:
		_, ok := r.byID[*op.Target]
		return ok
	default:
		return false
	}
}

// applyReady applies an op whose dependencies are satisfied.
func (r *Replica) applyReady(op Op) {
	switch op.Kind {
	case OpInsert:
		u := &Unit{
			ID:    op.ID,
			Value: []rune(op.Value)[0],
			Left:  op.Left,
			Right: op.Right,
		}
		r.integrate(u)
		r.byID[op.ID] = u
		r.visible++
		r.dirty = true
	case OpDelete:
		t := r.byID[*op.Target]
		if !t.Deleted {
			t.Deleted = true
			r.visible--
			r.dirty = true
		}
	}
	c := op.ID.Client
	r.log[c] = append(r.log[c], op)
	r.vector[c] = op.ID.Seq
}

// integrate places u into the sequence using its recorded origins.
//
// The scan walks the region between the origins. A unit already there with
// the same left origin is competing for the same slot: the smaller
// (client, seq) keeps the earlier position. Units hanging off something we
// already scanned past stay where they are; anything else ends the scan.
// The outcome depends only on origins and the ID order, never on arrival
// order, which is the whole convergence argument.
func (r *Replica) integrate(u *Unit) {
	var left *Unit
	if u.Left != nil {
		left = r.byID[*u.Left]
	}
	var right *Unit
	if u.Right != nil {
		right = r.byID[*u.Right]
	}

	var o *Unit
	if left != nil {
		o = left.next
	} else {
		o = r.first
	}

	scanned := make(map[ID]bool)     // everything walked since the origin
	competing := make(map[ID]bool)   // walked since the last accepted left
	for o != nil && o != right {
		scanned[o.ID] = true
		competing[o.ID] = true
		switch {
		case idEqual(o.Left, u.Left):
			if o.ID.Less(u.ID) {
				left = o
				competing = make(map[ID]bool)
			} else if idEqual(o.Right, u.Right) {
				// o wins the slot and shares both origins; we sit directly
				// before it.
				o = nil
				continue
			}
		case o.Left != nil && scanned[*o.Left]:
			if !competing[*o.Left] {
				left = o
				competing = make(map[ID]bool)
			}
		default:
			o = nil
			continue
		}
		o = o.next
	}

	r.linkAfter(u, left)
}

// linkAfter splices u into the list after left (nil = front).
func (r *Replica) linkAfter(u *Unit, left *Unit) {
	if left == nil {
		u.next = r.first
		if r.first != nil {
			r.first.prev = u
		} else {
			r.last = u
		}
		r.first = u
		return
	}
	u.prev = left
	u.next = left.next
	if left.next != nil {
		left.next.prev = u
	} else {
		r.last = u
	}
	left.next = u
}

// visibleAt returns the idx-th visible unit, or nil for idx < 0.
func (r *Replica) visibleAt(idx int) *Unit {
	if idx < 0 {
		return nil
	}
	i := 0
	for u := r.first; u != nil; u = u.next {
		if u.Deleted {
			continue
		}
		if i == idx {
			return u
		}
		i++
	}
	return nil
}

func idPtr(id ID) *ID {
	return &id
}
