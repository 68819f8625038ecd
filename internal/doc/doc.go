// Package doc implements the replicated document sequence at the heart of
// coedit.
//
// Each participant holds a Replica: an ordered sequence of Units (one per
// character), including tombstones for deleted characters. Units are
// addressed by an ID of (client, seq), where every client owns its own
// monotonic counter - there is no shared counter and no coordination step,
// which is what makes concurrent generation conflict-free.
//
// ARCHITECTURE:
//
// Single-Writer Replica:
// A Replica is not thread-safe by itself. Local edits and remote applies for
// one document must be serialized by the caller (the session loop does this).
// Separate documents are fully independent.
//
// Placement Rule:
// A Unit records the IDs of its left and right neighbors at creation time.
// Integration places the Unit between those origins; among units competing
// for the same slot, (client, seq) ascending wins the earlier position.
// Placement depends only on recorded origins and that total order - never on
// arrival order or wall-clock time - so replicas that received the same set
// of operations hold bit-identical sequences.
//
// CRITICAL PATTERNS:
//
// Contiguous Apply:
// Remote operations from a client are applied in per-client seq order.
// Operations that arrive early (out of causal order, or referencing units
// not yet present) park in a pending set and drain once their dependencies
// arrive. This keeps the state vector's "highest seq received" equivalent to
// "set of operations received", which Diff depends on.
//
// Tombstones:
// Deleted units are marked, never removed. Concurrent inserts may still cite
// them as origins, so removal would break placement.
package doc
