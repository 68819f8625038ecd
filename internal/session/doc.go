// Package session drives one participant's live connection to a document.
//
// ARCHITECTURE
//
// A Session owns a replica, an awareness tracker, and a dialer, and runs a
// connect / handshake / stream / backoff loop until closed:
//
//	Disconnected -> Handshaking -> Synced
//	      ^                          |
//	      +-------- Backoff <--------+   (channel failure)
//
// Run is the single consumer of the channel. Local edits (Insert, Delete,
// PublishAwareness) may be called from any goroutine; they apply to the
// replica immediately, never block on the network, and are broadcast when a
// channel is up. Edits made while disconnected are not queued anywhere:
// the replica's log is the queue, and the state-vector handshake on
// reconnect resends exactly the operations the other side is missing.
//
// CRITICAL PATTERNS
//
// Handshake: on connect the session sends its state vector. A received
// vector is answered with the operations it is missing, plus our own vector
// once (the reply flag stops the exchange from ping-ponging). A session
// alone in a document sees no vector at all; the handshake timeout promotes
// it to Synced so it does not wait forever.
//
// Backoff: reconnect delays grow exponentially between attempts and reset
// after a successful connect. Close cancels an in-progress wait immediately.
package session
