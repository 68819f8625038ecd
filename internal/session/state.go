package session

// State is a session's connection phase.
type State int

const (
	// StateDisconnected is the initial state, before Run connects.
	StateDisconnected State = iota
	// StateHandshaking means the channel is up and state vectors are being
	// exchanged.
	StateHandshaking
	// StateSynced means the replica has converged with the document and live
	// deltas flow both ways.
	StateSynced
	// StateBackoff means the channel failed and the session is waiting to
	// redial.
	StateBackoff
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateSynced:
		return "synced"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
