package syncer

// State is a per-user synchronization state.
type State string

const (
	// StateSynced means durable and cache agree and nothing is queued.
	StateSynced State = "synced"
	// StateDisconnected means offline writes are queued for replay.
	StateDisconnected State = "disconnected"
	// StateReconciling means queued writes are being replayed.
	StateReconciling State = "reconciling"
	// StateConflictDetected means replay found a durable record with a
	// competing mutation; resolution is in progress.
	StateConflictDetected State = "conflict_detected"
)

// transitions is the allowed state graph. Anything not listed is invalid and
// rejected with ErrInvalidTransition.
var transitions = map[State][]State{
	StateSynced:           {StateDisconnected},
	StateDisconnected:     {StateReconciling},
	StateReconciling:      {StateSynced, StateConflictDetected, StateDisconnected},
	StateConflictDetected: {StateSynced},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
