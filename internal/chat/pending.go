package chat

import "sync"

// pendingState is the per-temp-id reconciliation state.
type pendingState int

const (
	statePending pendingState = iota
	stateSettled
)

// pendingRegistry tracks optimistic sends awaiting server acknowledgment.
// Two completion paths race for each send (the REST response and the
// channel ack); Settle is the idempotent Pending→Settled transition, so
// whichever path loses the race becomes a no-op. A settled temp id is
// retired but remembered: it must never match a future message.
type pendingRegistry struct {
	mu     sync.Mutex
	states map[string]pendingState
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{states: make(map[string]pendingState)}
}

// Add registers a new pending temp id.
func (r *pendingRegistry) Add(tempID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[tempID] = statePending
}

// Settle transitions tempID to settled. It returns true only on the first
// transition; unknown or already-settled ids return false.
func (r *pendingRegistry) Settle(tempID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[tempID]
	if !ok || st == stateSettled {
		return false
	}
	r.states[tempID] = stateSettled
	return true
}

// IsPending reports whether tempID is known and not yet settled.
func (r *pendingRegistry) IsPending(tempID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[tempID]
	return ok && st == statePending
}
