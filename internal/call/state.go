package call

import (
	"fmt"
	"slices"
	"sync"

	"github.com/nmtri/vichat/internal/bus"
)

// State represents a call session lifecycle state.
type State string

const (
	Idle               State = "IDLE"
	AcquiringMedia     State = "ACQUIRING_MEDIA"
	SignalingConnected State = "SIGNALING_CONNECTED"
	Initiating         State = "INITIATING"
	Joining            State = "JOINING"
	InCall             State = "IN_CALL"
	Ended              State = "ENDED"
)

// validTransitions defines allowed state transitions. Media acquisition
// failure does not fork the graph: the session continues to
// SIGNALING_CONNECTED with a nil local stream (degraded continuation).
var validTransitions = map[State][]State{
	Idle:               {AcquiringMedia, Ended},
	AcquiringMedia:     {SignalingConnected, Ended},
	SignalingConnected: {Initiating, Joining, Ended},
	Initiating:         {InCall, Ended},
	Joining:            {InCall, Ended},
	InCall:             {Ended},
	Ended:              {Idle},
}

// Machine tracks and enforces call session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Idle, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid call transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.E("call.state_changed", StateChange{From: from, To: to}))
	}
	return nil
}

// StateChange is the payload for call.state_changed events.
type StateChange struct {
	From State
	To   State
}
