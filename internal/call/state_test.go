package call

import (
	"testing"

	"github.com/nmtri/vichat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, AcquiringMedia},
		{AcquiringMedia, SignalingConnected},
		{SignalingConnected, Initiating},
		{SignalingConnected, Joining},
		{Initiating, InCall},
		{Joining, InCall},
		{InCall, Ended},
		{Ended, Idle},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(InCall); err == nil {
		t.Error("Transition(IDLE -> IN_CALL) should fail")
	}
	if m.Current() != Idle {
		t.Errorf("state = %s, failed transition must not move", m.Current())
	}
}

// TestDegradedMediaStillReachesSignaling verifies the permission-denied
// path: acquisition failure does not fork the graph, the session proceeds
// to SIGNALING_CONNECTED with no local stream.
func TestDegradedMediaStillReachesSignaling(t *testing.T) {
	m := NewMachine(nil)
	steps := []State{AcquiringMedia, SignalingConnected, Joining, InCall}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

func TestEndedFromEveryLiveState(t *testing.T) {
	for _, from := range []State{Idle, AcquiringMedia, SignalingConnected, Initiating, Joining, InCall} {
		m := NewMachine(nil)
		walkTo(t, m, from)
		if err := m.Transition(Ended); err != nil {
			t.Errorf("Transition(%s -> ENDED) error = %v", from, err)
		}
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("call.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(AcquiringMedia); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != "call.state_changed" {
		t.Errorf("event kind = %q, want call.state_changed", evt.Kind)
	}
	change, ok := evt.Payload.(StateChange)
	if !ok {
		t.Fatalf("payload type = %T, want StateChange", evt.Payload)
	}
	if change.From != Idle || change.To != AcquiringMedia {
		t.Errorf("change = %v -> %v, want IDLE -> ACQUIRING_MEDIA", change.From, change.To)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:               {},
		AcquiringMedia:     {AcquiringMedia},
		SignalingConnected: {AcquiringMedia, SignalingConnected},
		Initiating:         {AcquiringMedia, SignalingConnected, Initiating},
		Joining:            {AcquiringMedia, SignalingConnected, Joining},
		InCall:             {AcquiringMedia, SignalingConnected, Joining, InCall},
		Ended:              {Ended},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
