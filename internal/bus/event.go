package bus

import "time"

// Event is a domain event published in-process.
//
// Kinds are dot-namespaced: "rt." for decoded channel pushes, "chat." for
// conversation/message mutations, "call." for call-session changes and
// "notify." for user-facing notifications.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// E builds an event stamped with the current time.
func E(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
