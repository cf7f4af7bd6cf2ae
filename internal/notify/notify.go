package notify

import "github.com/nmtri/vichat/internal/bus"

// Level classifies a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Flash is a transient, dismissible notification for the UI layer.
type Flash struct {
	Level Level
	Text  string
}

// Notifier publishes flashes on the bus under the "notify." namespace.
// Every recoverable error in the sync and call clients goes through here
// so the UI never silently swallows a failure.
type Notifier struct {
	bus *bus.Bus
}

// New creates a notifier backed by the given bus.
func New(b *bus.Bus) *Notifier {
	return &Notifier{bus: b}
}

// Error publishes an error-level flash. Safe on a nil receiver.
func (n *Notifier) Error(text string) {
	n.publish(LevelError, text)
}

// Info publishes an info-level flash. Safe on a nil receiver.
func (n *Notifier) Info(text string) {
	n.publish(LevelInfo, text)
}

func (n *Notifier) publish(level Level, text string) {
	if n == nil || n.bus == nil {
		return
	}
	n.bus.Publish(bus.E("notify."+string(level), Flash{Level: level, Text: text}))
}
