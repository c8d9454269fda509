package bus

import "time"

// Namespaces group event kinds; subscribe to one to get all of its kinds.
const (
	NamespaceMessage = "message."
	NamespaceSync    = "sync."
	NamespaceSession = "session."
)

// Event kinds published by the messaging core.
const (
	KindMessageReceived = "message.received"
	KindMessageSent     = "message.sent"

	KindSyncStarted = "sync.started"
	KindSyncStopped = "sync.stopped"
	KindSyncCycle   = "sync.cycle"

	KindStatusChanged = "session.status_changed"
	KindSignedOut     = "session.signed_out"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
