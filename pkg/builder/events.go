package builder

// EventType distinguishes build lifecycle events.
type EventType int

const (
	// EventPayloadAttributes is emitted when new payload attributes arrive from the consensus layer.
	EventPayloadAttributes EventType = iota
	// EventPayloadResolved is emitted when a build has been resolved and its job removed.
	EventPayloadResolved
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventPayloadAttributes:
		return "payload_attributes"
	case EventPayloadResolved:
		return "payload_resolved"
	default:
		return "unknown"
	}
}

// Event is a build lifecycle event.
type Event struct {
	Type EventType

	// Attributes is set for EventPayloadAttributes.
	Attributes *Attributes

	// PayloadID is set for EventPayloadResolved.
	PayloadID PayloadID
}
