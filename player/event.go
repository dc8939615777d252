package player

import "fmt"

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// EventMessage carries a decoded message occurrence.
	EventMessage EventKind = iota
	// EventStamp is a bare time marker: the source has no more messages before Time.
	EventStamp
	// EventAlert carries a non-fatal problem found while decoding.
	EventAlert
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventStamp:
		return "stamp"
	case EventAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// MessageEvent is one message read from a log.
type MessageEvent struct {
	Topic       string
	SchemaName  string
	ReceiveTime Time
	PublishTime Time
	Payload     []byte
	SizeInBytes int64 // Decoded size used for cache accounting; len(Payload) when zero.
	SourceID    string
}

// Size returns the number of bytes the message is accounted for in the cache.
func (m *MessageEvent) Size() int64 {
	if m.SizeInBytes > 0 {
		return m.SizeInBytes
	}
	return int64(len(m.Payload))
}

func (m MessageEvent) String() string {
	return fmt.Sprintf("MessageEvent: (Topic: %s, ReceiveTime: %v, Size: %d, Source: %s)", m.Topic, m.ReceiveTime, m.Size(), m.SourceID)
}

// Event is the unit yielded by an Iterator. Ordering key is Time.
type Event struct {
	Kind    EventKind
	Time    Time
	Message *MessageEvent // set when Kind == EventMessage
	Alert   *Alert        // set when Kind == EventAlert
}

// NewMessageEvent wraps msg as an Event ordered by its receive time.
func NewMessageEvent(msg MessageEvent) Event {
	return Event{Kind: EventMessage, Time: msg.ReceiveTime, Message: &msg}
}

// NewStampEvent returns a bare time marker.
func NewStampEvent(t Time) Event {
	return Event{Kind: EventStamp, Time: t}
}

// NewAlertEvent returns an in-stream alert positioned at t.
func NewAlertEvent(t Time, alert Alert) Event {
	return Event{Kind: EventAlert, Time: t, Alert: &alert}
}
