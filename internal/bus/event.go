package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace prefix,
// e.g. "transport." receives every transport event.
const (
	KindConversationUpdated = "conversation.updated"
	KindMessageSendAck      = "message.send_ack"
	KindMessageSendFailed   = "message.send_failed"
	KindTransportStatus     = "transport.status_changed"
	KindUnreadChanged       = "unread.changed"
	KindAppForeground       = "app.foreground"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Now wraps a payload into an Event stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
