package bus

import "time"

// Event kinds published by the daemon. Subscribers filter by namespace
// prefix ("stream.", "message.", "call.", "session.").
const (
	KindStreamMessageInserted = "stream.message_inserted"
	KindStreamMessageUpdated  = "stream.message_updated"
	KindStreamPresenceState   = "stream.presence_state"
	KindStreamPresenceJoin    = "stream.presence_join"
	KindStreamPresenceLeave   = "stream.presence_leave"

	KindConversationOpened = "message.conversation_opened"
	KindMessageSendFailed  = "message.send_failed"
	KindMessageSendAck     = "message.send_ack"
	KindUnreadChanged      = "message.unread_changed"

	KindPresenceChanged = "presence.changed"

	KindCallPhaseChanged = "call.phase_changed"
	KindCallIncoming     = "call.incoming"
	KindCallFailed       = "call.failed"
	KindCallCancelled    = "call.cancelled"

	KindStatusChanged  = "session.status_changed"
	KindProfileUpdated = "session.profile_updated"
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
