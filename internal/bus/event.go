package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Kinds published by the cache-synchronization side. Read-model streams and
// the websocket API subscribe by namespace prefix ("cache.", "repo.", ...).
const (
	KindConversationChanged = "cache.conversation"
	KindMessageChanged      = "cache.message"
	KindParticipantChanged  = "cache.participant"
	KindTypingChanged       = "cache.typing"

	KindSendAck    = "repo.send_ack"
	KindSendFailed = "repo.send_failed"

	KindStatusChanged = "session.status_changed"
	KindSignedOut     = "session.signed_out"
)
