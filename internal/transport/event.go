package transport

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventConversationAdded   EventKind = "conversation.added"
	EventConversationUpdated EventKind = "conversation.updated"
	EventConversationDeleted EventKind = "conversation.deleted"
	EventConversationSynced  EventKind = "conversation.sync_changed"

	EventParticipantAdded   EventKind = "participant.added"
	EventParticipantUpdated EventKind = "participant.updated"
	EventParticipantDeleted EventKind = "participant.deleted"
	EventTypingStarted      EventKind = "participant.typing_started"
	EventTypingEnded        EventKind = "participant.typing_ended"

	EventMessageAdded   EventKind = "message.added"
	EventMessageUpdated EventKind = "message.updated"
	EventMessageDeleted EventKind = "message.deleted"

	EventConnStateChanged EventKind = "connection.state_changed"
)

// ConnState is the connection substate carried by EventConnStateChanged.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnDenied       ConnState = "denied"
)

// Event is the tagged union delivered on the push stream. Exactly one of the
// entity pointers matching Kind is set.
type Event struct {
	Kind         EventKind
	Conversation *Conversation
	Participant  *Participant
	Message      *Message
	ConnState    ConnState
}
