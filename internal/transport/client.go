package transport

import (
	"context"
	"time"
)

// ParticipatingStatus describes whether the local user is joined to a conversation.
type ParticipatingStatus string

const (
	StatusJoined           ParticipatingStatus = "joined"
	StatusNotParticipating ParticipatingStatus = "not_participating"
)

// NotificationLevel is a conversation's push notification setting.
type NotificationLevel string

const (
	NotificationDefault NotificationLevel = "default"
	NotificationMuted   NotificationLevel = "muted"
)

// ConversationSummary is the shallow listing entry returned by ListConversations.
type ConversationSummary struct {
	Sid          string
	FriendlyName string
}

// Conversation is the full server-side view of a conversation.
type Conversation struct {
	Sid               string
	FriendlyName      string
	UniqueName        string
	Attributes        string // opaque JSON
	DateCreated       time.Time
	DateUpdated       time.Time
	LastMessageBody   string
	LastMessageAt     time.Time
	Status            ParticipatingStatus
	NotificationLevel NotificationLevel
	ParticipantsCount int64
	MessagesCount     int64
	UnreadCount       int64
}

// Media describes an attachment on a message.
type Media struct {
	Filename    string
	ContentType string
	Size        int64
}

// Message is the server-side view of a message. UUID is echoed back from
// SendMessage requests so the client can reconcile its optimistic row; it is
// empty for messages authored elsewhere.
type Message struct {
	Sid             string
	UUID            string
	ConversationSid string
	Author          string
	Body            string
	Index           int64
	CreatedAt       time.Time
	Attributes      string // opaque JSON
	Media           *Media
}

// Participant is the server-side view of a conversation participant.
type Participant struct {
	Sid             string
	Identity        string
	ConversationSid string
	FriendlyName    string
	Online          bool
	LastReadIndex   *int64
	LastReadAt      *time.Time
}

// SendRequest carries an outbound message. UUID is the client correlation id.
type SendRequest struct {
	ConversationSid string
	UUID            string
	Body            string
	Attributes      string
	Media           *Media
}

// Client is the capability contract of the external real-time conversations
// service. The wire protocol, auth handshake, retries and delivery ordering
// all live behind this interface; implementations must deliver every event
// at least once with no cross-entity ordering guarantee.
type Client interface {
	// Open authenticates with the given access token and starts event delivery.
	Open(ctx context.Context, token string) error
	// Close terminates the connection and closes the event channel.
	Close() error
	// Events returns the push event stream. A single consumer loop is expected.
	Events() <-chan Event

	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	GetConversationDetail(ctx context.Context, sid string) (*Conversation, error)
	ListParticipants(ctx context.Context, sid string) ([]Participant, error)
	FetchRecentMessages(ctx context.Context, sid string, count int) ([]Message, error)
	FetchMessagesBefore(ctx context.Context, sid string, beforeIndex int64, count int) ([]Message, error)
	MessagesCount(ctx context.Context, sid string) (int64, error)
	ParticipantsCount(ctx context.Context, sid string) (int64, error)
	UnreadCount(ctx context.Context, sid string) (int64, error)

	SendMessage(ctx context.Context, req SendRequest) (*Message, error)
	SetMessageAttributes(ctx context.Context, conversationSid, messageSid, attributes string) error
	CreateConversation(ctx context.Context, friendlyName string) (*Conversation, error)
	JoinConversation(ctx context.Context, sid string) error
	LeaveConversation(ctx context.Context, sid string) error
	DestroyConversation(ctx context.Context, sid string) error
	MuteConversation(ctx context.Context, sid string) error
	UnmuteConversation(ctx context.Context, sid string) error
	RenameConversation(ctx context.Context, sid, friendlyName string) error
	AddParticipant(ctx context.Context, sid, identity string) error
	RemoveParticipant(ctx context.Context, sid, identity string) error
	SetTyping(ctx context.Context, sid string, typing bool) error
	SetFriendlyName(ctx context.Context, name string) error
}
