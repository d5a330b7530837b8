package cache

import (
	"encoding/json"
	"slices"
)

// Direction of a message relative to the local user.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Send status of a message. Undefined is reserved for rows that were never
// locally originated.
const (
	SendStatusUndefined = "undefined"
	SendStatusSending   = "sending"
	SendStatusSent      = "sent"
	SendStatusError     = "error"
)

// Conversation mirrors one server-side conversation. The denormalized
// last-message fields and the three counters are refreshed by independent
// asynchronous tasks and may be transiently inconsistent with each other.
type Conversation struct {
	Sid                 string
	FriendlyName        string
	UniqueName          string
	Attributes          string
	DateCreated         int64
	DateUpdated         int64
	LastMessageBody     string
	LastMessageStatus   string
	LastMessageAt       int64
	ParticipantsCount   int64
	MessagesCount       int64
	UnreadCount         int64
	ParticipatingStatus string
	NotificationLevel   string
}

// MediaState holds the attachment descriptor and transfer progress of a message.
type MediaState struct {
	Filename         string
	ContentType      string
	Size             int64
	LocalURI         string
	UploadProgress   int64
	DownloadProgress int64
	Uploading        bool
	Downloading      bool
}

// Message mirrors one message. UUID is the client-generated correlation id;
// Sid stays empty and Index -1 until the server confirms the message.
type Message struct {
	ID              int64
	ConversationSid string
	Sid             string
	UUID            string
	Author          string
	Body            string
	CreatedAt       int64
	Index           int64
	Attributes      string
	Direction       string
	SendStatus      string
	Media           MediaState
	ErrorCode       int
}

// Confirmed reports whether the row has been reconciled with a server record.
func (m *Message) Confirmed() bool { return m.Sid != "" && m.Index >= 0 }

// Participant mirrors one conversation participant. LastRead fields are nil
// when the unread horizon is unknown.
type Participant struct {
	Sid             string
	Identity        string
	ConversationSid string
	FriendlyName    string
	Online          bool
	LastReadIndex   *int64
	LastReadAt      *int64
	Typing          bool
}

// MessageAttributes is the structured part of a message's opaque attributes
// blob. Reactions maps a reaction kind to the set of identities holding it.
type MessageAttributes struct {
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// ParseMessageAttributes decodes an attributes blob, tolerating empty or
// malformed input (treated as no attributes).
func ParseMessageAttributes(raw string) MessageAttributes {
	var a MessageAttributes
	if raw == "" {
		return a
	}
	_ = json.Unmarshal([]byte(raw), &a)
	return a
}

// Encode serializes the attributes back to their blob form.
func (a MessageAttributes) Encode() string {
	data, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return string(data)
}

// ToggleReaction adds identity to the reaction's holder set if absent, or
// removes it if present. Empty sets are dropped.
func (a *MessageAttributes) ToggleReaction(kind, identity string) {
	if a.Reactions == nil {
		a.Reactions = map[string][]string{}
	}
	holders := a.Reactions[kind]
	if i := slices.Index(holders, identity); i >= 0 {
		holders = slices.Delete(holders, i, i+1)
	} else {
		holders = append(holders, identity)
	}
	if len(holders) == 0 {
		delete(a.Reactions, kind)
	} else {
		a.Reactions[kind] = holders
	}
}
