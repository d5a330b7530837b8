// Package memory implements transport.Client against in-process state. It
// backs the demo daemon and every repository test: operations mutate a local
// model of the remote service and emit the same push events a real connection
// would deliver. Error injection and call counting hooks make it scriptable.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"convo/internal/transport"
)

// Operation names accepted by the error-injection and call-count hooks.
const (
	OpListConversations     = "ListConversations"
	OpGetConversationDetail = "GetConversationDetail"
	OpListParticipants      = "ListParticipants"
	OpFetchRecentMessages   = "FetchRecentMessages"
	OpFetchMessagesBefore   = "FetchMessagesBefore"
	OpMessagesCount         = "MessagesCount"
	OpParticipantsCount     = "ParticipantsCount"
	OpUnreadCount           = "UnreadCount"
	OpSendMessage           = "SendMessage"
	OpSetMessageAttributes  = "SetMessageAttributes"
	OpCreateConversation    = "CreateConversation"
	OpJoinConversation      = "JoinConversation"
	OpLeaveConversation     = "LeaveConversation"
	OpDestroyConversation   = "DestroyConversation"
	OpMuteConversation      = "MuteConversation"
	OpUnmuteConversation    = "UnmuteConversation"
	OpRenameConversation    = "RenameConversation"
	OpAddParticipant        = "AddParticipant"
	OpRemoveParticipant     = "RemoveParticipant"
	OpSetTyping             = "SetTyping"
	OpSetFriendlyName       = "SetFriendlyName"
)

type conversation struct {
	transport.Conversation
	participants map[string]*transport.Participant // keyed by identity
	messages     []transport.Message               // ascending by index
	nextIndex    int64
}

// Client is an in-memory transport.Client.
type Client struct {
	mu       sync.Mutex
	identity string
	open     bool
	closed   bool
	events   chan transport.Event
	convs    map[string]*conversation
	failures map[string]error
	oneShot  map[string][]error
	calls    map[string]int
}

var _ transport.Client = (*Client)(nil)

// New creates an in-memory client acting as the given user identity.
func New(identity string) *Client {
	return &Client{
		identity: identity,
		events:   make(chan transport.Event, 256),
		convs:    make(map[string]*conversation),
		failures: make(map[string]error),
		oneShot:  make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Identity returns the local user identity.
func (c *Client) Identity() string { return c.identity }

// Open marks the client connected and emits a connection event.
func (c *Client) Open(_ context.Context, token string) error {
	c.mu.Lock()
	if token == "" {
		c.mu.Unlock()
		c.emit(transport.Event{Kind: transport.EventConnStateChanged, ConnState: transport.ConnDenied})
		return fmt.Errorf("empty access token")
	}
	c.open = true
	c.mu.Unlock()
	c.emit(transport.Event{Kind: transport.EventConnStateChanged, ConnState: transport.ConnConnected})
	return nil
}

// Close terminates the client and closes the event channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.open = false
	c.closed = true
	close(c.events)
	return nil
}

// Events returns the push event stream.
func (c *Client) Events() <-chan transport.Event { return c.events }

// FailWith makes op fail with err on every call until cleared with a nil err.
func (c *Client) FailWith(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// FailNext makes the next call to op fail with err (FIFO if called repeatedly).
func (c *Client) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.oneShot[op] = append(c.oneShot[op], err)
}

// Calls reports how many times op was invoked.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// EmitEvent injects a raw push event, modeling server-initiated delivery.
func (c *Client) EmitEvent(evt transport.Event) { c.emit(evt) }

// begin records the call and returns an injected error, if any. Caller must
// hold the lock.
func (c *Client) begin(op string) error {
	c.calls[op]++
	if errs := c.oneShot[op]; len(errs) > 0 {
		err := errs[0]
		c.oneShot[op] = errs[1:]
		return err
	}
	return c.failures[op]
}

func (c *Client) emit(evt transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- evt:
	default:
	}
}

func (c *Client) ListConversations(_ context.Context) ([]transport.ConversationSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpListConversations); err != nil {
		return nil, err
	}
	var out []transport.ConversationSummary
	for _, cv := range c.convs {
		if cv.Status == transport.StatusJoined {
			out = append(out, transport.ConversationSummary{Sid: cv.Sid, FriendlyName: cv.FriendlyName})
		}
	}
	return out, nil
}

func (c *Client) GetConversationDetail(_ context.Context, sid string) (*transport.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpGetConversationDetail); err != nil {
		return nil, err
	}
	cv, ok := c.convs[sid]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", sid)
	}
	detail := c.snapshotLocked(cv)
	return &detail, nil
}

func (c *Client) ListParticipants(_ context.Context, sid string) ([]transport.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpListParticipants); err != nil {
		return nil, err
	}
	cv, ok := c.convs[sid]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", sid)
	}
	var out []transport.Participant
	for _, p := range cv.participants {
		out = append(out, *p)
	}
	return out, nil
}

func (c *Client) FetchRecentMessages(_ context.Context, sid string, count int) ([]transport.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpFetchRecentMessages); err != nil {
		return nil, err
	}
	cv, ok := c.convs[sid]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", sid)
	}
	msgs := cv.messages
	if len(msgs) > count {
		msgs = msgs[len(msgs)-count:]
	}
	return append([]transport.Message(nil), msgs...), nil
}

func (c *Client) FetchMessagesBefore(_ context.Context, sid string, beforeIndex int64, count int) ([]transport.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpFetchMessagesBefore); err != nil {
		return nil, err
	}
	cv, ok := c.convs[sid]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", sid)
	}
	var page []transport.Message
	for _, m := range cv.messages {
		if m.Index <= beforeIndex {
			page = append(page, m)
		}
	}
	if len(page) > count {
		page = page[len(page)-count:]
	}
	return page, nil
}

func (c *Client) MessagesCount(_ context.Context, sid string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpMessagesCount); err != nil {
		return 0, err
	}
	cv, ok := c.convs[sid]
	if !ok {
		return 0, fmt.Errorf("conversation %s not found", sid)
	}
	return int64(len(cv.messages)), nil
}

func (c *Client) ParticipantsCount(_ context.Context, sid string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpParticipantsCount); err != nil {
		return 0, err
	}
	cv, ok := c.convs[sid]
	if !ok {
		return 0, fmt.Errorf("conversation %s not found", sid)
	}
	return int64(len(cv.participants)), nil
}

func (c *Client) UnreadCount(_ context.Context, sid string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpUnreadCount); err != nil {
		return 0, err
	}
	cv, ok := c.convs[sid]
	if !ok {
		return 0, fmt.Errorf("conversation %s not found", sid)
	}
	return c.unreadLocked(cv), nil
}

func (c *Client) SendMessage(_ context.Context, req transport.SendRequest) (*transport.Message, error) {
	c.mu.Lock()
	if err := c.begin(OpSendMessage); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	cv, ok := c.convs[req.ConversationSid]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("conversation %s not found", req.ConversationSid)
	}
	msg := transport.Message{
		Sid:             newSid("IM"),
		UUID:            req.UUID,
		ConversationSid: req.ConversationSid,
		Author:          c.identity,
		Body:            req.Body,
		Index:           cv.nextIndex,
		CreatedAt:       time.Now(),
		Attributes:      req.Attributes,
		Media:           req.Media,
	}
	cv.nextIndex++
	cv.messages = append(cv.messages, msg)
	cv.LastMessageBody = msg.Body
	cv.LastMessageAt = msg.CreatedAt
	cv.DateUpdated = msg.CreatedAt
	out := msg
	c.mu.Unlock()
	c.emit(transport.Event{Kind: transport.EventMessageAdded, Message: &msg})
	return &out, nil
}

func (c *Client) SetMessageAttributes(_ context.Context, conversationSid, messageSid, attributes string) error {
	c.mu.Lock()
	if err := c.begin(OpSetMessageAttributes); err != nil {
		c.mu.Unlock()
		return err
	}
	cv, ok := c.convs[conversationSid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("conversation %s not found", conversationSid)
	}
	for i := range cv.messages {
		if cv.messages[i].Sid == messageSid {
			cv.messages[i].Attributes = attributes
			updated := cv.messages[i]
			c.mu.Unlock()
			c.emit(transport.Event{Kind: transport.EventMessageUpdated, Message: &updated})
			return nil
		}
	}
	c.mu.Unlock()
	return fmt.Errorf("message %s not found in %s", messageSid, conversationSid)
}

func (c *Client) CreateConversation(_ context.Context, friendlyName string) (*transport.Conversation, error) {
	c.mu.Lock()
	if err := c.begin(OpCreateConversation); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	cv := &conversation{
		Conversation: transport.Conversation{
			Sid:               newSid("CH"),
			FriendlyName:      friendlyName,
			DateCreated:       now,
			DateUpdated:       now,
			Status:            transport.StatusJoined,
			NotificationLevel: transport.NotificationDefault,
		},
		participants: map[string]*transport.Participant{},
	}
	cv.participants[c.identity] = &transport.Participant{
		Sid:             newSid("MB"),
		Identity:        c.identity,
		ConversationSid: cv.Sid,
		Online:          true,
	}
	c.convs[cv.Sid] = cv
	detail := c.snapshotLocked(cv)
	c.mu.Unlock()
	c.emit(transport.Event{Kind: transport.EventConversationAdded, Conversation: &detail})
	return &detail, nil
}

func (c *Client) JoinConversation(_ context.Context, sid string) error {
	return c.mutateConversation(OpJoinConversation, sid, func(cv *conversation) {
		cv.Status = transport.StatusJoined
		if _, ok := cv.participants[c.identity]; !ok {
			cv.participants[c.identity] = &transport.Participant{
				Sid:             newSid("MB"),
				Identity:        c.identity,
				ConversationSid: cv.Sid,
				Online:          true,
			}
		}
	})
}

func (c *Client) LeaveConversation(_ context.Context, sid string) error {
	return c.mutateConversation(OpLeaveConversation, sid, func(cv *conversation) {
		cv.Status = transport.StatusNotParticipating
		delete(cv.participants, c.identity)
	})
}

func (c *Client) DestroyConversation(_ context.Context, sid string) error {
	c.mu.Lock()
	if err := c.begin(OpDestroyConversation); err != nil {
		c.mu.Unlock()
		return err
	}
	cv, ok := c.convs[sid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("conversation %s not found", sid)
	}
	detail := c.snapshotLocked(cv)
	delete(c.convs, sid)
	c.mu.Unlock()
	c.emit(transport.Event{Kind: transport.EventConversationDeleted, Conversation: &detail})
	return nil
}

func (c *Client) MuteConversation(_ context.Context, sid string) error {
	return c.mutateConversation(OpMuteConversation, sid, func(cv *conversation) {
		cv.NotificationLevel = transport.NotificationMuted
	})
}

func (c *Client) UnmuteConversation(_ context.Context, sid string) error {
	return c.mutateConversation(OpUnmuteConversation, sid, func(cv *conversation) {
		cv.NotificationLevel = transport.NotificationDefault
	})
}

func (c *Client) RenameConversation(_ context.Context, sid, friendlyName string) error {
	return c.mutateConversation(OpRenameConversation, sid, func(cv *conversation) {
		cv.FriendlyName = friendlyName
		cv.DateUpdated = time.Now()
	})
}

func (c *Client) AddParticipant(_ context.Context, sid, identity string) error {
	c.mu.Lock()
	if err := c.begin(OpAddParticipant); err != nil {
		c.mu.Unlock()
		return err
	}
	cv, ok := c.convs[sid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("conversation %s not found", sid)
	}
	if _, exists := cv.participants[identity]; exists {
		c.mu.Unlock()
		return fmt.Errorf("identity %s already in %s", identity, sid)
	}
	p := &transport.Participant{
		Sid:             newSid("MB"),
		Identity:        identity,
		ConversationSid: sid,
	}
	cv.participants[identity] = p
	snapshot := *p
	c.mu.Unlock()
	c.emit(transport.Event{Kind: transport.EventParticipantAdded, Participant: &snapshot})
	return nil
}

func (c *Client) RemoveParticipant(_ context.Context, sid, identity string) error {
	c.mu.Lock()
	if err := c.begin(OpRemoveParticipant); err != nil {
		c.mu.Unlock()
		return err
	}
	cv, ok := c.convs[sid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("conversation %s not found", sid)
	}
	p, exists := cv.participants[identity]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("identity %s not in %s", identity, sid)
	}
	snapshot := *p
	delete(cv.participants, identity)
	c.mu.Unlock()
	c.emit(transport.Event{Kind: transport.EventParticipantDeleted, Participant: &snapshot})
	return nil
}

func (c *Client) SetTyping(_ context.Context, sid string, typing bool) error {
	c.mu.Lock()
	if err := c.begin(OpSetTyping); err != nil {
		c.mu.Unlock()
		return err
	}
	cv, ok := c.convs[sid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("conversation %s not found", sid)
	}
	p, exists := cv.participants[c.identity]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("not a participant of %s", sid)
	}
	snapshot := *p
	c.mu.Unlock()
	kind := transport.EventTypingEnded
	if typing {
		kind = transport.EventTypingStarted
	}
	c.emit(transport.Event{Kind: kind, Participant: &snapshot})
	return nil
}

func (c *Client) SetFriendlyName(_ context.Context, name string) error {
	c.mu.Lock()
	if err := c.begin(OpSetFriendlyName); err != nil {
		c.mu.Unlock()
		return err
	}
	var updated []transport.Participant
	for _, cv := range c.convs {
		if p, ok := cv.participants[c.identity]; ok {
			p.FriendlyName = name
			updated = append(updated, *p)
		}
	}
	c.mu.Unlock()
	for i := range updated {
		c.emit(transport.Event{Kind: transport.EventParticipantUpdated, Participant: &updated[i]})
	}
	return nil
}

func (c *Client) mutateConversation(op, sid string, fn func(cv *conversation)) error {
	c.mu.Lock()
	if err := c.begin(op); err != nil {
		c.mu.Unlock()
		return err
	}
	cv, ok := c.convs[sid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("conversation %s not found", sid)
	}
	fn(cv)
	detail := c.snapshotLocked(cv)
	c.mu.Unlock()
	c.emit(transport.Event{Kind: transport.EventConversationUpdated, Conversation: &detail})
	return nil
}

// snapshotLocked returns the conversation with derived counters filled in.
func (c *Client) snapshotLocked(cv *conversation) transport.Conversation {
	out := cv.Conversation
	out.ParticipantsCount = int64(len(cv.participants))
	out.MessagesCount = int64(len(cv.messages))
	out.UnreadCount = c.unreadLocked(cv)
	return out
}

func (c *Client) unreadLocked(cv *conversation) int64 {
	self, ok := cv.participants[c.identity]
	if !ok || self.LastReadIndex == nil {
		return int64(len(cv.messages))
	}
	var n int64
	for _, m := range cv.messages {
		if m.Index > *self.LastReadIndex {
			n++
		}
	}
	return n
}

func newSid(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}
