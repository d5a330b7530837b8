package memory

import (
	"fmt"
	"time"

	"convo/internal/transport"
)

// SeedConversation installs a conversation with participants and messages
// without emitting events, as if it existed before the client connected.
func (c *Client) SeedConversation(cv transport.Conversation, participants []transport.Participant, msgs []transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cv.Sid == "" {
		cv.Sid = newSid("CH")
	}
	if cv.Status == "" {
		cv.Status = transport.StatusJoined
	}
	if cv.NotificationLevel == "" {
		cv.NotificationLevel = transport.NotificationDefault
	}
	rec := &conversation{
		Conversation: cv,
		participants: map[string]*transport.Participant{},
	}
	for i := range participants {
		p := participants[i]
		if p.Sid == "" {
			p.Sid = newSid("MB")
		}
		p.ConversationSid = cv.Sid
		rec.participants[p.Identity] = &p
	}
	for i := range msgs {
		m := msgs[i]
		m.ConversationSid = cv.Sid
		if m.Index >= rec.nextIndex {
			rec.nextIndex = m.Index + 1
		}
		rec.messages = append(rec.messages, m)
	}
	if n := len(rec.messages); n > 0 {
		last := rec.messages[n-1]
		rec.LastMessageBody = last.Body
		rec.LastMessageAt = last.CreatedAt
	}
	c.convs[cv.Sid] = rec
}

// SeedDemo populates a couple of conversations so the demo daemon has
// something to show on first run.
func (c *Client) SeedDemo() {
	base := time.Now().Add(-time.Hour)
	others := []string{"ana", "bruno"}
	for i, other := range others {
		sid := newSid("CH")
		var msgs []transport.Message
		for j := 0; j < 5; j++ {
			author := other
			if j%2 == 1 {
				author = c.identity
			}
			msgs = append(msgs, transport.Message{
				Sid:       newSid("IM"),
				Author:    author,
				Body:      fmt.Sprintf("demo message %d", j),
				Index:     int64(j),
				CreatedAt: base.Add(time.Duration(j) * time.Minute),
			})
		}
		c.SeedConversation(
			transport.Conversation{
				Sid:          sid,
				FriendlyName: fmt.Sprintf("Demo with %s", other),
				UniqueName:   fmt.Sprintf("demo-%d", i),
				DateCreated:  base,
				DateUpdated:  base,
			},
			[]transport.Participant{
				{Identity: c.identity, Online: true},
				{Identity: other, FriendlyName: other},
			},
			msgs,
		)
	}
}
