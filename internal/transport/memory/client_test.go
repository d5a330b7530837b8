package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"convo/internal/transport"
)

func TestOpenEmitsConnected(t *testing.T) {
	c := New("me")
	if err := c.Open(context.Background(), "token"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	evt := waitEvent(t, c.Events())
	if evt.Kind != transport.EventConnStateChanged || evt.ConnState != transport.ConnConnected {
		t.Errorf("event = %+v, want connected", evt)
	}
}

func TestOpenEmptyTokenDenied(t *testing.T) {
	c := New("me")
	if err := c.Open(context.Background(), ""); err == nil {
		t.Fatal("Open() with empty token should fail")
	}
	evt := waitEvent(t, c.Events())
	if evt.ConnState != transport.ConnDenied {
		t.Errorf("conn state = %s, want denied", evt.ConnState)
	}
}

func TestSendMessageAssignsIndexAndEchoesUUID(t *testing.T) {
	c := New("me")
	c.SeedConversation(transport.Conversation{Sid: "CH1"}, []transport.Participant{{Identity: "me"}}, nil)

	first, err := c.SendMessage(context.Background(), transport.SendRequest{ConversationSid: "CH1", UUID: "u1", Body: "one"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.SendMessage(context.Background(), transport.SendRequest{ConversationSid: "CH1", UUID: "u2", Body: "two"})
	if err != nil {
		t.Fatal(err)
	}

	if first.UUID != "u1" || second.UUID != "u2" {
		t.Error("uuid not echoed back")
	}
	if first.Index != 0 || second.Index != 1 {
		t.Errorf("indexes = %d, %d; want 0, 1", first.Index, second.Index)
	}
	if first.Sid == "" || first.Sid == second.Sid {
		t.Error("server sids must be unique and non-empty")
	}

	evt := waitEvent(t, c.Events())
	if evt.Kind != transport.EventMessageAdded || evt.Message.UUID != "u1" {
		t.Errorf("event = %+v, want message.added for u1", evt)
	}
}

func TestFailNextInjectsOnce(t *testing.T) {
	c := New("me")
	c.SeedConversation(transport.Conversation{Sid: "CH1"}, nil, nil)
	injected := errors.New("boom")
	c.FailNext(OpGetConversationDetail, injected)

	if _, err := c.GetConversationDetail(context.Background(), "CH1"); !errors.Is(err, injected) {
		t.Fatalf("first call error = %v, want injected", err)
	}
	if _, err := c.GetConversationDetail(context.Background(), "CH1"); err != nil {
		t.Fatalf("second call error = %v, want nil", err)
	}
	if n := c.Calls(OpGetConversationDetail); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestFetchMessagesBeforeRespectsBoundary(t *testing.T) {
	c := New("me")
	var msgs []transport.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, transport.Message{Sid: newSid("IM"), Index: int64(i), Body: "m"})
	}
	c.SeedConversation(transport.Conversation{Sid: "CH1"}, nil, msgs)

	page, err := c.FetchMessagesBefore(context.Background(), "CH1", 4, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 {
		t.Fatalf("page size = %d, want 3", len(page))
	}
	for _, m := range page {
		if m.Index > 4 {
			t.Errorf("message index %d beyond boundary 4", m.Index)
		}
	}
	if page[len(page)-1].Index != 4 {
		t.Errorf("last index = %d, want 4", page[len(page)-1].Index)
	}
}

func TestListConversationsOnlyJoined(t *testing.T) {
	c := New("me")
	c.SeedConversation(transport.Conversation{Sid: "CH1", Status: transport.StatusJoined}, nil, nil)
	c.SeedConversation(transport.Conversation{Sid: "CH2", Status: transport.StatusNotParticipating}, nil, nil)

	out, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Sid != "CH1" {
		t.Errorf("list = %+v, want only CH1", out)
	}
}

func TestUnreadCountFromLastRead(t *testing.T) {
	c := New("me")
	idx := int64(2)
	var msgs []transport.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, transport.Message{Sid: newSid("IM"), Index: int64(i)})
	}
	c.SeedConversation(transport.Conversation{Sid: "CH1"},
		[]transport.Participant{{Identity: "me", LastReadIndex: &idx}}, msgs)

	n, err := c.UnreadCount(context.Background(), "CH1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("unread = %d, want 2 (indexes 3 and 4)", n)
	}
}

func waitEvent(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return transport.Event{}
	}
}
