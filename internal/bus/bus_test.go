package bus

import (
	"testing"
	"time"
)

func recvOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func assertQuiet(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageChanged, Timestamp: time.Now(), Payload: "CH123"})

	evt := recvOne(t, ch)
	if evt.Kind != KindMessageChanged {
		t.Errorf("got kind %q, want %q", evt.Kind, KindMessageChanged)
	}
	if evt.Payload != "CH123" {
		t.Errorf("payload = %v, want CH123", evt.Payload)
	}
}

// A "cache." subscriber (a read-model stream) must not see send
// acknowledgements, which live under "repo.".
func TestNamespaceFiltering(t *testing.T) {
	b := New()
	cacheCh, unsubCache := b.Subscribe("cache.", 10)
	defer unsubCache()
	sendCh, unsubSend := b.Subscribe("repo.", 10)
	defer unsubSend()

	b.Publish(Event{Kind: KindSendAck, Payload: "uuid-1"})
	b.Publish(Event{Kind: KindMessageChanged, Payload: "CH123"})

	if evt := recvOne(t, cacheCh); evt.Kind != KindMessageChanged {
		t.Errorf("cache subscriber got %q, want %q", evt.Kind, KindMessageChanged)
	}
	if evt := recvOne(t, sendCh); evt.Kind != KindSendAck {
		t.Errorf("repo subscriber got %q, want %q", evt.Kind, KindSendAck)
	}
	assertQuiet(t, cacheCh)
	assertQuiet(t, sendCh)
}

// The empty namespace matches everything; the websocket event feed relies on
// this to mirror the whole bus.
func TestEmptyNamespaceMatchesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	kinds := []string{KindConversationChanged, KindSendFailed, KindStatusChanged}
	for _, k := range kinds {
		b.Publish(Event{Kind: k})
	}
	for _, want := range kinds {
		if evt := recvOne(t, ch); evt.Kind != want {
			t.Errorf("got %q, want %q", evt.Kind, want)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()

	b.Publish(Event{Kind: KindSignedOut})
	assertQuiet(t, ch)
}

// Publish never blocks on a full subscriber; the overflow is dropped so a
// stalled consumer cannot back up the cache-write path.
func TestSlowSubscriberDropsOverflow(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindMessageChanged, Payload: "first"})
	b.Publish(Event{Kind: KindMessageChanged, Payload: "second"})

	evt := recvOne(t, ch)
	if evt.Payload != "first" {
		t.Errorf("payload = %v, want first", evt.Payload)
	}
	assertQuiet(t, ch)
}
