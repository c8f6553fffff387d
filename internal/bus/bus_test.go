package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnEstablished, Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindConnEstablished {
			t.Errorf("got kind %q, want %q", evt.Kind, KindConnEstablished)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Publish should fill a zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnClosed})
	b.Publish(Event{Kind: KindMessageUpserted})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the conn event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	unsub()

	b.Publish(Event{Kind: KindChatUpdated})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestDropNewOnFullBuffer pins the documented overflow policy: when a
// subscriber's buffer is full the newest event is dropped, never the oldest.
func TestDropNewOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("typing.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindTypingIndicator, Payload: "first"})
	b.Publish(Event{Kind: KindTypingIndicator, Payload: "second"})

	evt := <-ch
	if evt.Payload != "first" {
		t.Errorf("got payload %v, want first (drop-new policy)", evt.Payload)
	}
	select {
	case evt := <-ch:
		t.Errorf("second event should have been dropped, got %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
