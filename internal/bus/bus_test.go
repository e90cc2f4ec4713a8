package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConversationUpdated, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindConversationUpdated {
			t.Errorf("got kind %q, want %q", evt.Kind, KindConversationUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConversationUpdated})
	b.Publish(Event{Kind: KindTransportStatus})

	select {
	case evt := <-ch:
		if evt.Kind != KindTransportStatus {
			t.Errorf("got kind %q, want %q", evt.Kind, KindTransportStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the conversation event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("unread.", 10)
	unsub()

	b.Publish(Event{Kind: KindUnreadChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: KindMessageSendAck})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: KindMessageSendFailed})

	evt := <-ch
	if evt.Kind != KindMessageSendAck {
		t.Errorf("got %q, want %q", evt.Kind, KindMessageSendAck)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestNowStampsTimestamp(t *testing.T) {
	evt := Now(KindAppForeground, nil)
	if evt.Kind != KindAppForeground {
		t.Errorf("kind = %q", evt.Kind)
	}
	if evt.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}
