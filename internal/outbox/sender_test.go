package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pveiga/loopd/internal/bus"
	"github.com/pveiga/loopd/internal/model"
	"github.com/pveiga/loopd/internal/store"
)

// fakeAPI echoes sends back with server IDs; the first failN calls fail.
type fakeAPI struct {
	mu     sync.Mutex
	calls  int
	failN  int
	nextID int
}

func (f *fakeAPI) SendMessage(_ context.Context, conversationID, senderID, body, imageURL string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return model.Message{}, errors.New("network unreachable")
	}
	f.nextID++
	return model.Message{
		ID:             fmt.Sprintf("srv_%d", f.nextID),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		ImageURL:       imageURL,
		CreatedAt:      time.Now().UnixMilli(),
		Status:         model.StatusSent,
	}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestSendIsOptimisticallyVisible(t *testing.T) {
	st := store.New(nil, nil, nil)
	s := NewSender(st, &fakeAPI{}, nil, nil, "u1")
	// Not started: nothing drains the queue, so only the optimistic write
	// can make the message visible.

	localID := s.Send("c1", "hello", "")

	if !model.IsPendingID(localID) {
		t.Errorf("Send returned %q, want a pending local ID", localID)
	}
	msgs := st.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages before network resolution, want 1", len(msgs))
	}
	if msgs[0].ID != localID || msgs[0].Status != model.StatusPending {
		t.Errorf("optimistic copy = %+v, want id %s with status pending", msgs[0], localID)
	}
}

func TestServerEchoReconcilesPending(t *testing.T) {
	b := bus.New()
	st := store.New(nil, b, nil)
	s := NewSender(st, &fakeAPI{}, b, nil, "u1")
	s.Start(context.Background())
	defer s.Stop()

	acks, unsub := b.Subscribe(bus.KindMessageSendAck, 4)
	defer unsub()

	localID := s.Send("c1", "hello", "")

	waitFor(t, "echo to replace pending copy", func() bool {
		msgs := st.Messages("c1")
		return len(msgs) == 1 && !model.IsPendingID(msgs[0].ID)
	})
	got := st.Messages("c1")[0]
	if got.ID != "srv_1" || got.Status != model.StatusSent || got.Body != "hello" {
		t.Errorf("reconciled message = %+v, want srv_1/sent/hello", got)
	}

	select {
	case evt := <-acks:
		p := evt.Payload.(AckPayload)
		if p.LocalID != localID || p.ServerID != "srv_1" {
			t.Errorf("ack payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Error("no send_ack event published")
	}
}

func TestSendFailureMarksFailed(t *testing.T) {
	b := bus.New()
	st := store.New(nil, b, nil)
	api := &fakeAPI{failN: 1000}
	s := NewSender(st, api, b, nil, "u1")
	s.Start(context.Background())
	defer s.Stop()

	fails, unsub := b.Subscribe(bus.KindMessageSendFailed, 4)
	defer unsub()

	localID := s.Send("c1", "hello", "")

	waitFor(t, "send marked failed", func() bool {
		msgs := st.Messages("c1")
		return len(msgs) == 1 && msgs[0].Status == model.StatusFailed
	})
	// The failed copy keeps its local ID so the user can retry it.
	if got := st.Messages("c1")[0].ID; got != localID {
		t.Errorf("failed message ID = %s, want %s", got, localID)
	}

	select {
	case evt := <-fails:
		p := evt.Payload.(FailPayload)
		if p.LocalID != localID || p.Error == "" {
			t.Errorf("fail payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Error("no send_failed event published")
	}
}

func TestRetryReusesLocalID(t *testing.T) {
	st := store.New(nil, nil, nil)
	api := &fakeAPI{failN: 1}
	s := NewSender(st, api, nil, nil, "u1")
	s.Start(context.Background())
	defer s.Stop()

	localID := s.Send("c1", "hello", "")
	waitFor(t, "first attempt to fail", func() bool {
		msgs := st.Messages("c1")
		return len(msgs) == 1 && msgs[0].Status == model.StatusFailed
	})

	if !s.Retry("c1", localID) {
		t.Fatal("Retry returned false for a known failed message")
	}

	waitFor(t, "retry echo to reconcile", func() bool {
		msgs := st.Messages("c1")
		return len(msgs) == 1 && !model.IsPendingID(msgs[0].ID)
	})
	if got := st.Messages("c1")[0]; got.Status != model.StatusSent || got.Body != "hello" {
		t.Errorf("after retry: %+v, want sent/hello", got)
	}
}

func TestRetryUnknownMessage(t *testing.T) {
	st := store.New(nil, nil, nil)
	s := NewSender(st, &fakeAPI{}, nil, nil, "u1")
	if s.Retry("c1", "pending_1_nope") {
		t.Error("Retry returned true for an unknown message")
	}
}
