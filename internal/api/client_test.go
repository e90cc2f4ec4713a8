package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pveiga/loopd/internal/model"
)

func TestFetchMessages(t *testing.T) {
	var gotPath string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []model.Message{
				{ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "hey", CreatedAt: 1000, Status: model.StatusDelivered},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok123")
	msgs, err := c.FetchMessages(context.Background(), "c1", "cur42", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("got %+v, want one message m1", msgs)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	want := "/api/chat/messages?conversationId=c1&cursor=cur42&limit=50"
	if gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
}

func TestFetchMessagesOmitsEmptyCursor(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []model.Message{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.FetchMessages(context.Background(), "c1", "", 0); err != nil {
		t.Fatal(err)
	}
	if gotQuery != "conversationId=c1" {
		t.Errorf("query = %q, want conversationId only", gotQuery)
	}
}

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/conversations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"conversations": []model.Conversation{
				{ID: "c1", Unread: 3},
				{ID: "c2", Unread: 0},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	convs, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].Unread != 3 {
		t.Errorf("got %+v", convs)
	}
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["conversationId"] != "c1" || body["body"] != "hello" {
			t.Errorf("request body = %+v", body)
		}
		if _, ok := body["imageUrl"]; ok {
			t.Error("imageUrl sent for a text-only message")
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(model.Message{
			ID: "srv_9", ConversationID: "c1", SenderID: "u1",
			Body: "hello", CreatedAt: 2000, Status: model.StatusSent,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	msg, err := c.SendMessage(context.Background(), "c1", "u1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "srv_9" || msg.Status != model.StatusSent {
		t.Errorf("got %+v", msg)
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if _, err := c.FetchMessages(context.Background(), "c1", "", 10); err == nil {
		t.Error("FetchMessages: expected error on HTTP 403")
	}
	if _, err := c.SendMessage(context.Background(), "c1", "u1", "x", ""); err == nil {
		t.Error("SendMessage: expected error on HTTP 403")
	}
}
