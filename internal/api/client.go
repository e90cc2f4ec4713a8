// Package api is the REST client for the chat backend: paginated message
// history, the conversation list with authoritative unread counts, and the
// send endpoint. The engine treats these as external collaborators; failures
// here are retried on natural triggers, never surfaced as blocking errors.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pveiga/loopd/internal/model"
)

// Client talks to the chat REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a REST client. baseURL has no trailing slash.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchMessages fetches one page of a conversation's history, newest page
// first. cursor is the opaque pagination cursor from a previous page, empty
// for the latest page.
func (c *Client) FetchMessages(ctx context.Context, conversationID, cursor string, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("conversationId", conversationID)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.get(ctx, "/api/chat/messages?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return out.Messages, nil
}

// ListConversations returns every conversation's summary, including the
// server-reported unread count.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	if err := c.get(ctx, "/api/chat/conversations", &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out.Conversations, nil
}

// SendMessage posts a new message and returns the server-assigned record.
// The caller keeps its pending copy until the returned record reconciles it.
func (c *Client) SendMessage(ctx context.Context, conversationID, senderID, body, imageURL string) (model.Message, error) {
	payload := map[string]string{
		"conversationId": conversationID,
		"senderId":       senderID,
		"body":           body,
	}
	if imageURL != "" {
		payload["imageUrl"] = imageURL
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return model.Message{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/messages", bytes.NewReader(data))
	if err != nil {
		return model.Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return model.Message{}, fmt.Errorf("send message: HTTP %d", resp.StatusCode)
	}

	var msg model.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return model.Message{}, fmt.Errorf("decode sent message: %w", err)
	}
	return msg, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
