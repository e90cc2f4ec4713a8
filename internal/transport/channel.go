// Package transport owns the push channel to the chat backend: the
// websocket client, the per-conversation topic subscriptions and the
// reconnection supervisor that keeps the conversation store consistent
// across disconnects.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"nhooyr.io/websocket"
)

// Envelope is the wire format for all channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageEvent is the payload of an inbound "message.new" event.
type MessageEvent struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	ImageURL       string `json:"imageUrl,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	Status         string `json:"status"`
}

// Command is a client-to-server channel command.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Topic returns the channel topic name for a conversation.
func Topic(conversationID string) string {
	return "chat:" + conversationID
}

// Conn is an established push channel session.
type Conn interface {
	// Join subscribes the session to a conversation's topic.
	Join(ctx context.Context, conversationID string) error
	// Leave unsubscribes the session from a conversation's topic.
	Leave(ctx context.Context, conversationID string) error
	// Read blocks until the next inbound envelope or a connection error.
	Read(ctx context.Context) (Envelope, error)
	// Ping round-trips a heartbeat, detecting half-open connections that
	// Read alone would never notice.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer establishes push channel sessions. The supervisor depends on this
// interface so reconnection logic is testable without a live backend.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the backend's websocket endpoint.
type WSDialer struct {
	URL   string
	Token string
}

// Dial performs the websocket handshake and returns the session.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	c, _, err := websocket.Dial(ctx, d.URL+"?token="+d.Token, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	// Inbound timelines can be large when the backend replays a burst.
	c.SetReadLimit(1 << 20)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Join(ctx context.Context, conversationID string) error {
	return w.send(ctx, Command{
		Type:    "conversation.join",
		Payload: map[string]string{"topic": Topic(conversationID)},
	})
}

func (w *wsConn) Leave(ctx context.Context, conversationID string) error {
	return w.send(ctx, Command{
		Type:    "conversation.leave",
		Payload: map[string]string{"topic": Topic(conversationID)},
	})
}

func (w *wsConn) send(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Read(ctx context.Context) (Envelope, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
