package model

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Message is a single chat message. Server messages carry a backend-assigned
// opaque ID; messages created locally before server confirmation carry a
// pending ID (see NewPendingID) until reconciliation replaces them.
type Message struct {
	ID             string `json:"id" msgpack:"id"`
	ConversationID string `json:"conversationId" msgpack:"conversation_id"`
	SenderID       string `json:"senderId" msgpack:"sender_id"`
	Body           string `json:"body" msgpack:"body"`
	ImageURL       string `json:"imageUrl,omitempty" msgpack:"image_url"`
	CreatedAt      int64  `json:"createdAt" msgpack:"created_at"` // unix milliseconds
	Status         Status `json:"status" msgpack:"status"`
}

// HasAttachment reports whether the message carries an image reference.
func (m Message) HasAttachment() bool {
	return m.ImageURL != ""
}

// IsPending reports whether the message still carries a client-generated ID.
func (m Message) IsPending() bool {
	return IsPendingID(m.ID)
}

const pendingPrefix = "pending_"

// NewPendingID generates a client-side message ID embedding the send time
// in unix milliseconds, distinguishable from server IDs by prefix.
func NewPendingID(sentAt int64) string {
	return pendingPrefix + strconv.FormatInt(sentAt, 10) + "_" + uuid.NewString()
}

// IsPendingID reports whether id is a client-generated pending ID.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, pendingPrefix)
}

// PendingSendTime extracts the embedded send time from a pending ID.
// Returns 0 for server IDs or malformed pending IDs.
func PendingSendTime(id string) int64 {
	rest, ok := strings.CutPrefix(id, pendingPrefix)
	if !ok {
		return 0
	}
	ts, _, found := strings.Cut(rest, "_")
	if !found {
		return 0
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// Less defines the timeline ordering: all server messages sort before all
// pending messages; server messages order by creation time with ID as the
// tiebreaker (server IDs are opaque, so the timestamp is primary); pending
// messages order by their embedded send time.
func Less(a, b Message) bool {
	ap, bp := a.IsPending(), b.IsPending()
	if ap != bp {
		return bp // server before pending
	}
	if ap {
		at, bt := PendingSendTime(a.ID), PendingSendTime(b.ID)
		if at != bt {
			return at < bt
		}
		return a.ID < b.ID
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// Conversation is the summary record returned by the conversation list
// endpoint. Unread is the server-authoritative count of messages from other
// participants not yet read.
type Conversation struct {
	ID          string   `json:"id"`
	Unread      int      `json:"unread"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}
