// Package unread maintains per-conversation and global unread counters. The
// server is authoritative: local timelines may be partial due to pagination,
// so counts come from the conversation list endpoint, never from counting
// locally held messages. Mark-read is applied optimistically for instant UI
// feedback and reconciled against server truth within one debounce cycle.
package unread

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"
	"go.uber.org/zap"

	"github.com/pveiga/loopd/internal/bus"
	"github.com/pveiga/loopd/internal/cache"
	"github.com/pveiga/loopd/internal/model"
)

// DefaultWindow is the debounce window for refresh requests.
const DefaultWindow = 250 * time.Millisecond

// Lister is the conversation-list collaborator.
type Lister interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
}

// ChangePayload is published with every unread.changed event.
type ChangePayload struct {
	Global int
}

// Tracker derives unread counters from server truth plus local read-position
// updates.
type Tracker struct {
	mu         sync.Mutex
	lister     Lister
	cache      *cache.Cache // nil disables persistence
	bus        *bus.Bus
	logger     *zap.Logger
	userID     string
	perConv    map[string]int // server-reported unread per conversation
	readCounts map[string]int // messages acknowledged seen, persisted
	global     int
	debounced  func(func())
}

// NewTracker creates a tracker. window <= 0 uses DefaultWindow.
func NewTracker(lister Lister, c *cache.Cache, b *bus.Bus, logger *zap.Logger, userID string, window time.Duration) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		lister:     lister,
		cache:      c,
		bus:        b,
		logger:     logger,
		userID:     userID,
		perConv:    make(map[string]int),
		readCounts: make(map[string]int),
		debounced:  debounce.New(window),
	}
}

// Hydrate restores persisted read counts so a cold start shows a reasonable
// state before the first network round-trip. Failures are logged and
// swallowed.
func (t *Tracker) Hydrate() {
	if t.cache == nil {
		return
	}
	counts, ok, err := t.cache.GetReadCounts(t.userID)
	if err != nil {
		t.logger.Warn("read counts hydrate failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	t.mu.Lock()
	t.readCounts = counts
	t.mu.Unlock()
}

// Refresh pulls the authoritative per-conversation unread counts and
// recomputes the global aggregate.
func (t *Tracker) Refresh(ctx context.Context) error {
	convs, err := t.lister.ListConversations(ctx)
	if err != nil {
		return err
	}

	perConv := make(map[string]int, len(convs))
	total := 0
	for _, c := range convs {
		n := c.Unread
		if n < 0 {
			n = 0
		}
		perConv[c.ID] = n
		total += n
	}

	t.mu.Lock()
	t.perConv = perConv
	t.global = total
	global := t.global
	t.mu.Unlock()

	t.publish(global)
	return nil
}

// RequestRefresh schedules a Refresh, trailing-edge debounced: rapid calls
// within the window collapse into a single network call.
func (t *Tracker) RequestRefresh() {
	t.debounced(func() {
		if err := t.Refresh(context.Background()); err != nil {
			// Retried on the next natural trigger.
			t.logger.Warn("unread refresh failed", zap.Error(err))
		}
	})
}

// MarkConversationRead optimistically subtracts the conversation's unread
// messages from the global aggregate, records the new read position, and
// schedules a reconciling refresh. Repeated calls for the same conversation
// are no-ops: the applied delta is capped at the messages actually still
// unread, so neither the aggregate nor the persisted read position drifts.
func (t *Tracker) MarkConversationRead(conversationID string, knownUnread int) {
	t.mu.Lock()
	delta := knownUnread
	if cur := t.perConv[conversationID]; delta > cur {
		delta = cur
	}
	if delta < 0 {
		delta = 0
	}
	t.global -= delta
	if t.global < 0 {
		t.global = 0
	}
	t.perConv[conversationID] = 0
	t.readCounts[conversationID] += delta
	global := t.global
	counts := make(map[string]int, len(t.readCounts))
	for k, v := range t.readCounts {
		counts[k] = v
	}
	t.mu.Unlock()

	t.publish(global)
	t.persist(counts)
	t.RequestRefresh()
}

// GlobalUnread returns the current global unread aggregate.
func (t *Tracker) GlobalUnread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.global
}

// ConversationUnread returns the last known unread count for a conversation.
func (t *Tracker) ConversationUnread(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perConv[conversationID]
}

// ReadCount returns the acknowledged read position for a conversation.
func (t *Tracker) ReadCount(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCounts[conversationID]
}

func (t *Tracker) publish(global int) {
	if t.bus != nil {
		t.bus.Publish(bus.Now(bus.KindUnreadChanged, ChangePayload{Global: global}))
	}
}

func (t *Tracker) persist(counts map[string]int) {
	if t.cache == nil {
		return
	}
	go func() {
		if err := t.cache.PutReadCounts(t.userID, counts); err != nil {
			t.logger.Warn("read counts persist failed", zap.Error(err))
		}
	}()
}
