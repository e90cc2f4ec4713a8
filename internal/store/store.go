// Package store holds the in-memory conversation timelines every UI surface
// reads from. It is the single mutation point: optimistic sends, live
// transport events and paginated history fetches all land here, are
// reconciled through the merge engine, and are persisted to the key-value
// cache as a side effect. Reads never touch the network.
package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pveiga/loopd/internal/bus"
	"github.com/pveiga/loopd/internal/cache"
	"github.com/pveiga/loopd/internal/merge"
	"github.com/pveiga/loopd/internal/model"
)

// AddOpts controls AddMessage behavior.
type AddOpts struct {
	// SkipDedup disables the duplicate-ID check. Only set it when the caller
	// has already de-duplicated, e.g. a batch import.
	SkipDedup bool
}

// UpdatePayload is published with every conversation.updated event.
type UpdatePayload struct {
	ConversationID string
	MessageCount   int
}

// Store is the shared conversation state. All mutations are serialized under
// one mutex so no two merges for the same conversation interleave; accessors
// return copies, never internal slices.
type Store struct {
	mu        sync.Mutex
	timelines map[string][]model.Message
	open      map[string]bool

	cache  *cache.Cache // nil disables persistence
	bus    *bus.Bus
	logger *zap.Logger
	notify func(conversationID string)
}

// New creates a store backed by the given cache. cache may be nil, in which
// case timelines live only in memory for the session.
func New(c *cache.Cache, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		timelines: make(map[string][]model.Message),
		open:      make(map[string]bool),
		cache:     c,
		bus:       b,
		logger:    logger,
	}
}

// SetNotify registers a hook invoked after every mutation, used to schedule
// unread accounting recomputation.
func (s *Store) SetNotify(fn func(conversationID string)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Messages returns the conversation's timeline, hydrating it from the
// persistent cache on first access. Always synchronous from memory (plus at
// most one local cache read); an unknown conversation yields an empty slice.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.hydrate(conversationID)
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// AddMessage appends a single message, used for both local optimistic sends
// and single inbound push events. Returns false when the ID is already
// present and dedup is active.
func (s *Store) AddMessage(conversationID string, msg model.Message, opts AddOpts) bool {
	s.mu.Lock()
	existing := s.hydrate(conversationID)
	if !opts.SkipDedup {
		for _, m := range existing {
			if m.ID == msg.ID {
				s.mu.Unlock()
				return false
			}
		}
	}
	res := merge.Merge(existing, []model.Message{msg})
	s.commit(conversationID, res.Messages)
	s.mu.Unlock()
	return true
}

// ApplyServerBatch merges a fetched history page into the current timeline
// and returns the result. The fetched batch is merged INTO the existing
// state, never the reverse: a short or stale page can never shrink what the
// user already sees, and live messages not yet reflected server-side are
// preserved.
func (s *Store) ApplyServerBatch(conversationID string, serverMsgs []model.Message) []model.Message {
	s.mu.Lock()
	existing := s.hydrate(conversationID)
	res := merge.Merge(existing, serverMsgs)

	changed := len(res.Messages) != len(existing) || res.Unchanged < len(serverMsgs)
	if changed {
		s.commit(conversationID, res.Messages)
	} else {
		s.timelines[conversationID] = res.Messages
	}

	out := make([]model.Message, len(res.Messages))
	copy(out, res.Messages)
	s.mu.Unlock()
	return out
}

// SetStatus updates a single message's status in place, used for send
// acknowledgements and failures. Returns false if the message is unknown.
func (s *Store) SetStatus(conversationID, messageID string, status model.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.hydrate(conversationID)
	for i := range msgs {
		if msgs[i].ID == messageID {
			if msgs[i].Status == status {
				return true
			}
			msgs[i].Status = status
			s.commit(conversationID, msgs)
			return true
		}
	}
	return false
}

// MarkOpen records that a conversation is currently open in the UI. The
// reconnection supervisor re-fetches open conversations after a gap.
func (s *Store) MarkOpen(conversationID string) {
	s.mu.Lock()
	s.open[conversationID] = true
	s.mu.Unlock()
}

// MarkClosed records that a conversation is no longer open in the UI.
func (s *Store) MarkClosed(conversationID string) {
	s.mu.Lock()
	delete(s.open, conversationID)
	s.mu.Unlock()
}

// OpenConversations returns the IDs of conversations currently open.
func (s *Store) OpenConversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.open))
	for id := range s.open {
		out = append(out, id)
	}
	return out
}

// ConversationIDs returns every conversation with a warm timeline. The
// supervisor joins a transport topic for each.
func (s *Store) ConversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.timelines))
	for id := range s.timelines {
		out = append(out, id)
	}
	return out
}

// Clear evicts one conversation from memory and the persistent cache.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	delete(s.timelines, conversationID)
	delete(s.open, conversationID)
	s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.Delete(cache.TimelineKey(conversationID)); err != nil {
			s.logger.Warn("cache delete failed", zap.Error(err), zap.String("conversation_id", conversationID))
		}
	}
}

// Reset evicts everything, in memory and cached. Used on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.timelines = make(map[string][]model.Message)
	s.open = make(map[string]bool)
	s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.DeletePrefix(cache.TimelineKey("")); err != nil {
			s.logger.Warn("cache reset failed", zap.Error(err))
		}
	}
}

// hydrate returns the in-memory timeline, loading it from the cache on first
// touch. Callers must hold s.mu.
func (s *Store) hydrate(conversationID string) []model.Message {
	if msgs, ok := s.timelines[conversationID]; ok {
		return msgs
	}
	var msgs []model.Message
	if s.cache != nil {
		cached, ok, err := s.cache.GetTimeline(conversationID)
		if err != nil {
			s.logger.Warn("cache read failed", zap.Error(err), zap.String("conversation_id", conversationID))
		} else if ok {
			msgs = cached
		}
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	s.timelines[conversationID] = msgs
	return msgs
}

// commit installs a new timeline and runs the mutation side effects:
// fire-and-forget cache persist, bus event, unread notify. Callers must hold
// s.mu.
func (s *Store) commit(conversationID string, msgs []model.Message) {
	s.timelines[conversationID] = msgs

	if s.cache != nil {
		snapshot := make([]model.Message, len(msgs))
		copy(snapshot, msgs)
		go func() {
			// Cache write failure must never block or surface on the UI path.
			if err := s.cache.PutTimeline(conversationID, snapshot); err != nil {
				s.logger.Warn("cache write failed", zap.Error(err), zap.String("conversation_id", conversationID))
			}
		}()
	}

	if s.bus != nil {
		s.bus.Publish(bus.Now(bus.KindConversationUpdated, UpdatePayload{
			ConversationID: conversationID,
			MessageCount:   len(msgs),
		}))
	}

	if s.notify != nil {
		go s.notify(conversationID)
	}
}
