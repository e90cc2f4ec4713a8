package transport

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pveiga/loopd/internal/bus"
	"github.com/pveiga/loopd/internal/model"
	"github.com/pveiga/loopd/internal/status"
	"github.com/pveiga/loopd/internal/store"
)

// Inbound event IDs already processed this session are remembered up to this
// many entries; older ones are evicted first.
const seenCap = 512

// historyPageSize is the page size for reconnect re-fetches.
const historyPageSize = 50

// HistoryFetcher fetches authoritative message history over REST. The
// supervisor uses it to close gaps after a reconnect.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, conversationID, cursor string, limit int) ([]model.Message, error)
}

// Options tunes the supervisor's retry and heartbeat behavior.
type Options struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	HeartbeatInterval time.Duration
}

func (o *Options) defaults() {
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
}

// Supervisor owns the push channel lifecycle. It connects, joins a topic per
// cached conversation, routes inbound message events into the conversation
// store, and after any gap (handshake failure, read error, heartbeat loss)
// retries with capped exponential backoff and re-fetches history for every
// open conversation. Handshake failures are never surfaced as hard errors,
// only as status-change events.
type Supervisor struct {
	dialer  Dialer
	machine *status.Machine
	st      *store.Store
	history HistoryFetcher
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	seen      *seenSet
	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	malformed atomic.Int64
}

// NewSupervisor creates a supervisor. It does not connect until Start.
func NewSupervisor(d Dialer, m *status.Machine, st *store.Store, h HistoryFetcher, b *bus.Bus, logger *zap.Logger, opts Options) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	return &Supervisor{
		dialer:  d,
		machine: m,
		st:      st,
		history: h,
		bus:     b,
		logger:  logger,
		opts:    opts,
		seen:    newSeenSet(seenCap),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins the connect/read/retry loop and subscribes to app-foreground
// signals. Foreground transitions cut any backoff wait short.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(bus.KindAppForeground, 4)
		go func() {
			defer unsub()
			for {
				select {
				case <-ch:
					s.Wake()
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go s.run(ctx)
}

// Stop tears the session down: subscriptions are dropped, per-session dedup
// state is cleared and the machine lands in Disconnected.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.seen.Reset()
	if s.machine.Current() != status.Disconnected {
		_ = s.machine.Transition(status.Disconnected)
	}
}

// Wake cuts a backoff wait short, forcing an immediate reconnect attempt.
// Wired to app foreground transitions.
func (s *Supervisor) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Malformed returns the count of inbound events dropped for missing fields.
func (s *Supervisor) Malformed() int64 {
	return s.malformed.Load()
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.machine.Transition(status.Connecting)
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("channel handshake failed", zap.Error(err), zap.Int("attempt", attempt))
			_ = s.machine.Transition(status.Degraded)
			s.sleep(ctx, s.backoff(attempt))
			attempt++
			continue
		}
		attempt = 0
		_ = s.machine.Transition(status.Connected)
		s.joinAll(ctx, conn)

		// Never assume nothing was missed across the gap: one history
		// re-fetch per open conversation, regardless of how many events
		// the disconnect swallowed.
		s.resync(ctx)

		hbCtx, hbCancel := context.WithCancel(ctx)
		go s.heartbeat(hbCtx, conn)
		err = s.readLoop(ctx, conn)
		hbCancel()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("channel read failed, will reconnect", zap.Error(err))
		_ = s.machine.Transition(status.Degraded)
		s.sleep(ctx, s.backoff(attempt))
		attempt++
	}
}

func (s *Supervisor) joinAll(ctx context.Context, conn Conn) {
	joined := make(map[string]bool)
	for _, id := range s.st.ConversationIDs() {
		joined[id] = true
	}
	for _, id := range s.st.OpenConversations() {
		joined[id] = true
	}
	for id := range joined {
		if err := conn.Join(ctx, id); err != nil {
			s.logger.Warn("topic join failed", zap.Error(err), zap.String("conversation_id", id))
		}
	}
}

func (s *Supervisor) resync(ctx context.Context) {
	for _, id := range s.st.OpenConversations() {
		id := id
		go func() {
			msgs, err := s.history.FetchMessages(ctx, id, "", historyPageSize)
			if err != nil {
				// Retried on the next natural trigger; cached state stays visible.
				s.logger.Warn("history re-fetch failed", zap.Error(err), zap.String("conversation_id", id))
				return
			}
			s.st.ApplyServerBatch(id, msgs)
		}()
	}
}

// heartbeat pings the channel on an interval. A failed ping means the
// connection is half-open; closing it unblocks the read loop into the
// reconnect path.
func (s *Supervisor) heartbeat(ctx context.Context, conn Conn) {
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, s.opts.HeartbeatInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("heartbeat failed", zap.Error(err))
					_ = conn.Close()
				}
				return
			}
		}
	}
}

func (s *Supervisor) readLoop(ctx context.Context, conn Conn) error {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handleEnvelope(env)
	}
}

func (s *Supervisor) handleEnvelope(env Envelope) {
	if env.Type != "message.new" {
		return
	}
	var evt MessageEvent
	if err := json.Unmarshal(env.Payload, &evt); err != nil || evt.ID == "" || evt.ConversationID == "" {
		s.malformed.Add(1)
		s.logger.Warn("dropping malformed message event",
			zap.Int64("malformed_total", s.malformed.Load()))
		return
	}
	if !s.seen.Add(evt.ID) {
		return
	}
	st := model.Status(evt.Status)
	if st == "" {
		st = model.StatusDelivered
	}
	s.st.AddMessage(evt.ConversationID, model.Message{
		ID:             evt.ID,
		ConversationID: evt.ConversationID,
		SenderID:       evt.SenderID,
		Body:           evt.Body,
		ImageURL:       evt.ImageURL,
		CreatedAt:      evt.CreatedAt,
		Status:         st,
	}, store.AddOpts{})
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	jitter := time.Duration(rand.Float64() * float64(s.opts.BaseDelay) * 0.5)
	d := time.Duration(math.Min(
		float64(s.opts.BaseDelay)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(s.opts.MaxDelay),
	))
	return d
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-s.wake:
	}
}

// seenSet is a bounded FIFO set of processed event IDs.
type seenSet struct {
	mu    sync.Mutex
	cap   int
	ids   map[string]struct{}
	order []string
}

func newSeenSet(cap int) *seenSet {
	return &seenSet{
		cap: cap,
		ids: make(map[string]struct{}, cap),
	}
}

// Add records id and reports whether it was seen for the first time. Once
// the set exceeds its cap the oldest entries are evicted.
func (s *seenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > s.cap {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

// Reset clears all per-session dedup state.
func (s *seenSet) Reset() {
	s.mu.Lock()
	s.ids = make(map[string]struct{}, s.cap)
	s.order = nil
	s.mu.Unlock()
}
