// Package outbox drives outgoing sends: the pending copy lands in the
// conversation store before the network call resolves, and the server echo
// reconciles it away through the merge engine. A failed send keeps its local
// ID so a retry still reconciles against whatever the server eventually has.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pveiga/loopd/internal/bus"
	"github.com/pveiga/loopd/internal/model"
	"github.com/pveiga/loopd/internal/store"
)

// RestSender is the send-message collaborator.
type RestSender interface {
	SendMessage(ctx context.Context, conversationID, senderID, body, imageURL string) (model.Message, error)
}

// AckPayload is published with message.send_ack events.
type AckPayload struct {
	ConversationID string
	LocalID        string
	ServerID       string
}

// FailPayload is published with message.send_failed events.
type FailPayload struct {
	ConversationID string
	LocalID        string
	Error          string
}

type sendReq struct {
	conversationID string
	localID        string
	body           string
	imageURL       string
}

// Sender queues and delivers outgoing messages.
type Sender struct {
	st       *store.Store
	api      RestSender
	bus      *bus.Bus
	logger   *zap.Logger
	senderID string
	queue    chan sendReq
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSender creates an outbox sender for the local user.
func NewSender(st *store.Store, api RestSender, b *bus.Bus, logger *zap.Logger, senderID string) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		st:       st,
		api:      api,
		bus:      b,
		logger:   logger,
		senderID: senderID,
		queue:    make(chan sendReq, 64),
		done:     make(chan struct{}),
	}
}

// Start begins draining the send queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Send creates the optimistic pending copy in the store and queues the
// network send. Returns the local pending ID immediately.
func (s *Sender) Send(conversationID, body, imageURL string) string {
	now := time.Now().UnixMilli()
	localID := model.NewPendingID(now)

	s.st.AddMessage(conversationID, model.Message{
		ID:             localID,
		ConversationID: conversationID,
		SenderID:       s.senderID,
		Body:           body,
		ImageURL:       imageURL,
		CreatedAt:      now,
		Status:         model.StatusPending,
	}, store.AddOpts{})

	s.enqueue(sendReq{conversationID: conversationID, localID: localID, body: body, imageURL: imageURL})
	return localID
}

// Retry re-issues a failed send with the same local ID so eventual
// reconciliation still applies. Returns false if the message is unknown.
func (s *Sender) Retry(conversationID, localID string) bool {
	var found *model.Message
	for _, m := range s.st.Messages(conversationID) {
		if m.ID == localID {
			found = &m
			break
		}
	}
	if found == nil {
		return false
	}
	s.st.SetStatus(conversationID, localID, model.StatusPending)
	s.enqueue(sendReq{conversationID: conversationID, localID: localID, body: found.Body, imageURL: found.ImageURL})
	return true
}

func (s *Sender) enqueue(req sendReq) {
	select {
	case s.queue <- req:
	default:
		// Queue full: fail fast instead of blocking the UI path.
		s.st.SetStatus(req.conversationID, req.localID, model.StatusFailed)
		s.logger.Warn("send queue full, message marked failed", zap.String("local_id", req.localID))
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case req := <-s.queue:
			s.process(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) process(ctx context.Context, req sendReq) {
	resp, err := s.api.SendMessage(ctx, req.conversationID, s.senderID, req.body, req.imageURL)
	if err != nil {
		s.logger.Warn("send failed", zap.Error(err), zap.String("local_id", req.localID))
		s.st.SetStatus(req.conversationID, req.localID, model.StatusFailed)
		if s.bus != nil {
			s.bus.Publish(bus.Now(bus.KindMessageSendFailed, FailPayload{
				ConversationID: req.conversationID,
				LocalID:        req.localID,
				Error:          err.Error(),
			}))
		}
		return
	}

	if resp.Status == "" || resp.Status == model.StatusPending {
		resp.Status = model.StatusSent
	}
	// Merging the echo drops the pending copy via sender+body reconciliation.
	s.st.ApplyServerBatch(req.conversationID, []model.Message{resp})

	if s.bus != nil {
		s.bus.Publish(bus.Now(bus.KindMessageSendAck, AckPayload{
			ConversationID: req.conversationID,
			LocalID:        req.localID,
			ServerID:       resp.ID,
		}))
	}
}
