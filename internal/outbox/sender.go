package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pengpengno/Group-IM-sub000/internal/bus"
	"github.com/pengpengno/Group-IM-sub000/internal/store"
	"github.com/pengpengno/Group-IM-sub000/internal/transport"
)

// Sender drains the outbox and writes pending messages to the wire. An
// entry stays pending until the server ack removes it; entries still
// pending after the resend window are re-dispatched with a retry counted.
type Sender struct {
	db          *store.DB
	wire        transport.MessageSender
	resolver    transport.ConversationResolver
	bus         *bus.Bus
	logger      *zap.Logger
	resendAfter time.Duration

	kickCh chan struct{}
	cancel context.CancelFunc
}

// NewSender creates an outbox sender. resendAfter is how long a dispatched
// entry may wait for its ack before it is sent again.
func NewSender(db *store.DB, wire transport.MessageSender, resolver transport.ConversationResolver,
	b *bus.Bus, logger *zap.Logger, resendAfter time.Duration) *Sender {
	return &Sender{
		db:          db,
		wire:        wire,
		resolver:    resolver,
		bus:         b,
		logger:      logger,
		resendAfter: resendAfter,
		kickCh:      make(chan struct{}, 1),
	}
}

// Start begins the drain loop.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the drain loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Kick requests an immediate drain, coalescing concurrent requests.
func (s *Sender) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Drain(ctx)
		case <-s.kickCh:
			s.Drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Drain dispatches every due pending entry, oldest first. Exported so
// tests and the engine can drive it without the timer.
func (s *Sender) Drain(ctx context.Context) {
	cutoff := time.Now().Add(-s.resendAfter).UnixMilli()
	pending, err := s.db.PendingOutbox(cutoff)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		s.dispatch(ctx, entry)
	}
}

func (s *Sender) dispatch(ctx context.Context, entry store.OutboxEntry) {
	// An entry dispatched before and still here means its last round did
	// not complete, whether the write failed, resolution failed, or the
	// server stayed silent. Each re-dispatch counts one retry; this is
	// the only accounting point, so no round is ever charged twice.
	if entry.UpdatedAt > entry.CreatedAt {
		if s.countRetry(entry, "no ack within resend window") {
			return
		}
	}

	if entry.ConversationID == "" {
		id, ok := s.patchConversation(ctx, entry)
		if !ok {
			return
		}
		entry.ConversationID = id
	}

	if err := s.db.TouchOutbox(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to touch outbox entry",
			zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		return
	}

	msg, err := s.db.GetByClientMsgID(entry.ClientMsgID)
	if err != nil || msg == nil {
		s.logger.Error("outbox entry without message row",
			zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		return
	}

	env := &transport.MessageEnvelope{
		ConversationID: entry.ConversationID,
		ClientMsgID:    entry.ClientMsgID,
		Type:           entry.Type,
		Body:           entry.Body,
		SentAtMs:       msg.ClientTS,
	}
	if msg.File != nil {
		env.File = &transport.FileInfo{
			FileID:      msg.File.FileID,
			Name:        msg.File.Name,
			ContentType: msg.File.ContentType,
			Size:        msg.File.Size,
			DurationMs:  msg.File.DurationMs,
		}
	}

	if err := s.wire.SendMessage(ctx, env); err != nil {
		// The entry stays pending and touched; the next drain window
		// re-dispatches it and books the retry.
		s.logger.Warn("wire send failed",
			zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		return
	}
	s.logger.Debug("dispatched", zap.String("client_msg_id", entry.ClientMsgID),
		zap.Int("retry_count", entry.RetryCount))
}

// patchConversation resolves the private conversation for an entry that was
// composed before one existed. On failure the entry is touched so the next
// window re-dispatches it with a retry booked; a permanently unresolvable
// peer therefore exhausts the budget like any other delivery failure.
func (s *Sender) patchConversation(ctx context.Context, entry store.OutboxEntry) (string, bool) {
	id, err := s.resolver.ResolvePrivateConversation(ctx, entry.PeerID)
	if err != nil {
		s.logger.Warn("conversation resolution failed",
			zap.String("peer_id", entry.PeerID), zap.Error(err))
		_ = s.db.TouchOutbox(entry.ClientMsgID)
		return "", false
	}

	if err := s.db.SetOutboxConversation(entry.ClientMsgID, id); err != nil {
		s.logger.Error("failed to patch outbox conversation",
			zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		return "", false
	}
	if err := s.db.UpdateMessageConversation(entry.ClientMsgID, id); err != nil {
		s.logger.Error("failed to patch message conversation",
			zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
	}
	_ = s.db.UpsertConversation(&store.Conversation{ID: id, Kind: "private", PeerID: entry.PeerID})
	return id, true
}

// countRetry books one failed round. Returns true when the budget is
// exhausted and the message has been flipped to terminal failed.
func (s *Sender) countRetry(entry store.OutboxEntry, reason string) bool {
	count, exhausted, err := s.db.IncrementOutboxRetry(entry.ClientMsgID)
	if err != nil {
		s.logger.Error("failed to count retry",
			zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		return false
	}
	if !exhausted {
		return false
	}

	s.logger.Warn("retry budget exhausted, message failed",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Int("retries", count),
		zap.String("reason", reason))
	if err := s.db.MarkMessageFailed(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark message failed",
			zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
	}
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendFailed,
			Timestamp: time.Now(),
			Payload:   bus.MessageRef{ConversationID: entry.ConversationID, ClientMsgID: entry.ClientMsgID},
		})
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageUpserted,
			Timestamp: time.Now(),
			Payload:   bus.MessageRef{ConversationID: entry.ConversationID, ClientMsgID: entry.ClientMsgID},
		})
	}
	return true
}
