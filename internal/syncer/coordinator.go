// Package syncer reconciles the local message store with the server using
// incremental pulls anchored at the local high-water mark.
package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pengpengno/Group-IM-sub000/internal/bus"
	"github.com/pengpengno/Group-IM-sub000/internal/imerr"
	"github.com/pengpengno/Group-IM-sub000/internal/store"
	"github.com/pengpengno/Group-IM-sub000/internal/transport"
)

// DefaultPageSize bounds one pull. The server may return fewer.
const DefaultPageSize = 200

// Coordinator pulls server-acknowledged history into the local store.
// All ingestion is idempotent upserts, so overlapping pulls, reconnect
// re-pulls, and live inbound frames can interleave freely.
type Coordinator struct {
	db      *store.DB
	fetcher transport.MessageFetcher
	bus     *bus.Bus
	logger  *zap.Logger
}

// New creates a sync coordinator.
func New(db *store.DB, fetcher transport.MessageFetcher, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{db: db, fetcher: fetcher, bus: b, logger: logger}
}

// SyncMessages pulls messages newer than the local high-water mark for a
// conversation and ingests them. Returns the number of messages applied.
// A pull failure leaves the store untouched; the next sync retries from
// the same mark.
func (c *Coordinator) SyncMessages(ctx context.Context, conversationID string) (int, error) {
	mark, err := c.db.MaxSequenceID(conversationID)
	if err != nil {
		return 0, &imerr.SyncError{ConversationID: conversationID, Err: err}
	}

	envs, err := c.fetcher.FetchMessages(ctx, conversationID, mark, true, DefaultPageSize)
	if err != nil {
		c.logger.Warn("sync pull failed",
			zap.String("conversation_id", conversationID),
			zap.Int64("after_seq", mark),
			zap.Error(err))
		return 0, &imerr.SyncError{ConversationID: conversationID, Err: err}
	}

	applied, err := c.ingest(conversationID, envs)
	if err != nil {
		return 0, err
	}

	c.logger.Debug("sync pulled",
		zap.String("conversation_id", conversationID),
		zap.Int64("after_seq", mark),
		zap.Int("applied", applied))
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindSyncPulled, Timestamp: time.Now(), Payload: conversationID})
	}
	return applied, nil
}

// MessageRange fetches one page around a sequence boundary, ingests it, and
// returns the page read back from the local store. forward=false walks
// toward older history, forward=true toward newer.
func (c *Coordinator) MessageRange(ctx context.Context, conversationID string, boundarySeq int64, forward bool, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	envs, err := c.fetcher.FetchMessages(ctx, conversationID, boundarySeq, forward, limit)
	if err != nil {
		return nil, &imerr.SyncError{ConversationID: conversationID, Err: err}
	}
	if _, err := c.ingest(conversationID, envs); err != nil {
		return nil, err
	}
	return c.db.ListRange(conversationID, boundarySeq, forward, limit)
}

// Ingest applies a single live inbound envelope, same path as pulled pages.
func (c *Coordinator) Ingest(env *transport.MessageEnvelope) (*store.Message, error) {
	msg := messageFromEnvelope(env)
	if err := c.db.UpsertMessage(msg); err != nil {
		return nil, &imerr.StorageError{Op: "ingest message", Err: err}
	}
	if err := c.recordSideEffects(env.ConversationID, []*store.Message{msg}); err != nil {
		return nil, err
	}
	c.publishUpserted(msg)
	return msg, nil
}

func (c *Coordinator) ingest(conversationID string, envs []transport.MessageEnvelope) (int, error) {
	if len(envs) == 0 {
		return 0, nil
	}
	msgs := make([]*store.Message, 0, len(envs))
	for i := range envs {
		msgs = append(msgs, messageFromEnvelope(&envs[i]))
	}

	applied, err := c.db.UpsertMessages(msgs)
	if err != nil {
		return 0, &imerr.StorageError{Op: "ingest messages", Err: err}
	}
	if err := c.recordSideEffects(conversationID, msgs); err != nil {
		return 0, err
	}
	for _, m := range msgs {
		c.publishUpserted(m)
	}
	return applied, nil
}

// recordSideEffects maintains the conversation preview and registers cache
// records for attachments the client has not seen before. Blobs stay on the
// server until explicitly fetched.
func (c *Coordinator) recordSideEffects(conversationID string, msgs []*store.Message) error {
	newest := msgs[len(msgs)-1]
	for _, m := range msgs {
		if m.ClientTS > newest.ClientTS {
			newest = m
		}
	}
	conv := &store.Conversation{
		ID:                 conversationID,
		LastMessageAt:      newest.ClientTS,
		LastMessagePreview: preview(newest),
	}
	if err := c.db.UpsertConversation(conv); err != nil {
		return &imerr.StorageError{Op: "upsert conversation", Err: err}
	}

	for _, m := range msgs {
		if m.File == nil || m.File.FileID == "" {
			continue
		}
		existing, err := c.db.GetFileRecord(m.File.FileID)
		if err != nil {
			return &imerr.StorageError{Op: "get file record", Err: err}
		}
		if existing != nil {
			continue
		}
		rec := &store.FileRecord{
			FileID:       m.File.FileID,
			OriginalName: m.File.Name,
			ContentType:  m.File.ContentType,
			Size:         m.File.Size,
			DurationMs:   m.File.DurationMs,
			Status:       store.FilePending,
		}
		if err := c.db.UpsertFileRecord(rec); err != nil {
			return &imerr.StorageError{Op: "upsert file record", Err: err}
		}
	}
	return nil
}

func (c *Coordinator) publishUpserted(m *store.Message) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: m.ConversationID, ClientMsgID: m.ClientMsgID},
	})
}

func messageFromEnvelope(env *transport.MessageEnvelope) *store.Message {
	status := store.StatusSending
	if env.SequenceID > 0 {
		status = store.StatusSent
	}
	m := &store.Message{
		ConversationID: env.ConversationID,
		ClientMsgID:    env.ClientMsgID,
		SequenceID:     env.SequenceID,
		SenderID:       env.SenderID,
		Body:           env.Body,
		Type:           env.Type,
		Status:         status,
		ClientTS:       env.SentAtMs,
	}
	if env.File != nil {
		m.File = &store.FileMeta{
			FileID:      env.File.FileID,
			Name:        env.File.Name,
			ContentType: env.File.ContentType,
			Size:        env.File.Size,
			DurationMs:  env.File.DurationMs,
		}
	}
	return m
}

func preview(m *store.Message) string {
	switch m.Type {
	case store.TypeVoice:
		return "[voice message]"
	case store.TypeImage:
		return "[image]"
	case store.TypeVideo:
		return "[video]"
	case store.TypeFile:
		return "[file]"
	default:
		return m.Body
	}
}
