// Package engine is the client-facing facade over the message store,
// outbox, sync coordinator, file cache, and session router. It also
// receives all inbound server frames.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pengpengno/Group-IM-sub000/internal/bus"
	"github.com/pengpengno/Group-IM-sub000/internal/filecache"
	"github.com/pengpengno/Group-IM-sub000/internal/outbox"
	"github.com/pengpengno/Group-IM-sub000/internal/router"
	"github.com/pengpengno/Group-IM-sub000/internal/store"
	"github.com/pengpengno/Group-IM-sub000/internal/syncer"
	"github.com/pengpengno/Group-IM-sub000/internal/transport"
)

// Engine composes the local-first message subsystems behind one surface.
// It implements transport.Inbound for frames pushed by the server.
type Engine struct {
	db       *store.DB
	pipeline *outbox.Pipeline
	syncer   *syncer.Coordinator
	files    *filecache.Manager
	router   *router.Router
	bus      *bus.Bus
	logger   *zap.Logger
}

// New creates the engine facade.
func New(db *store.DB, pipeline *outbox.Pipeline, sc *syncer.Coordinator,
	files *filecache.Manager, r *router.Router, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		pipeline: pipeline,
		syncer:   sc,
		files:    files,
		router:   r,
		bus:      b,
		logger:   logger,
	}
}

// Send composes and locally commits an outbound message; delivery happens
// asynchronously. Works offline.
func (e *Engine) Send(ctx context.Context, req outbox.SendRequest) (clientMsgID string, err error) {
	return e.pipeline.Send(ctx, req)
}

// RetryMessage re-arms a terminally failed message for delivery.
func (e *Engine) RetryMessage(clientMsgID string) error {
	return e.pipeline.RetryMessage(clientMsgID)
}

// DiscardMessage abandons an unsent message.
func (e *Engine) DiscardMessage(clientMsgID string) error {
	return e.pipeline.DiscardMessage(clientMsgID)
}

// Messages returns the newest messages of a conversation in render order.
func (e *Engine) Messages(conversationID string, limit int) ([]store.Message, error) {
	return e.db.ListByConversation(conversationID, limit)
}

// Conversations returns a page of the chat list ordered by latest activity.
func (e *Engine) Conversations(limit, offset int) ([]store.Conversation, error) {
	return e.db.ListConversations(limit, offset)
}

// Search runs a full-text query over message bodies. An empty
// conversationID searches all conversations.
func (e *Engine) Search(query, conversationID string, limit int) ([]store.SearchResult, error) {
	return e.db.SearchMessages(query, conversationID, limit)
}

// Sync pulls messages newer than the local high-water mark.
func (e *Engine) Sync(ctx context.Context, conversationID string) (int, error) {
	return e.syncer.SyncMessages(ctx, conversationID)
}

// LoadOlder pages history below the given sequence boundary, pulling from
// the server as needed.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]store.Message, error) {
	return e.syncer.MessageRange(ctx, conversationID, beforeSeq, false, limit)
}

// LoadNewer pages forward above the given sequence boundary.
func (e *Engine) LoadNewer(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]store.Message, error) {
	return e.syncer.MessageRange(ctx, conversationID, afterSeq, true, limit)
}

// FetchFile returns attachment bytes, local-first.
func (e *Engine) FetchFile(ctx context.Context, fileID string) ([]byte, error) {
	return e.files.GetContent(ctx, fileID)
}

// LocalFilePath returns the cached path for an attachment without touching
// the network.
func (e *Engine) LocalFilePath(fileID string) (string, bool) {
	return e.files.LocalPath(fileID)
}

// MarkRead records that the user has read a conversation up to a sequence
// and clears its unread counter.
func (e *Engine) MarkRead(conversationID string, upToSeq int64) error {
	if err := e.db.MarkReadUpTo(conversationID, upToSeq); err != nil {
		return err
	}
	return e.db.ResetUnread(conversationID)
}

// Subscribe attaches to a conversation: the returned channel carries a
// fresh render-ordered snapshot after every change touching it. The cancel
// function detaches; inbound messages buffer again afterwards.
func (e *Engine) Subscribe(conversationID string, limit int) (<-chan []store.Message, func()) {
	out := make(chan []store.Message, 1)

	push := func() {
		msgs, err := e.db.ListByConversation(conversationID, limit)
		if err != nil {
			e.logger.Error("subscription snapshot failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}
		// Drop a stale unread snapshot so the latest always wins.
		select {
		case <-out:
		default:
		}
		out <- msgs
	}

	// Events for messages already written by sync or the pipeline.
	events, unsub := e.bus.Subscribe("message.", 64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-events:
				if ref, ok := evt.Payload.(bus.MessageRef); ok && ref.ConversationID == conversationID {
					push()
				}
			case <-done:
				return
			}
		}
	}()

	// Live inbound frames routed while attached also refresh the snapshot;
	// the buffered backlog flushes through the same sink on Register.
	e.router.Register(conversationID, router.SinkFunc(func(*store.Message) {
		push()
	}))

	push()
	return out, func() {
		e.router.Unregister(conversationID)
		unsub()
		close(done)
	}
}

// CleanupFiles runs one retention sweep over the file cache.
func (e *Engine) CleanupFiles(retentionDays int) (int, error) {
	return e.files.CleanupExpired(retentionDays)
}

// HandleMessage ingests a live inbound message and routes it. Unread only
// counts messages the user has not seen: echoes of already-known messages
// (own sends coming back, server re-deliveries) and frames for the
// currently attached conversation are excluded.
func (e *Engine) HandleMessage(env *transport.MessageEnvelope) {
	known, err := e.db.GetByClientMsgID(env.ClientMsgID)
	if err != nil {
		e.logger.Error("inbound message lookup failed",
			zap.String("client_msg_id", env.ClientMsgID), zap.Error(err))
		return
	}

	msg, err := e.syncer.Ingest(env)
	if err != nil {
		e.logger.Error("inbound message ingest failed",
			zap.String("client_msg_id", env.ClientMsgID), zap.Error(err))
		return
	}
	if known == nil && !e.router.Attached(msg.ConversationID) {
		_ = e.db.IncrementUnread(msg.ConversationID)
	}
	e.router.Route(msg)
}

// HandleAck reconciles a server acknowledgment for an outbound message.
func (e *Engine) HandleAck(env *transport.AckEnvelope) {
	e.pipeline.OnAck(env)
}

// HandleRead applies a peer read receipt.
func (e *Engine) HandleRead(env *transport.ReadEnvelope) {
	if err := e.db.MarkReadUpTo(env.ConversationID, env.UpToSequenceID); err != nil {
		e.logger.Error("read receipt failed",
			zap.String("conversation_id", env.ConversationID), zap.Error(err))
		return
	}
	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Kind:      bus.KindMessageUpserted,
			Timestamp: time.Now(),
			Payload:   bus.MessageRef{ConversationID: env.ConversationID},
		})
	}
}
