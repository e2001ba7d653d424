// Package outbox owns the outbound send path: durable enqueue with an
// optimistic local insert, a drain loop dispatching to the wire, and retry
// bookkeeping until an ack or the retry budget runs out.
package outbox

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pengpengno/Group-IM-sub000/internal/bus"
	"github.com/pengpengno/Group-IM-sub000/internal/filecache"
	"github.com/pengpengno/Group-IM-sub000/internal/imerr"
	"github.com/pengpengno/Group-IM-sub000/internal/store"
	"github.com/pengpengno/Group-IM-sub000/internal/transport"
)

// Attachment is a local file to send with a message.
type Attachment struct {
	LocalPath   string
	Name        string
	ContentType string
	DurationMs  int64
}

// SendRequest describes one message to send. Either ConversationID or
// PeerID must be set; with only PeerID the private conversation is
// resolved lazily and the send still succeeds offline.
type SendRequest struct {
	ConversationID string
	PeerID         string
	Body           string
	Type           string
	Attachment     *Attachment
}

// Pipeline runs compose through durable enqueue. Wire dispatch happens in
// the Sender; ack reconciliation comes back through OnAck.
type Pipeline struct {
	db       *store.DB
	resolver transport.ConversationResolver
	uploader transport.FileTransfer
	files    *filecache.Manager
	bus      *bus.Bus
	logger   *zap.Logger
	maxRetry int
	kick     func()
}

// NewPipeline creates the send pipeline. kick, when set, nudges the sender
// to drain immediately instead of waiting for the next tick.
func NewPipeline(db *store.DB, resolver transport.ConversationResolver, uploader transport.FileTransfer,
	files *filecache.Manager, b *bus.Bus, logger *zap.Logger, maxRetry int, kick func()) *Pipeline {
	return &Pipeline{
		db:       db,
		resolver: resolver,
		uploader: uploader,
		files:    files,
		bus:      b,
		logger:   logger,
		maxRetry: maxRetry,
		kick:     kick,
	}
}

// Send composes a message, inserts it locally with status sending, and
// enqueues it durably. It returns as soon as local state is written; wire
// delivery is asynchronous. The returned id identifies the message until
// the server assigns a sequence.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (clientMsgID string, err error) {
	clientMsgID = uuid.NewString()
	msgType := req.Type
	if msgType == "" {
		msgType = store.TypeText
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = p.resolveConversation(ctx, req.PeerID)
	}

	var fileID string
	if req.Attachment != nil {
		fileID = uuid.NewString()
		if err := p.files.AddPendingRecord(fileID, req.Attachment.Name,
			req.Attachment.ContentType, req.Attachment.DurationMs, req.Attachment.LocalPath); err != nil {
			return "", err
		}
	}

	now := time.Now().UnixMilli()
	msg := &store.Message{
		ConversationID: conversationID,
		ClientMsgID:    clientMsgID,
		Body:           req.Body,
		Type:           msgType,
		Status:         store.StatusSending,
		ClientTS:       now,
	}
	if req.Attachment != nil {
		msg.File = &store.FileMeta{
			FileID:      fileID,
			Name:        req.Attachment.Name,
			ContentType: req.Attachment.ContentType,
			DurationMs:  req.Attachment.DurationMs,
		}
	}
	// Optimistic insert: the message is visible locally before any network.
	if err := p.db.UpsertMessage(msg); err != nil {
		return "", &imerr.StorageError{Op: "optimistic insert", Err: err}
	}

	entry := &store.OutboxEntry{
		ClientMsgID:    clientMsgID,
		ConversationID: conversationID,
		PeerID:         req.PeerID,
		Body:           req.Body,
		Type:           msgType,
		FileID:         fileID,
		MaxRetry:       p.maxRetry,
	}
	if err := p.db.EnqueueOutbox(entry); err != nil {
		return "", &imerr.StorageError{Op: "enqueue outbox", Err: err}
	}

	p.publishRef(bus.KindMessageUpserted, conversationID, clientMsgID)
	if req.Attachment != nil {
		go p.uploadAttachment(fileID, req.Attachment)
	}
	if p.kick != nil {
		p.kick()
	}
	return clientMsgID, nil
}

// resolveConversation tries to map a peer to its private conversation.
// Failure is tolerated: the outbox entry keeps an empty conversation id and
// the sender patches it before dispatch.
func (p *Pipeline) resolveConversation(ctx context.Context, peerID string) string {
	if conv, err := p.db.GetConversationByPeer(peerID); err == nil && conv != nil {
		return conv.ID
	}
	id, err := p.resolver.ResolvePrivateConversation(ctx, peerID)
	if err != nil {
		p.logger.Warn("conversation resolution deferred",
			zap.String("peer_id", peerID), zap.Error(err))
		return ""
	}
	_ = p.db.UpsertConversation(&store.Conversation{ID: id, Kind: "private", PeerID: peerID})
	return id
}

// uploadAttachment pushes the binary out of band. The message itself is
// unaffected by upload failure; the file record carries the degraded state.
func (p *Pipeline) uploadAttachment(fileID string, att *Attachment) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	data, err := os.ReadFile(att.LocalPath)
	if err == nil {
		info := &transport.FileInfo{
			FileID:      fileID,
			Name:        att.Name,
			ContentType: att.ContentType,
			Size:        int64(len(data)),
			DurationMs:  att.DurationMs,
		}
		err = p.uploader.Upload(ctx, info, data)
	}
	if err != nil {
		p.logger.Warn("attachment upload failed",
			zap.String("file_id", fileID), zap.Error(err))
		_ = p.files.MarkFailed(fileID)
		if p.bus != nil {
			p.bus.Publish(bus.Event{Kind: bus.KindFileUploadFailed, Timestamp: time.Now(), Payload: fileID})
		}
		return
	}
	_ = p.files.MarkStored(fileID)
	if p.bus != nil {
		p.bus.Publish(bus.Event{Kind: bus.KindFileStored, Timestamp: time.Now(), Payload: fileID})
	}
}

// OnAck reconciles a server acknowledgment: the message adopts its sequence
// id and the outbox entry is removed. Duplicate acks are no-ops.
func (p *Pipeline) OnAck(env *transport.AckEnvelope) {
	if err := p.db.MarkAcked(env.ClientMsgID, env.SequenceID); err != nil {
		p.logger.Error("ack: mark message failed",
			zap.String("client_msg_id", env.ClientMsgID), zap.Error(err))
		return
	}
	if err := p.db.RemoveOutbox(env.ClientMsgID); err != nil {
		p.logger.Error("ack: remove outbox entry failed",
			zap.String("client_msg_id", env.ClientMsgID), zap.Error(err))
	}
	p.publishRef(bus.KindMessageAck, env.ConversationID, env.ClientMsgID)
	p.publishRef(bus.KindMessageUpserted, env.ConversationID, env.ClientMsgID)
}

// RetryMessage re-arms a terminally failed message for another delivery
// round at the user's request.
func (p *Pipeline) RetryMessage(clientMsgID string) error {
	entry, err := p.db.GetOutbox(clientMsgID)
	if err != nil {
		return &imerr.StorageError{Op: "get outbox", Err: err}
	}
	if entry == nil {
		return &imerr.NotFoundError{Kind: "outbox entry", ID: clientMsgID}
	}
	if err := p.db.ResetOutboxRetry(clientMsgID); err != nil {
		return &imerr.StorageError{Op: "reset outbox retry", Err: err}
	}
	if err := p.db.MarkMessageSending(clientMsgID); err != nil {
		return &imerr.StorageError{Op: "mark message sending", Err: err}
	}
	p.publishRef(bus.KindMessageUpserted, entry.ConversationID, clientMsgID)
	if p.kick != nil {
		p.kick()
	}
	return nil
}

// DiscardMessage abandons an unsent message, deleting the local row and its
// outbox entry.
func (p *Pipeline) DiscardMessage(clientMsgID string) error {
	msg, err := p.db.GetByClientMsgID(clientMsgID)
	if err != nil {
		return &imerr.StorageError{Op: "get message", Err: err}
	}
	if msg == nil {
		return &imerr.NotFoundError{Kind: "message", ID: clientMsgID}
	}
	if err := p.db.RemoveOutbox(clientMsgID); err != nil {
		return &imerr.StorageError{Op: "remove outbox", Err: err}
	}
	if err := p.db.DeleteMessage(clientMsgID); err != nil {
		return &imerr.StorageError{Op: "delete message", Err: err}
	}
	p.publishRef(bus.KindMessageUpserted, msg.ConversationID, clientMsgID)
	return nil
}

func (p *Pipeline) publishRef(kind, conversationID, clientMsgID string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: conversationID, ClientMsgID: clientMsgID},
	})
}
