// Package transport defines the client side of the contract with the IM
// server. The engine only sees these interfaces; the websocket+HTTP
// implementation lives in transport/ws.
package transport

import "context"

// MessageSender hands an outbound message to the wire. A nil error means
// the frame was written, not that the server received it; receipt is
// confirmed by a later ack.
type MessageSender interface {
	SendMessage(ctx context.Context, env *MessageEnvelope) error
}

// ConversationResolver finds or creates the private conversation with a
// peer on the server.
type ConversationResolver interface {
	ResolvePrivateConversation(ctx context.Context, peerID string) (conversationID string, err error)
}

// MessageFetcher pulls message ranges from the server. forward=true reads
// sequence ids above the boundary (incremental sync, gap fill);
// forward=false reads below it (history pages).
type MessageFetcher interface {
	FetchMessages(ctx context.Context, conversationID string, boundarySeq int64, forward bool, limit int) ([]MessageEnvelope, error)
}

// FileTransfer moves binary attachment payloads, correlated to messages
// only by file id.
type FileTransfer interface {
	Download(ctx context.Context, fileID string) ([]byte, *FileInfo, error)
	Upload(ctx context.Context, info *FileInfo, data []byte) error
}

// Server is the full client-side contract with the IM server.
type Server interface {
	MessageSender
	ConversationResolver
	MessageFetcher
	FileTransfer
}

// Inbound receives frames pushed by the server. The engine implements it;
// the transport's read loop calls it.
type Inbound interface {
	HandleMessage(env *MessageEnvelope)
	HandleAck(env *AckEnvelope)
	HandleRead(env *ReadEnvelope)
}
