package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessageAck        = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindFileStored        = "file.stored"
	KindFileUploadFailed  = "file.upload_failed"
	KindSyncPulled        = "sync.pulled"
	KindStatusChanged     = "session.status_changed"
	KindConnected         = "transport.connected"
	KindDisconnected      = "transport.disconnected"
)

// MessageRef identifies a message in message.* event payloads.
type MessageRef struct {
	ConversationID string
	ClientMsgID    string
}
