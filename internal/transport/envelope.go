package transport

import (
	"encoding/json"
	"fmt"
)

// Frame kinds carried on the wire.
const (
	FrameMessage = "message"
	FrameAck     = "ack"
	FrameRead    = "read"
)

// Frame is the outer wire envelope; Data decodes per Kind.
type Frame struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// FileInfo describes the binary attachment referenced by an envelope.
type FileInfo struct {
	FileID      string `json:"file_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// MessageEnvelope is one message on the wire, inbound or outbound.
// SequenceID is zero on outbound frames; the server assigns it and echoes
// it back in the ack.
type MessageEnvelope struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id"`
	SequenceID     int64     `json:"sequence_id,omitempty"`
	SenderID       string    `json:"sender_id"`
	Type           string    `json:"type"`
	Body           string    `json:"body,omitempty"`
	File           *FileInfo `json:"file,omitempty"`
	SentAtMs       int64     `json:"sent_at_ms"`
}

// AckEnvelope confirms server receipt of an outbound message.
type AckEnvelope struct {
	ClientMsgID    string `json:"client_msg_id"`
	ConversationID string `json:"conversation_id"`
	SequenceID     int64  `json:"sequence_id"`
}

// ReadEnvelope is a read receipt up to a sequence boundary.
type ReadEnvelope struct {
	ConversationID string `json:"conversation_id"`
	UpToSequenceID int64  `json:"up_to_sequence_id"`
	ReaderID       string `json:"reader_id"`
}

// DecodeFrame resolves the wire tagged union into a concrete envelope.
// Unknown kinds are an error so protocol drift is caught at the boundary,
// not deep inside business logic.
func DecodeFrame(raw []byte) (any, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Kind {
	case FrameMessage:
		var env MessageEnvelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			return nil, fmt.Errorf("decode message envelope: %w", err)
		}
		return &env, nil
	case FrameAck:
		var env AckEnvelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			return nil, fmt.Errorf("decode ack envelope: %w", err)
		}
		return &env, nil
	case FrameRead:
		var env ReadEnvelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			return nil, fmt.Errorf("decode read envelope: %w", err)
		}
		return &env, nil
	default:
		return nil, fmt.Errorf("unknown frame kind %q", f.Kind)
	}
}

// EncodeFrame wraps an envelope in the outer frame for the wire.
func EncodeFrame(v any) ([]byte, error) {
	var kind string
	switch v.(type) {
	case *MessageEnvelope:
		kind = FrameMessage
	case *AckEnvelope:
		kind = FrameAck
	case *ReadEnvelope:
		kind = FrameRead
	default:
		return nil, fmt.Errorf("unsupported envelope type %T", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Kind: kind, Data: data})
}
