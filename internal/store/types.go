package store

// Message types.
const (
	TypeText  = "text"
	TypeVoice = "voice"
	TypeImage = "image"
	TypeVideo = "video"
	TypeFile  = "file"
)

// Message statuses.
const (
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusRead    = "read"
	StatusFailed  = "failed"
)

// Outbox statuses.
const (
	OutboxPending = "pending"
	OutboxFailed  = "failed"
)

// File record statuses.
const (
	FilePending = "pending"
	FileStored  = "stored"
	FileFailed  = "failed"
	FileDeleted = "deleted"
)

// FileMeta describes the binary attachment referenced by a message.
type FileMeta struct {
	FileID      string
	Name        string
	ContentType string
	Size        int64
	DurationMs  int64
}

// Message is one row of a conversation timeline. Identity is the
// server-assigned SequenceID once present, else the ClientMsgID.
type Message struct {
	ID             int64
	ConversationID string
	ClientMsgID    string
	SequenceID     int64 // 0 until the server acknowledges
	SenderID       string
	Body           string
	Type           string
	Status         string
	File           *FileMeta // nil for text messages
	ClientTS       int64     // unix ms at composition time
}

// OutboxEntry is a durable intent to deliver a message that the server
// has not acknowledged yet.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string // empty until a private conversation is resolved
	PeerID         string
	Body           string
	Type           string
	FileID         string
	RetryCount     int
	MaxRetry       int
	Status         string
	CreatedAt      int64
	UpdatedAt      int64
}

// FileRecord is the local cache metadata for a binary attachment.
// StoragePath is only trusted after the file is verified on disk.
type FileRecord struct {
	FileID       string
	OriginalName string
	ContentType  string
	Size         int64
	DurationMs   int64
	StoragePath  string // relative to the cache root unless absolute
	Status       string
	LastAccessAt int64
}

// Conversation holds chat-list metadata for one conversation.
type Conversation struct {
	ID                 string
	Kind               string // "private" or "group"
	PeerID             string
	Title              string
	LastMessageAt      int64
	LastMessagePreview string
	UnreadCount        int
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
