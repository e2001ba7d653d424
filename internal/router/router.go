// Package router dispatches inbound messages to the conversation the UI
// currently has open, buffering for conversations not yet attached.
package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pengpengno/Group-IM-sub000/internal/store"
)

// Sink receives routed messages for one attached conversation. Deliver
// must not block; it runs on the routing path.
type Sink interface {
	Deliver(msg *store.Message)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg *store.Message)

func (f SinkFunc) Deliver(msg *store.Message) { f(msg) }

// Router holds per-conversation sinks plus bounded buffers for messages
// arriving before the conversation screen attaches.
type Router struct {
	mu        sync.Mutex
	sinks     map[string]Sink
	buffers   map[string][]*store.Message
	bufferCap int
	logger    *zap.Logger
}

// New creates a router. bufferCap bounds buffered messages per unattached
// conversation; beyond it the oldest entry is dropped.
func New(bufferCap int, logger *zap.Logger) *Router {
	if bufferCap <= 0 {
		bufferCap = 256
	}
	return &Router{
		sinks:     make(map[string]Sink),
		buffers:   make(map[string][]*store.Message),
		bufferCap: bufferCap,
		logger:    logger,
	}
}

// Register attaches a sink for a conversation. Any buffered messages are
// flushed to it in arrival order before subsequent routes, then the buffer
// is cleared. A previous sink for the same conversation is replaced.
func (r *Router) Register(conversationID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Flush under the lock so no concurrent Route can interleave ahead
	// of the buffered backlog.
	for _, msg := range r.buffers[conversationID] {
		sink.Deliver(msg)
	}
	delete(r.buffers, conversationID)
	r.sinks[conversationID] = sink
}

// Unregister detaches the sink. In-flight sends and syncs for the
// conversation continue; their effects land in durable storage.
func (r *Router) Unregister(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, conversationID)
}

// Route delivers an inbound message to the attached sink, or buffers it.
func (r *Router) Route(msg *store.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sink, ok := r.sinks[msg.ConversationID]; ok {
		sink.Deliver(msg)
		return
	}

	buf := append(r.buffers[msg.ConversationID], msg)
	if len(buf) > r.bufferCap {
		dropped := len(buf) - r.bufferCap
		buf = buf[dropped:]
		if r.logger != nil {
			r.logger.Warn("router buffer full, dropping oldest",
				zap.String("conversation_id", msg.ConversationID),
				zap.Int("dropped", dropped))
		}
	}
	r.buffers[msg.ConversationID] = buf
}

// Attached reports whether a sink is currently registered for a
// conversation.
func (r *Router) Attached(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sinks[conversationID]
	return ok
}

// Buffered reports how many messages are waiting for a conversation.
func (r *Router) Buffered(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers[conversationID])
}
