package notify

import (
	"context"
	"log/slog"
	"sync"

	v1 "parley/shared/contracts/chat/v1"
)

// Hub owns in-memory feeds and provides stable per-conversation handles.
// It is the in-process Notifier: events broadcast to connected subscribers of
// the event's conversation. Persistence never lives here.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	feeds map[string]*Feed
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		feeds: make(map[string]*Feed),
	}
}

// GetOrCreateFeed returns a stable feed handle for a conversation.
func (h *Hub) GetOrCreateFeed(conversationID string) *Feed {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f, ok := h.feeds[conversationID]; ok {
		return f
	}

	f := NewFeed(h.log, conversationID)
	h.feeds[conversationID] = f
	return f
}

// Notify broadcasts the event to the conversation's connected subscribers.
func (h *Hub) Notify(_ context.Context, ev v1.Event) {
	if h == nil {
		return
	}

	h.mu.RLock()
	f := h.feeds[ev.ConversationID]
	h.mu.RUnlock()

	if f == nil {
		// No subscribers: nothing to deliver, by design.
		return
	}
	f.Broadcast(ev)
}

// Notifier matches the pipeline's fan-out contract.
type Notifier interface {
	Notify(ctx context.Context, ev v1.Event)
}

// Multi fans one event out to several notifiers in order.
type Multi []Notifier

// Notify implements the Notifier contract over all members.
func (m Multi) Notify(ctx context.Context, ev v1.Event) {
	for _, n := range m {
		if n == nil {
			continue
		}
		n.Notify(ctx, ev)
	}
}
