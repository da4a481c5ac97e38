package notify

import (
	"log/slog"
	"sync"

	"parley/cmd/internal/metrics"

	v1 "parley/shared/contracts/chat/v1"
)

// Feed is the in-memory subscriber group for one conversation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Feed struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewFeed constructs a feed for one conversation.
func NewFeed(log *slog.Logger, conversationID string) *Feed {
	return &Feed{
		log:     log,
		ID:      conversationID,
		members: make(map[string]*Client),
	}
}

// Join adds a subscriber to the feed.
func (f *Feed) Join(client *Client) {
	if f == nil || client == nil || client.SessionID == "" {
		return
	}

	f.mu.Lock()
	f.members[client.SessionID] = client
	f.mu.Unlock()

	f.log.Info("feed.member.join", "conversation_id", f.ID, "session_id", client.SessionID, "user_id", client.UserID)
}

// Leave removes a subscriber and signals shutdown for that client.
func (f *Feed) Leave(sessionID string) {
	if f == nil || sessionID == "" {
		return
	}

	var cl *Client

	f.mu.Lock()
	cl = f.members[sessionID]
	delete(f.members, sessionID)
	f.mu.Unlock()

	// Signal client shutdown after removing from membership.
	// This ordering avoids race windows where a broadcaster still holds a pointer
	// while the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
	}

	f.log.Info("feed.member.leave", "conversation_id", f.ID, "session_id", sessionID)
}

// Broadcast fans an event out to all subscribers.
// Non-blocking: if a member queue is full or the client is shutting down, the
// delivery is dropped.
func (f *Feed) Broadcast(ev v1.Event) {
	if f == nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, m := range f.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- ev:
			metrics.FanoutTotal.WithLabelValues("ws", ev.Type).Inc()
		default:
			metrics.FanoutDropped.WithLabelValues("ws").Inc()
			f.log.Warn("feed.broadcast.drop", "conversation_id", f.ID, "session_id", m.SessionID)
		}
	}
}
