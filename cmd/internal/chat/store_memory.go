package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is a dev-only fallback when DB is not configured.
// It implements both Store and ConversationStore with the same invariants as
// the Postgres implementations, guarded by one mutex in place of transactions.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConversation
	msgs  map[string]*Message
	hist  map[string][]History
	nextH int64
}

type memConversation struct {
	conv    Conversation
	nextSeq int64
	parts   map[string]*Participant
	order   []string // message ids, seq ascending
}

// NewInMemoryStore constructs an in-memory implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConversation),
		msgs:  make(map[string]*Message),
		hist:  make(map[string][]History),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateMessage persists a message, bumps unread counters for other
// participants, and repoints the conversation's last_message, atomically
// under the store mutex.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if in.ID == "" || in.ConversationID == "" || in.Sender == "" {
		return Message{}, fmt.Errorf("%w: missing id, conversation_id or sender", ErrMalformedMessage)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	status := in.Status
	if status == "" {
		status = StatusDelivered
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return Message{}, ErrConversationNotFound
	}

	c.nextSeq++
	m := Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		Seq:            c.nextSeq,
		Sender:         in.Sender,
		Body:           in.Body,
		Deleted:        false,
		Revision:       1,
		Status:         status,
		ACL:            in.ACL,
		EditedAt:       now,
		EditedBy:       in.Sender,
		CreatedAt:      now,
	}
	s.msgs[m.ID] = &m
	c.order = append(c.order, m.ID)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.order) > memMaxMessagesPerConversation {
		c.order = c.order[len(c.order)-memMaxMessagesPerConversation:]
	}

	for userID, p := range c.parts {
		if userID == in.Sender {
			continue
		}
		p.UnreadCount++
	}

	id := m.ID
	c.conv.LastMessage = &id

	return m, nil
}

// EditMessage archives the pre-edit snapshot and applies the edit.
func (s *InMemoryStore) EditMessage(ctx context.Context, in EditMessageInput) (Message, error) {
	if in.MessageID == "" || in.Actor == "" {
		return Message{}, fmt.Errorf("%w: missing message_id or actor", ErrMalformedMessage)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.msgs[in.MessageID]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	if m.Deleted {
		return Message{}, ErrAlreadyDeleted
	}

	snap := NewHistory(*m, now)
	s.nextH++
	snap.ID = s.nextH

	updated := *m
	if err := updated.ApplyEdit(in.Body, in.Actor, now); err != nil {
		return Message{}, err
	}

	s.hist[m.ID] = append(s.hist[m.ID], snap)
	*m = updated
	return updated, nil
}

// DeleteMessage soft-deletes and repairs the conversation and read pointers.
func (s *InMemoryStore) DeleteMessage(ctx context.Context, in DeleteMessageInput) (DeleteMessageResult, error) {
	if in.MessageID == "" || in.Actor == "" {
		return DeleteMessageResult{}, fmt.Errorf("%w: missing message_id or actor", ErrMalformedMessage)
	}
	if err := ctx.Err(); err != nil {
		return DeleteMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.msgs[in.MessageID]
	if m == nil {
		return DeleteMessageResult{}, ErrMessageNotFound
	}
	if m.Deleted {
		return DeleteMessageResult{}, ErrAlreadyDeleted
	}

	c := s.convs[m.ConversationID]
	if c == nil {
		return DeleteMessageResult{}, ErrConversationNotFound
	}

	m.Deleted = true
	m.EditedAt = now
	m.EditedBy = in.Actor

	// Replacement: greatest seq strictly below the deleted one, non-deleted,
	// in the same conversation.
	var replacement *string
	for i := len(c.order) - 1; i >= 0; i-- {
		cand := s.msgs[c.order[i]]
		if cand == nil || cand.Deleted || cand.Seq >= m.Seq {
			continue
		}
		id := cand.ID
		replacement = &id
		break
	}

	res := DeleteMessageResult{
		Stored:        *m,
		ReplacementID: replacement,
	}

	if c.conv.LastMessage != nil && *c.conv.LastMessage == m.ID {
		c.conv.LastMessage = replacement
		res.LastMessageRepointed = true
	}

	for _, p := range c.parts {
		if p.LastReadMessage != nil && *p.LastReadMessage == m.ID {
			p.LastReadMessage = replacement
			res.ReadPointersRepointed++
		}
	}

	return res, nil
}

// GetMessage loads one message by id.
func (s *InMemoryStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.msgs[messageID]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	return *m, nil
}

// ListMessages returns a window ordered by seq, DESC unless asked otherwise.
func (s *InMemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ConversationID == "" {
		return ListMessagesResult{}, ErrConversationNotFound
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	fetch := limit + 1

	order := in.Order
	if order == "" {
		order = DefaultOrder
	}

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []Message
	if c != nil {
		snap = make([]Message, 0, len(c.order))
		for _, id := range c.order {
			m := s.msgs[id]
			if m == nil {
				continue
			}
			if in.BeforeTime != nil && !m.CreatedAt.Before(*in.BeforeTime) {
				continue
			}
			snap = append(snap, *m)
		}
	}
	s.mu.Unlock()

	if c == nil {
		return ListMessagesResult{}, ErrConversationNotFound
	}

	sort.Slice(snap, func(i, j int) bool {
		if order == OrderAsc {
			return snap[i].Seq < snap[j].Seq
		}
		return snap[i].Seq > snap[j].Seq
	})

	if len(snap) > fetch {
		snap = snap[:fetch]
	}
	hasMore := len(snap) > limit
	if hasMore {
		snap = snap[:limit]
	}

	return ListMessagesResult{Messages: snap, HasMore: hasMore}, nil
}

// ListHistory returns archived revisions, oldest first.
func (s *InMemoryStore) ListHistory(ctx context.Context, messageID string) ([]History, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]History(nil), s.hist[messageID]...), nil
}

// ---- ConversationStore ----

// CreateConversation creates a conversation and seeds membership rows.
func (s *InMemoryStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	if strings.TrimSpace(in.ID) == "" {
		return Conversation{}, errors.New("chat: missing conversation id")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[in.ID]; ok {
		return Conversation{}, errors.New("chat: conversation already exists")
	}

	c := &memConversation{
		conv:  Conversation{ID: in.ID, MessageACL: in.MessageACL, CreatedAt: now},
		parts: make(map[string]*Participant),
	}
	for _, userID := range in.Participants {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		c.parts[userID] = &Participant{UserID: userID}
	}
	s.convs[in.ID] = c

	return c.conv, nil
}

// GetConversation loads one conversation by id.
func (s *InMemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return Conversation{}, ErrConversationNotFound
	}
	return c.conv, nil
}

// Exists reports whether the conversation is known.
func (s *InMemoryStore) Exists(ctx context.Context, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.convs[conversationID]
	return ok, nil
}

// MessageACL returns the conversation's message access policy.
func (s *InMemoryStore) MessageACL(ctx context.Context, conversationID string) (string, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return c.MessageACL, nil
}

// IsParticipant checks membership.
func (s *InMemoryStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return false, nil
	}
	_, ok := c.parts[userID]
	return ok, nil
}

// AddParticipant creates a membership row with zeroed read state.
func (s *InMemoryStore) AddParticipant(ctx context.Context, conversationID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("chat: missing user id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return ErrConversationNotFound
	}
	if _, ok := c.parts[userID]; !ok {
		c.parts[userID] = &Participant{UserID: userID}
	}
	return nil
}

// Participants returns membership rows sorted by user id.
func (s *InMemoryStore) Participants(ctx context.Context, conversationID string) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return nil, ErrConversationNotFound
	}

	out := make([]Participant, 0, len(c.parts))
	for _, p := range c.parts {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// MarkRead resets the unread counter and advances the read pointer.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, userID, messageID string) error {
	if conversationID == "" || userID == "" || messageID == "" {
		return errors.New("chat: missing conversation, user or message id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return ErrConversationNotFound
	}
	p := c.parts[userID]
	if p == nil {
		return ErrNotInConversation
	}

	id := messageID
	p.UnreadCount = 0
	p.LastReadMessage = &id
	return nil
}
