package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"parley/cmd/internal/ids"
	"parley/cmd/internal/metrics"

	v1 "parley/shared/contracts/chat/v1"
)

// Notifier delivers post-commit change events to conversation participants.
// Delivery is best-effort: implementations must never block the pipeline and
// never fail the mutation.
type Notifier interface {
	Notify(ctx context.Context, ev v1.Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, v1.Event) {}

// Service is the message-mutation pipeline. It enforces preconditions, runs
// each mutation through one store transaction, and triggers fan-out after
// commit. The actor is an explicit parameter on every call; there is no
// ambient request identity.
type Service struct {
	store    Store
	convs    ConversationStore
	notifier Notifier
	hooks    Hooks
	log      *slog.Logger
}

// Option configures the Service.
type Option func(*Service) error

// WithNotifier sets the post-commit fan-out sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) error {
		if n == nil {
			return errors.New("chat: nil notifier")
		}
		s.notifier = n
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log == nil {
			return errors.New("chat: nil logger")
		}
		s.log = log
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, convs ConversationStore, opts ...Option) (*Service, error) {
	if store == nil || convs == nil {
		return nil, errors.New("chat: nil store")
	}
	s := &Service{
		store:    store,
		convs:    convs,
		notifier: NopNotifier{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateRequest describes a message creation.
type CreateRequest struct {
	ConversationID string
	Body           string
	Actor          string
	Now            time.Time
}

// EditRequest describes a message edit.
type EditRequest struct {
	MessageID string
	Body      string
	Actor     string
	Now       time.Time
}

// DeleteRequest describes a message soft-delete.
type DeleteRequest struct {
	MessageID string
	Actor     string
	Now       time.Time
}

// CreateMessage validates preconditions and persists a new message: the
// insert, the unread bumps for the other participants, and the last_message
// repoint commit together. The create event fans out after commit.
func (s *Service) CreateMessage(ctx context.Context, req CreateRequest) (Message, error) {
	start := time.Now()

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return Message{}, ErrNotInConversation
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	exists, err := s.convs.Exists(ctx, req.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if !exists {
		return Message{}, ErrConversationNotFound
	}

	member, err := s.convs.IsParticipant(ctx, actor, req.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if !member {
		return Message{}, ErrNotInConversation
	}

	acl, err := s.convs.MessageACL(ctx, req.ConversationID)
	if err != nil {
		return Message{}, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	next := Message{
		ID:             id,
		ConversationID: req.ConversationID,
		Sender:         actor,
		Body:           req.Body,
		ACL:            acl,
	}
	if err := s.hooks.BeforeSave(nil, &next, actor, now); err != nil {
		return Message{}, err
	}

	stored, err := s.store.CreateMessage(ctx, CreateMessageInput{
		ID:             next.ID,
		ConversationID: next.ConversationID,
		Sender:         next.Sender,
		Body:           next.Body,
		Status:         next.Status,
		ACL:            next.ACL,
		Now:            now,
	})
	if err != nil {
		metrics.RecordMessageOp("create", "error", time.Since(start).Seconds())
		return Message{}, err
	}
	metrics.RecordMessageOp("create", "ok", time.Since(start).Seconds())

	s.emit(ctx, s.hooks.AfterSave(stored, true), stored, now)
	return stored, nil
}

// EditMessage applies new content to a message, archiving the pre-edit
// snapshot in the same transaction. Conversation and read-state rows are not
// touched. The update event fans out after commit.
func (s *Service) EditMessage(ctx context.Context, req EditRequest) (Message, error) {
	start := time.Now()

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return Message{}, ErrNotInConversation
	}
	if err := ValidateBody(req.Body); err != nil {
		return Message{}, err
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	updated, err := s.store.EditMessage(ctx, EditMessageInput{
		MessageID: req.MessageID,
		Body:      req.Body,
		Actor:     actor,
		Now:       now,
	})
	if err != nil {
		metrics.RecordMessageOp("edit", "error", time.Since(start).Seconds())
		return Message{}, err
	}
	metrics.RecordMessageOp("edit", "ok", time.Since(start).Seconds())

	s.emit(ctx, s.hooks.AfterSave(updated, false), updated, now)
	return updated, nil
}

// DeleteMessage soft-deletes a message. The soft-delete, the conversation's
// last_message repoint, and the read-pointer reconciliation commit together.
// The delete event fans out after commit.
func (s *Service) DeleteMessage(ctx context.Context, req DeleteRequest) (Message, error) {
	start := time.Now()

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return Message{}, ErrNotInConversation
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	res, err := s.store.DeleteMessage(ctx, DeleteMessageInput{
		MessageID: req.MessageID,
		Actor:     actor,
		Now:       now,
	})
	if err != nil {
		metrics.RecordMessageOp("delete", "error", time.Since(start).Seconds())
		return Message{}, err
	}
	metrics.RecordMessageOp("delete", "ok", time.Since(start).Seconds())

	s.log.Info("message.delete",
		"message_id", res.Stored.ID,
		"conversation_id", res.Stored.ConversationID,
		"last_message_repointed", res.LastMessageRepointed,
		"read_pointers_repointed", res.ReadPointersRepointed,
	)

	s.emit(ctx, s.hooks.AfterSave(res.Stored, false), res.Stored, now)
	return res.Stored, nil
}

// GetMessages returns a window of a conversation's messages. The conversation
// must exist. Default order is DESC by seq.
func (s *Service) GetMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	exists, err := s.convs.Exists(ctx, in.ConversationID)
	if err != nil {
		return ListMessagesResult{}, err
	}
	if !exists {
		return ListMessagesResult{}, ErrConversationNotFound
	}
	return s.store.ListMessages(ctx, in)
}

// GetMessage loads one message by id.
func (s *Service) GetMessage(ctx context.Context, messageID string) (Message, error) {
	return s.store.GetMessage(ctx, messageID)
}

// GetHistory returns a message's archived revisions, oldest first.
func (s *Service) GetHistory(ctx context.Context, messageID string) ([]History, error) {
	if _, err := s.store.GetMessage(ctx, messageID); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, messageID)
}

// CreateConversation creates a conversation with the actor as first participant.
func (s *Service) CreateConversation(ctx context.Context, messageACL string, participants []string, actor string, now time.Time) (Conversation, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Conversation{}, ErrNotInConversation
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	seed := append([]string{actor}, participants...)
	return s.convs.CreateConversation(ctx, CreateConversationInput{
		ID:           id,
		MessageACL:   messageACL,
		Participants: seed,
		Now:          now,
	})
}

// GetConversation loads one conversation by id.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	return s.convs.GetConversation(ctx, conversationID)
}

// Participants lists a conversation's membership rows with read state.
func (s *Service) Participants(ctx context.Context, conversationID string) ([]Participant, error) {
	exists, err := s.convs.Exists(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrConversationNotFound
	}
	return s.convs.Participants(ctx, conversationID)
}

// AddParticipant adds a member to a conversation.
func (s *Service) AddParticipant(ctx context.Context, conversationID, userID string) error {
	exists, err := s.convs.Exists(ctx, conversationID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrConversationNotFound
	}
	return s.convs.AddParticipant(ctx, conversationID, userID)
}

// MarkRead acknowledges messages up to messageID for the actor: resets the
// unread counter and advances the read pointer. The message must belong to
// the conversation.
func (s *Service) MarkRead(ctx context.Context, conversationID, messageID, actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrNotInConversation
	}

	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !m.BelongsTo(conversationID) {
		return ErrMessageNotFound
	}

	return s.convs.MarkRead(ctx, conversationID, actor, messageID)
}

// emit fans out one event. Fan-out is outside the transaction boundary: a
// failure here never unwinds committed state.
func (s *Service) emit(ctx context.Context, eventType string, m Message, now time.Time) {
	evID, err := ids.NewULID(now)
	if err != nil {
		s.log.Error("fanout.id.fail", "err", err)
		return
	}

	s.notifier.Notify(ctx, v1.Event{
		V:              v1.Version,
		ID:             evID,
		Type:           eventType,
		ConversationID: m.ConversationID,
		TS:             now,
		Message:        m.View(),
	})
}
