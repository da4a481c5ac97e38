package chat

import (
	"context"
	"time"
)

// Order controls the seq ordering of list queries.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// DefaultOrder applies when a caller does not specify one. Descending by seq
// (newest first) is part of the contract, not an implementation accident.
const DefaultOrder = OrderDesc

// CreateMessageInput describes a message creation request.
// Seq and revision are assigned by the store.
type CreateMessageInput struct {
	ID             string
	ConversationID string
	Sender         string
	Body           string
	Status         Status
	ACL            string
	Now            time.Time
}

// EditMessageInput describes a message edit request.
type EditMessageInput struct {
	MessageID string
	Body      string
	Actor     string
	Now       time.Time
}

// DeleteMessageInput describes a soft-delete request.
type DeleteMessageInput struct {
	MessageID string
	Actor     string
	Now       time.Time
}

// DeleteMessageResult reports the soft-delete outcome.
type DeleteMessageResult struct {
	// Stored is the message after the soft-delete was applied.
	Stored Message

	// ReplacementID is the non-deleted message in the same conversation with
	// the greatest seq strictly below the deleted one, or nil if none exists.
	ReplacementID *string

	// LastMessageRepointed is true when the conversation's last_message
	// referenced the deleted message and was moved to the replacement.
	LastMessageRepointed bool

	// ReadPointersRepointed counts user_conversation rows whose
	// last_read_message was moved to the replacement.
	ReadPointersRepointed int64
}

// ListMessagesInput describes a paginated history query.
type ListMessagesInput struct {
	ConversationID string
	Limit          int
	BeforeTime     *time.Time
	Order          Order
}

// ListMessagesResult contains the retrieved window.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}

// Store persists messages and executes the pipeline's multi-entity mutations.
//
// Requirements:
//   - Monotonic seq per conversation, assigned at creation.
//   - CreateMessage atomically inserts the message, bumps unread counters for
//     every participant except the sender, and repoints the conversation's
//     last_message.
//   - EditMessage atomically archives the pre-edit snapshot and applies the
//     edit. It never touches conversation or read-state rows.
//   - DeleteMessage atomically soft-deletes, repoints the conversation's
//     last_message when needed, and repoints stale read pointers with one
//     set-based update.
//   - No partial application is ever observable by a concurrent reader.
type Store interface {
	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	EditMessage(ctx context.Context, in EditMessageInput) (Message, error)
	DeleteMessage(ctx context.Context, in DeleteMessageInput) (DeleteMessageResult, error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)
	ListHistory(ctx context.Context, messageID string) ([]History, error)
	Close() error
}
