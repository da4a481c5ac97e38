package chat

import (
	"context"
	"time"
)

// Conversation is the bookkeeping side of a chat: identity, the access policy
// stamped onto its messages, and the pointer to its current newest message.
type Conversation struct {
	ID          string
	MessageACL  string
	LastMessage *string
	CreatedAt   time.Time
}

// Participant is one (user, conversation) membership row with its read state.
type Participant struct {
	UserID          string
	UnreadCount     int
	LastReadMessage *string
}

// CreateConversationInput describes conversation creation.
type CreateConversationInput struct {
	ID         string
	MessageACL string
	// Participants seeds membership rows at creation time.
	Participants []string
	Now          time.Time
}

// ConversationStore manages conversations and per-user membership rows.
//
/// It is the simple-bookkeeping collaborator of the mutation pipeline: the
// pipeline consults it for preconditions (existence, membership, ACL) and
// mutates its rows only through Store transactions.
type ConversationStore interface {
	CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)

	// Exists reports whether conversationID refers to a known conversation.
	Exists(ctx context.Context, conversationID string) (bool, error)

	// MessageACL returns the access policy new messages inherit.
	MessageACL(ctx context.Context, conversationID string) (string, error)

	// IsParticipant returns true if userID holds a membership row in conversationID.
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)

	AddParticipant(ctx context.Context, conversationID, userID string) error
	Participants(ctx context.Context, conversationID string) ([]Participant, error)

	// MarkRead acknowledges messages up to messageID: resets the user's unread
	// counter and advances their read pointer.
	MarkRead(ctx context.Context, conversationID, userID, messageID string) error
}
