package chat

import (
	"fmt"
	"strings"
	"time"

	v1 "parley/shared/contracts/chat/v1"
)

// Message body limit (runes). Oversized bodies are rejected as malformed.
const maxBodyChars = 4000

// Status is the delivery status of a message.
type Status string

// Message statuses. New messages default to StatusDelivered on first save.
const (
	StatusDelivered Status = v1.StatusDelivered
	StatusRead      Status = v1.StatusRead
)

// Message is the canonical persisted message representation.
//
// Invariants:
//   - Revision starts at 1 on creation and increments on every successful edit.
//   - Deleted is a one-way flag; no save may flip it back.
//   - Seq is a per-conversation monotonic ordinal assigned at creation.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Sender         string
	Body           string
	Deleted        bool
	Revision       int
	Status         Status
	ACL            string
	EditedAt       time.Time
	EditedBy       string
	CreatedAt      time.Time
}

// IsDeleted reports whether the message has been soft-deleted.
func (m Message) IsDeleted() bool { return m.Deleted }

// BelongsTo reports whether the message is owned by conversationID.
func (m Message) BelongsTo(conversationID string) bool {
	return m.ConversationID != "" && m.ConversationID == conversationID
}

// View converts the message to its wire representation.
func (m Message) View() v1.MessageView {
	return v1.MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Sender:         m.Sender,
		Body:           m.Body,
		Deleted:        m.Deleted,
		Revision:       m.Revision,
		Status:         string(m.Status),
		EditedAt:       m.EditedAt,
		EditedBy:       m.EditedBy,
		CreatedAt:      m.CreatedAt,
	}
}

// MessageFromView reconstructs a Message from its wire representation.
// A persisted record without a conversation reference or sequence number is
// structurally broken and rejected with ErrMalformedMessage.
func MessageFromView(v v1.MessageView) (Message, error) {
	if strings.TrimSpace(v.ConversationID) == "" {
		return Message{}, fmt.Errorf("%w: missing conversation_id", ErrMalformedMessage)
	}
	if v.Seq <= 0 {
		return Message{}, fmt.Errorf("%w: missing seq", ErrMalformedMessage)
	}

	return Message{
		ID:             v.ID,
		ConversationID: v.ConversationID,
		Seq:            v.Seq,
		Sender:         v.Sender,
		Body:           v.Body,
		Deleted:        v.Deleted,
		Revision:       v.Revision,
		Status:         Status(v.Status),
		EditedAt:       v.EditedAt,
		EditedBy:       v.EditedBy,
		CreatedAt:      v.CreatedAt,
	}, nil
}

// ApplyEdit rewrites the message body in place, bumping the revision and
// refreshing the editor stamp. Deleted messages reject edits.
//
// The caller is responsible for archiving the pre-edit snapshot first.
func (m *Message) ApplyEdit(body, actor string, now time.Time) error {
	if m.Deleted {
		return ErrAlreadyDeleted
	}
	if err := ValidateBody(body); err != nil {
		return err
	}

	m.Body = body
	m.Revision++
	m.EditedAt = now
	m.EditedBy = actor
	return nil
}

// ValidateBody checks message content constraints shared by create and edit.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: empty body", ErrMalformedMessage)
	}
	if len([]rune(body)) > maxBodyChars {
		return fmt.Errorf("%w: body exceeds %d chars", ErrMalformedMessage, maxBodyChars)
	}
	return nil
}
