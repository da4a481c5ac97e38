package chat

import (
	"strings"
	"time"

	v1 "parley/shared/contracts/chat/v1"
)

// Hooks is the record-framework integration surface, reworked from a
// host-managed before/after callback bus into explicit methods: BeforeSave is
// the validate-then-prepare step, AfterSave derives the post-commit event, and
// BeforeDelete rejects hard deletes outright.
type Hooks struct{}

// BeforeSave validates and prepares a message save. current is the persisted
// state (nil on creation); next is mutated in place with server-assigned
// defaults.
func (Hooks) BeforeSave(current *Message, next *Message, actor string, now time.Time) error {
	if next == nil {
		return ErrMalformedMessage
	}
	if current != nil && current.Deleted {
		return ErrAlreadyDeleted
	}
	if strings.TrimSpace(next.ConversationID) == "" {
		return ErrMalformedMessage
	}
	if err := ValidateBody(next.Body); err != nil {
		return err
	}

	if current == nil {
		next.Deleted = false
		next.Revision = 1
	} else {
		next.Revision = current.Revision + 1
	}

	next.EditedAt = now
	next.EditedBy = actor
	if next.Status == "" {
		next.Status = StatusDelivered
	}
	return nil
}

// AfterSave derives the fan-out event type for a committed save.
func (Hooks) AfterSave(m Message, created bool) string {
	switch {
	case m.Deleted:
		return v1.EventDelete
	case created:
		return v1.EventCreate
	default:
		return v1.EventUpdate
	}
}

// BeforeDelete always rejects: hard deletes bypass the pointer-reconciliation
// transaction and are not supported. Deletion goes through the pipeline's
// DeleteMessage only.
func (Hooks) BeforeDelete(Message) error {
	return ErrNotSupported
}
