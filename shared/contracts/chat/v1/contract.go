// Package v1 defines the Parley chat event contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire format authoritative.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the contract version identifier embedded into every event.
const Version = "v1"

// Event types (wire-stable). One per message mutation.
const (
	// EventCreate announces a newly created message.
	EventCreate = "create"
	// EventUpdate announces an edited message.
	EventUpdate = "update"
	// EventDelete announces a soft-deleted message.
	EventDelete = "delete"
)

// Message statuses (wire-stable).
const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// MessageView is the caller-facing representation of a message.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Sender         string    `json:"sender"`
	Body           string    `json:"body"`
	Deleted        bool      `json:"deleted"`
	Revision       int       `json:"revision"`
	Status         string    `json:"message_status"`
	EditedAt       time.Time `json:"edited_at"`
	EditedBy       string    `json:"edited_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is the canonical fan-out envelope delivered to conversation participants.
type Event struct {
	V              string      `json:"v"`
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TS             time.Time   `json:"ts"`
	Message        MessageView `json:"message"`
}

// Validate performs strict structural validation for an Event.
func (e Event) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported contract version: %q", e.V)
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing field: id")
	}
	if strings.TrimSpace(e.ConversationID) == "" {
		return errors.New("missing field: conversation_id")
	}
	if e.TS.IsZero() {
		return errors.New("missing field: ts")
	}

	switch e.Type {
	case EventCreate, EventUpdate, EventDelete:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}
