package chat

import "time"

// History is a frozen copy of a message's fields captured at the moment
// before an edit is applied. One row per prior revision. Append-only: rows
// are written by the mutation pipeline and never updated or deleted.
type History struct {
	ID         int64
	MessageID  string
	Revision   int
	Body       string
	Sender     string
	Deleted    bool
	Status     Status
	EditedAt   time.Time
	EditedBy   string
	ArchivedAt time.Time
}

// NewHistory snapshots the pre-edit state of m.
func NewHistory(m Message, now time.Time) History {
	return History{
		MessageID:  m.ID,
		Revision:   m.Revision,
		Body:       m.Body,
		Sender:     m.Sender,
		Deleted:    m.Deleted,
		Status:     m.Status,
		EditedAt:   m.EditedAt,
		EditedBy:   m.EditedBy,
		ArchivedAt: now,
	}
}
