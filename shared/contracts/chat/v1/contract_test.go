package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validEvent() Event {
	return Event{
		V:              Version,
		ID:             "ev-1",
		Type:           EventCreate,
		ConversationID: "c1",
		TS:             time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Message: MessageView{
			ID:             "m1",
			ConversationID: "c1",
			Seq:            1,
			Sender:         "alice",
			Body:           "hello",
			Revision:       1,
			Status:         StatusDelivered,
		},
	}
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	if err := validEvent().Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing v", func(e *Event) { e.V = "" }},
		{"wrong version", func(e *Event) { e.V = "v0" }},
		{"missing id", func(e *Event) { e.ID = " " }},
		{"missing conversation", func(e *Event) { e.ConversationID = "" }},
		{"zero ts", func(e *Event) { e.TS = time.Time{} }},
		{"unknown type", func(e *Event) { e.Type = "upsert" }},
	}

	for _, tc := range cases {
		ev := validEvent()
		tc.mutate(&ev)
		if err := ev.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

// Wire stability: renaming these JSON keys breaks deployed clients.
func TestEventWireKeys(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(validEvent())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)

	for _, key := range []string{
		`"v"`, `"id"`, `"type"`, `"conversation_id"`, `"ts"`, `"message"`,
		`"seq"`, `"sender"`, `"body"`, `"deleted"`, `"revision"`, `"message_status"`,
		`"edited_at"`, `"edited_by"`, `"created_at"`,
	} {
		if !strings.Contains(s, key) {
			t.Fatalf("wire payload missing key %s: %s", key, s)
		}
	}
}
