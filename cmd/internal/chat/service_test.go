package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "parley/shared/contracts/chat/v1"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []v1.Event
}

func (c *captureNotifier) Notify(_ context.Context, ev v1.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureNotifier) all() []v1.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]v1.Event(nil), c.events...)
}

func newTestService(t *testing.T) (*Service, *InMemoryStore, *captureNotifier) {
	t.Helper()

	store := NewInMemoryStore()
	sink := &captureNotifier{}
	svc, err := NewService(store, store,
		WithNotifier(sink),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store, sink
}

func TestServiceCreateMessage_HappyPathEmitsCreate(t *testing.T) {
	t.Parallel()

	svc, _, sink := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "", []string{"bob"}, "alice", time.Time{})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	m, err := svc.CreateMessage(ctx, CreateRequest{
		ConversationID: conv.ID,
		Body:           "hello",
		Actor:          "alice",
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if m.ID == "" || m.Seq != 1 || m.Revision != 1 {
		t.Fatalf("stored message wrong: %+v", m)
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("events=%d want 1", len(events))
	}
	ev := events[0]
	if ev.Type != v1.EventCreate {
		t.Fatalf("event type=%q want %q", ev.Type, v1.EventCreate)
	}
	if ev.ConversationID != conv.ID || ev.Message.ID != m.ID {
		t.Fatalf("event routing wrong: %+v", ev)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("emitted event invalid: %v", err)
	}
}

func TestServiceCreateMessage_Preconditions(t *testing.T) {
	t.Parallel()

	svc, _, sink := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "", nil, "alice", time.Time{})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"unknown conversation", CreateRequest{ConversationID: "missing", Body: "x", Actor: "alice"}, ErrConversationNotFound},
		{"non participant", CreateRequest{ConversationID: conv.ID, Body: "x", Actor: "mallory"}, ErrNotInConversation},
		{"blank actor", CreateRequest{ConversationID: conv.ID, Body: "x", Actor: "  "}, ErrNotInConversation},
		{"blank body", CreateRequest{ConversationID: conv.ID, Body: "   ", Actor: "alice"}, ErrMalformedMessage},
	}

	for _, tc := range cases {
		if _, err := svc.CreateMessage(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}

	if got := len(sink.all()); got != 0 {
		t.Fatalf("failed mutations must not fan out, got %d events", got)
	}
}

func TestServiceEditMessage_EmitsUpdate(t *testing.T) {
	t.Parallel()

	svc, _, sink := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "", nil, "alice", time.Time{})
	m, err := svc.CreateMessage(ctx, CreateRequest{ConversationID: conv.ID, Body: "v1", Actor: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	edited, err := svc.EditMessage(ctx, EditRequest{MessageID: m.ID, Body: "v2", Actor: "alice"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Revision != 2 || edited.Body != "v2" {
		t.Fatalf("edited=%+v", edited)
	}

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("events=%d want 2", len(events))
	}
	if events[1].Type != v1.EventUpdate {
		t.Fatalf("second event=%q want %q", events[1].Type, v1.EventUpdate)
	}
	if events[1].Message.Revision != 2 {
		t.Fatalf("event carries revision %d want 2", events[1].Message.Revision)
	}
}

func TestServiceDeleteMessage_EmitsDelete(t *testing.T) {
	t.Parallel()

	svc, _, sink := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "", nil, "alice", time.Time{})
	m, err := svc.CreateMessage(ctx, CreateRequest{ConversationID: conv.ID, Body: "bye", Actor: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	deleted, err := svc.DeleteMessage(ctx, DeleteRequest{MessageID: m.ID, Actor: "alice"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted.Deleted {
		t.Fatalf("returned message not marked deleted")
	}

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("events=%d want 2", len(events))
	}
	if events[1].Type != v1.EventDelete {
		t.Fatalf("second event=%q want %q", events[1].Type, v1.EventDelete)
	}
	if !events[1].Message.Deleted {
		t.Fatalf("delete event carries non-deleted view")
	}

	if _, err := svc.DeleteMessage(ctx, DeleteRequest{MessageID: m.ID, Actor: "alice"}); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("repeat delete: err=%v want ErrAlreadyDeleted", err)
	}
}

func TestServiceGetMessages_RequiresConversation(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	_, err := svc.GetMessages(context.Background(), ListMessagesInput{ConversationID: "missing"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err=%v want ErrConversationNotFound", err)
	}
}

func TestServiceGetHistory(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "", nil, "alice", time.Time{})
	m, _ := svc.CreateMessage(ctx, CreateRequest{ConversationID: conv.ID, Body: "v1", Actor: "alice"})

	if _, err := svc.EditMessage(ctx, EditRequest{MessageID: m.ID, Body: "v2", Actor: "alice"}); err != nil {
		t.Fatalf("edit: %v", err)
	}

	hist, err := svc.GetHistory(ctx, m.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Body != "v1" {
		t.Fatalf("history=%+v want one row with body v1", hist)
	}

	if _, err := svc.GetHistory(ctx, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing message: err=%v want ErrMessageNotFound", err)
	}
}

func TestServiceMarkRead_ChecksOwnership(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	convA, _ := svc.CreateConversation(ctx, "", nil, "alice", time.Time{})
	convB, _ := svc.CreateConversation(ctx, "", nil, "alice", time.Time{})
	m, _ := svc.CreateMessage(ctx, CreateRequest{ConversationID: convA.ID, Body: "hi", Actor: "alice"})

	// Message lives in convA, acknowledging it against convB must fail.
	if err := svc.MarkRead(ctx, convB.ID, m.ID, "alice"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("cross-conversation ack: err=%v want ErrMessageNotFound", err)
	}

	if err := svc.MarkRead(ctx, convA.ID, m.ID, "alice"); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestServiceCreateConversation_SeedsActor(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "owner-only", []string{"bob"}, "alice", time.Time{})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if conv.MessageACL != "owner-only" {
		t.Fatalf("acl=%q", conv.MessageACL)
	}

	for _, u := range []string{"alice", "bob"} {
		ok, err := store.IsParticipant(ctx, u, conv.ID)
		if err != nil || !ok {
			t.Fatalf("participant %s: ok=%v err=%v", u, ok, err)
		}
	}
}
