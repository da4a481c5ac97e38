package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PARLEY_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_CreateMessage_SeqUnreadLastMessage(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	msgs, convs := mustNewStores(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-create-" + testRandomHex(8)
	mustSeedConversation(t, ctx, convs, convID, "alice", "bob", "carol")

	first, err := msgs.CreateMessage(ctx, CreateMessageInput{
		ID:             "m1-" + testRandomHex(4),
		ConversationID: convID,
		Sender:         "alice",
		Body:           "hello",
	})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.Seq != 1 || first.Revision != 1 || first.Deleted {
		t.Fatalf("first message: %+v", first)
	}
	if first.Status != StatusDelivered {
		t.Fatalf("status=%q want %q", first.Status, StatusDelivered)
	}

	second, err := msgs.CreateMessage(ctx, CreateMessageInput{
		ID:             "m2-" + testRandomHex(4),
		ConversationID: convID,
		Sender:         "bob",
		Body:           "hi back",
	})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("second seq=%d want 2", second.Seq)
	}

	conv, err := convs.GetConversation(ctx, convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.LastMessage == nil || *conv.LastMessage != second.ID {
		t.Fatalf("last_message=%v want %q", conv.LastMessage, second.ID)
	}

	// Author never counts their own message as unread.
	parts, err := convs.Participants(ctx, convID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	want := map[string]int{"alice": 1, "bob": 1, "carol": 2}
	for _, p := range parts {
		if p.UnreadCount != want[p.UserID] {
			t.Fatalf("%s unread=%d want %d", p.UserID, p.UnreadCount, want[p.UserID])
		}
	}
}

func TestPostgresStore_CreateMessage_UnknownConversation(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	msgs, _ := mustNewStores(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := msgs.CreateMessage(ctx, CreateMessageInput{
		ID:             "m-" + testRandomHex(4),
		ConversationID: "ghost-" + testRandomHex(4),
		Sender:         "alice",
		Body:           "into the void",
	})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err=%v want ErrConversationNotFound", err)
	}
}

func TestPostgresStore_EditMessage_ArchivesRevisions(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	msgs, convs := mustNewStores(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-edit-" + testRandomHex(8)
	mustSeedConversation(t, ctx, convs, convID, "alice", "bob")

	created, err := msgs.CreateMessage(ctx, CreateMessageInput{
		ID:             "m-" + testRandomHex(4),
		ConversationID: convID,
		Sender:         "alice",
		Body:           "v1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	edited, err := msgs.EditMessage(ctx, EditMessageInput{
		MessageID: created.ID,
		Body:      "v2",
		Actor:     "bob",
	})
	if err != nil {
		t.Fatalf("edit 1: %v", err)
	}
	if edited.Revision != 2 || edited.Body != "v2" || edited.EditedBy != "bob" {
		t.Fatalf("edit 1: %+v", edited)
	}
	if edited.Sender != "alice" {
		t.Fatalf("edit must not change sender: %q", edited.Sender)
	}

	if _, err := msgs.EditMessage(ctx, EditMessageInput{
		MessageID: created.ID,
		Body:      "v3",
		Actor:     "alice",
	}); err != nil {
		t.Fatalf("edit 2: %v", err)
	}

	hist, err := msgs.ListHistory(ctx, created.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history rows=%d want 2", len(hist))
	}
	if hist[0].Revision != 1 || hist[0].Body != "v1" {
		t.Fatalf("history[0]=%+v", hist[0])
	}
	if hist[1].Revision != 2 || hist[1].Body != "v2" || hist[1].EditedBy != "bob" {
		t.Fatalf("history[1]=%+v", hist[1])
	}

	// Read state and last_message must be untouched by edits.
	conv, err := convs.GetConversation(ctx, convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.LastMessage == nil || *conv.LastMessage != created.ID {
		t.Fatalf("last_message=%v want %q", conv.LastMessage, created.ID)
	}

	if _, err := msgs.EditMessage(ctx, EditMessageInput{
		MessageID: "nope-" + testRandomHex(4),
		Body:      "x",
		Actor:     "alice",
	}); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing message: err=%v want ErrMessageNotFound", err)
	}
}

func TestPostgresStore_DeleteMessage_PointerCascade(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	msgs, convs := mustNewStores(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	convID := "it-delete-" + testRandomHex(8)
	mustSeedConversation(t, ctx, convs, convID, "alice", "bob", "carol")

	ids := make([]string, 0, 3)
	for i := 1; i <= 3; i++ {
		m, err := msgs.CreateMessage(ctx, CreateMessageInput{
			ID:             fmt.Sprintf("m%d-%s", i, testRandomHex(4)),
			ConversationID: convID,
			Sender:         "alice",
			Body:           fmt.Sprintf("msg %d", i),
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	if err := convs.MarkRead(ctx, convID, "bob", ids[2]); err != nil {
		t.Fatalf("mark read bob: %v", err)
	}
	if err := convs.MarkRead(ctx, convID, "carol", ids[1]); err != nil {
		t.Fatalf("mark read carol: %v", err)
	}

	res, err := msgs.DeleteMessage(ctx, DeleteMessageInput{MessageID: ids[2], Actor: "alice"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res.Stored.Deleted {
		t.Fatalf("stored not marked deleted: %+v", res.Stored)
	}
	if res.ReplacementID == nil || *res.ReplacementID != ids[1] {
		t.Fatalf("replacement=%v want %q", res.ReplacementID, ids[1])
	}
	if !res.LastMessageRepointed {
		t.Fatalf("expected last_message repoint")
	}
	if res.ReadPointersRepointed != 1 {
		t.Fatalf("read pointers repointed=%d want 1", res.ReadPointersRepointed)
	}

	conv, err := convs.GetConversation(ctx, convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.LastMessage == nil || *conv.LastMessage != ids[1] {
		t.Fatalf("last_message=%v want %q", conv.LastMessage, ids[1])
	}

	parts, err := convs.Participants(ctx, convID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	for _, p := range parts {
		switch p.UserID {
		case "bob":
			if p.LastReadMessage == nil || *p.LastReadMessage != ids[1] {
				t.Fatalf("bob pointer=%v want %q", p.LastReadMessage, ids[1])
			}
		case "carol":
			// Pointed at a surviving message; must not move.
			if p.LastReadMessage == nil || *p.LastReadMessage != ids[1] {
				t.Fatalf("carol pointer=%v want %q", p.LastReadMessage, ids[1])
			}
		}
	}

	// Delete is one-way.
	if _, err := msgs.DeleteMessage(ctx, DeleteMessageInput{MessageID: ids[2], Actor: "alice"}); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("repeat delete: err=%v want ErrAlreadyDeleted", err)
	}
	if _, err := msgs.EditMessage(ctx, EditMessageInput{MessageID: ids[2], Body: "zombie", Actor: "alice"}); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("edit deleted: err=%v want ErrAlreadyDeleted", err)
	}

	// Deleting the remaining messages walks the replacement back to nil.
	if _, err := msgs.DeleteMessage(ctx, DeleteMessageInput{MessageID: ids[1], Actor: "alice"}); err != nil {
		t.Fatalf("delete m2: %v", err)
	}
	last, err := msgs.DeleteMessage(ctx, DeleteMessageInput{MessageID: ids[0], Actor: "alice"})
	if err != nil {
		t.Fatalf("delete m1: %v", err)
	}
	if last.ReplacementID != nil {
		t.Fatalf("last survivor replacement=%v want nil", last.ReplacementID)
	}

	conv, err = convs.GetConversation(ctx, convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.LastMessage != nil {
		t.Fatalf("last_message=%v want nil", conv.LastMessage)
	}
}

func TestPostgresStore_ConcurrentCreate_NoSeqGaps(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	msgs, convs := mustNewStores(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	convID := "it-concurrency-" + testRandomHex(8)
	mustSeedConversation(t, ctx, convs, convID, "alice")

	const n = 32

	var wg sync.WaitGroup
	wg.Add(n)
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, err := msgs.CreateMessage(ctx, CreateMessageInput{
				ID:             fmt.Sprintf("m%d-%s", i, testRandomHex(5)),
				ConversationID: convID,
				Sender:         "alice",
				Body:           fmt.Sprintf("m%d", i),
			})
			if err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent create error: %v", err)
	}

	out, err := msgs.ListMessages(ctx, ListMessagesInput{
		ConversationID: convID,
		Limit:          200,
		Order:          OrderAsc,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out.Messages) != n || out.HasMore {
		t.Fatalf("messages=%d hasMore=%v want %d,false", len(out.Messages), out.HasMore, n)
	}

	// Strict: seqs must be exactly 1..n in order.
	for i, m := range out.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("seq gap at index %d: seq=%d", i, m.Seq)
		}
	}
}

func TestPostgresConversationStore_Membership(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	msgs, convs := mustNewStores(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-members-" + testRandomHex(8)
	mustSeedConversation(t, ctx, convs, convID, "alice")

	ok, err := convs.IsParticipant(ctx, "alice", convID)
	if err != nil || !ok {
		t.Fatalf("alice membership: ok=%v err=%v", ok, err)
	}
	ok, err = convs.IsParticipant(ctx, "mallory", convID)
	if err != nil || ok {
		t.Fatalf("mallory membership: ok=%v err=%v", ok, err)
	}

	if err := convs.AddParticipant(ctx, convID, "bob"); err != nil {
		t.Fatalf("add bob: %v", err)
	}
	// Re-adding must not reset existing read state.
	m, err := msgs.CreateMessage(ctx, CreateMessageInput{
		ID:             "m-" + testRandomHex(4),
		ConversationID: convID,
		Sender:         "alice",
		Body:           "hello bob",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := convs.MarkRead(ctx, convID, "bob", m.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := convs.AddParticipant(ctx, convID, "bob"); err != nil {
		t.Fatalf("re-add bob: %v", err)
	}

	parts, err := convs.Participants(ctx, convID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	for _, p := range parts {
		if p.UserID == "bob" {
			if p.UnreadCount != 0 || p.LastReadMessage == nil || *p.LastReadMessage != m.ID {
				t.Fatalf("bob read state reset by re-add: %+v", p)
			}
		}
	}

	if err := convs.AddParticipant(ctx, "ghost-"+testRandomHex(4), "bob"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("add to missing conversation: err=%v want ErrConversationNotFound", err)
	}
	if err := convs.MarkRead(ctx, convID, "mallory", m.ID); !errors.Is(err, ErrNotInConversation) {
		t.Fatalf("stranger mark read: err=%v want ErrNotInConversation", err)
	}
}

// ---- test helpers ----

func testRandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func mustNewStores(t *testing.T, pool *pgxpool.Pool, schema string) (*PostgresStore, *PostgresConversationStore) {
	t.Helper()

	msgs, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	convs, err := NewPostgresConversationStore(pool, WithConversationSchema(schema))
	if err != nil {
		t.Fatalf("new conversation store: %v", err)
	}
	return msgs, convs
}

func mustSeedConversation(t *testing.T, ctx context.Context, convs *PostgresConversationStore, id string, users ...string) {
	t.Helper()

	if _, err := convs.CreateConversation(ctx, CreateConversationInput{
		ID:           id,
		Participants: users,
	}); err != nil {
		t.Fatalf("seed conversation %s: %v", id, err)
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PARLEY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "parley_it_" + testRandomHex(8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	conversations := pgIdent(schema, "conversations")
	cursors := pgIdent(schema, "conversation_cursors")
	messages := pgIdent(schema, "messages")
	history := pgIdent(schema, "message_history")
	members := pgIdent(schema, "user_conversations")

	// Minimal schema required by the stores.
	// Must remain semantically aligned with infra/db/schema.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id           TEXT PRIMARY KEY,
  message_acl  TEXT NOT NULL DEFAULT '',
  last_message TEXT,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[2]s (
  conversation_id TEXT PRIMARY KEY REFERENCES %[1]s(id) ON DELETE CASCADE,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[3]s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  sender          TEXT NOT NULL,
  body            TEXT NOT NULL,
  deleted         BOOLEAN NOT NULL DEFAULT false,
  revision        INT NOT NULL DEFAULT 1,
  message_status  TEXT NOT NULL DEFAULT 'delivered',
  acl             TEXT NOT NULL DEFAULT '',
  edited_at       TIMESTAMPTZ NOT NULL,
  edited_by       TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq_desc
  ON %[3]s (conversation_id, seq DESC);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %[3]s (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS %[4]s (
  id             BIGSERIAL PRIMARY KEY,
  message_id     TEXT NOT NULL REFERENCES %[3]s(id) ON DELETE CASCADE,
  revision       INT NOT NULL,
  body           TEXT NOT NULL,
  sender         TEXT NOT NULL,
  deleted        BOOLEAN NOT NULL DEFAULT false,
  message_status TEXT NOT NULL DEFAULT '',
  edited_at      TIMESTAMPTZ NOT NULL,
  edited_by      TEXT NOT NULL,
  archived_at    TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_message_history_revision UNIQUE (message_id, revision)
);

CREATE TABLE IF NOT EXISTS %[5]s (
  user_id           TEXT NOT NULL,
  conversation_id   TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  unread_count      INT NOT NULL DEFAULT 0,
  last_read_message TEXT,
  updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (user_id, conversation_id)
);
`, conversations, cursors, messages, history, members)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
