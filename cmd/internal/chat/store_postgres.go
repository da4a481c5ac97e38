package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Per-conversation transactional advisory locks serialize create/delete so
//   that seq allocation stays gapless and the last_message computation never
//   acts on an interleaved stale read.
// - Edit and delete take a FOR UPDATE row lock on the message; whichever
//   commits first wins, the loser observes the committed state.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, conversation_id, seq, sender, body, deleted, revision, message_status, acl, edited_at, edited_by, created_at`

// CreateMessage inserts a message and, in the same transaction, bumps every
// other participant's unread counter and repoints the conversation's
// last_message.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.ID == "" || in.ConversationID == "" || in.Sender == "" {
		return Message{}, fmt.Errorf("%w: missing id, conversation_id or sender", ErrMalformedMessage)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	status := in.Status
	if status == "" {
		status = StatusDelivered
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, mapStoreErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")
	members := pgIdent(s.schema, "user_conversations")

	// Serialize all writes per conversation so seq allocation and the
	// last_message pointer cannot race with a concurrent delete.
	if err := lockConversation(ctx, tx, in.ConversationID); err != nil {
		return Message{}, mapStoreErr(err)
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return Message{}, mapStoreErr(err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return Message{}, mapStoreErr(err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, sender, body, deleted, revision,
		     message_status, acl, edited_at, edited_by, created_at
		   ) VALUES ($1, $2, $3, $4, $5, false, 1, $6, $7, $8, $4, $8)`,
		in.ID, in.ConversationID, seq, in.Sender, in.Body, string(status), in.ACL, now,
	); err != nil {
		if isForeignKeyViolation(err) {
			return Message{}, ErrConversationNotFound
		}
		return Message{}, mapStoreErr(fmt.Errorf("insert message: %w", err))
	}

	// Unread bump for every participant except the author.
	if _, err := tx.Exec(ctx,
		`UPDATE `+members+`
		    SET unread_count = unread_count + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		    AND user_id <> $2`,
		in.ConversationID, in.Sender,
	); err != nil {
		return Message{}, mapStoreErr(err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message = $2
		  WHERE id = $1`,
		in.ConversationID, in.ID,
	); err != nil {
		return Message{}, mapStoreErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, mapStoreErr(err)
	}

	return Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		Seq:            seq,
		Sender:         in.Sender,
		Body:           in.Body,
		Deleted:        false,
		Revision:       1,
		Status:         status,
		ACL:            in.ACL,
		EditedAt:       now,
		EditedBy:       in.Sender,
		CreatedAt:      now,
	}, nil
}

// EditMessage archives the pre-edit snapshot and applies the new content,
// all inside one transaction. Conversation and read-state rows are untouched.
func (s *PostgresStore) EditMessage(ctx context.Context, in EditMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.MessageID == "" || in.Actor == "" {
		return Message{}, fmt.Errorf("%w: missing message_id or actor", ErrMalformedMessage)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, mapStoreErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")
	history := pgIdent(s.schema, "message_history")

	current, err := lockMessage(ctx, tx, messages, in.MessageID)
	if err != nil {
		return Message{}, mapStoreErr(err)
	}
	if current.Deleted {
		return Message{}, ErrAlreadyDeleted
	}

	snap := NewHistory(current, now)
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+history+` (
		     message_id, revision, body, sender, deleted,
		     message_status, edited_at, edited_by, archived_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.MessageID, snap.Revision, snap.Body, snap.Sender, snap.Deleted,
		string(snap.Status), snap.EditedAt, snap.EditedBy, snap.ArchivedAt,
	); err != nil {
		return Message{}, mapStoreErr(fmt.Errorf("archive snapshot: %w", err))
	}

	updated := current
	if err := updated.ApplyEdit(in.Body, in.Actor, now); err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+messages+`
		    SET body = $2,
		        revision = $3,
		        edited_at = $4,
		        edited_by = $5
		  WHERE id = $1`,
		updated.ID, updated.Body, updated.Revision, updated.EditedAt, updated.EditedBy,
	); err != nil {
		return Message{}, mapStoreErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, mapStoreErr(err)
	}
	return updated, nil
}

// DeleteMessage soft-deletes a message and repairs every pointer that
// referenced it: the conversation's last_message and all stale
// last_read_message pointers, in one transaction.
func (s *PostgresStore) DeleteMessage(ctx context.Context, in DeleteMessageInput) (DeleteMessageResult, error) {
	if s == nil || s.pool == nil {
		return DeleteMessageResult{}, errors.New("chat: nil store")
	}
	if in.MessageID == "" || in.Actor == "" {
		return DeleteMessageResult{}, fmt.Errorf("%w: missing message_id or actor", ErrMalformedMessage)
	}
	if err := ctx.Err(); err != nil {
		return DeleteMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return DeleteMessageResult{}, mapStoreErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")
	members := pgIdent(s.schema, "user_conversations")

	current, err := lockMessage(ctx, tx, messages, in.MessageID)
	if err != nil {
		return DeleteMessageResult{}, mapStoreErr(err)
	}
	if current.Deleted {
		return DeleteMessageResult{}, ErrAlreadyDeleted
	}

	// Serialize against concurrent creates/deletes in the same conversation so
	// the replacement computation sees a stable non-deleted set.
	if err := lockConversation(ctx, tx, current.ConversationID); err != nil {
		return DeleteMessageResult{}, mapStoreErr(err)
	}

	deleted := current
	deleted.Deleted = true
	deleted.EditedAt = now
	deleted.EditedBy = in.Actor

	if _, err := tx.Exec(ctx,
		`UPDATE `+messages+`
		    SET deleted = true,
		        edited_at = $2,
		        edited_by = $3
		  WHERE id = $1`,
		deleted.ID, deleted.EditedAt, deleted.EditedBy,
	); err != nil {
		return DeleteMessageResult{}, mapStoreErr(err)
	}

	// Replacement newest message: greatest seq strictly below the deleted one,
	// non-deleted, in the SAME conversation. The conversation filter is part of
	// the contract; without it a delete could adopt a replacement from an
	// unrelated conversation.
	var replacement *string
	var replacementID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM `+messages+`
		  WHERE conversation_id = $1
		    AND deleted = false
		    AND seq < $2
		  ORDER BY seq DESC
		  LIMIT 1`,
		deleted.ConversationID, deleted.Seq,
	).Scan(&replacementID)
	switch {
	case err == nil:
		replacement = &replacementID
	case errors.Is(err, pgx.ErrNoRows):
		replacement = nil
	default:
		return DeleteMessageResult{}, mapStoreErr(err)
	}

	// Repoint last_message only if it referenced the deleted message.
	tag, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message = $3
		  WHERE id = $1
		    AND last_message = $2`,
		deleted.ConversationID, deleted.ID, replacement,
	)
	if err != nil {
		return DeleteMessageResult{}, mapStoreErr(err)
	}
	lastRepointed := tag.RowsAffected() > 0

	// Set-based read-pointer reconciliation: one statement, no per-row loop.
	tag, err = tx.Exec(ctx,
		`UPDATE `+members+`
		    SET last_read_message = $3,
		        updated_at = now()
		  WHERE conversation_id = $1
		    AND last_read_message = $2`,
		deleted.ConversationID, deleted.ID, replacement,
	)
	if err != nil {
		return DeleteMessageResult{}, mapStoreErr(err)
	}
	readRepointed := tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return DeleteMessageResult{}, mapStoreErr(err)
	}

	return DeleteMessageResult{
		Stored:                deleted,
		ReplacementID:         replacement,
		LastMessageRepointed:  lastRepointed,
		ReadPointersRepointed: readRepointed,
	}, nil
}

// GetMessage loads one message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if messageID == "" {
		return Message{}, ErrMessageNotFound
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`,
		messageID,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, mapStoreErr(err)
	}
	return m, nil
}

// ListMessages returns a window of a conversation's messages ordered by seq.
// BeforeTime, when set, restricts the window to messages created before it.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if s == nil || s.pool == nil {
		return ListMessagesResult{}, errors.New("chat: nil store")
	}
	if in.ConversationID == "" {
		return ListMessagesResult{}, ErrConversationNotFound
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	fetch := limit + 1

	order := in.Order
	if order == "" {
		order = DefaultOrder
	}
	dir := "DESC"
	if order == OrderAsc {
		dir = "ASC"
	}

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.BeforeTime == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY seq `+dir+`
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND created_at < $2
			  ORDER BY seq `+dir+`
			  LIMIT $3`,
			in.ConversationID, *in.BeforeTime, fetch,
		)
	}
	if err != nil {
		return ListMessagesResult{}, mapStoreErr(err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return ListMessagesResult{}, mapStoreErr(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, mapStoreErr(err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

// ListHistory returns a message's archived revisions, oldest first.
func (s *PostgresStore) ListHistory(ctx context.Context, messageID string) ([]History, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if messageID == "" {
		return nil, ErrMessageNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	history := pgIdent(s.schema, "message_history")

	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, revision, body, sender, deleted,
		        message_status, edited_at, edited_by, archived_at
		   FROM `+history+`
		  WHERE message_id = $1
		  ORDER BY revision ASC`,
		messageID,
	)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var out []History
	for rows.Next() {
		var h History
		var status string
		if err := rows.Scan(
			&h.ID, &h.MessageID, &h.Revision, &h.Body, &h.Sender, &h.Deleted,
			&status, &h.EditedAt, &h.EditedBy, &h.ArchivedAt,
		); err != nil {
			return nil, mapStoreErr(err)
		}
		h.Status = Status(status)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

// lockMessage loads a message row under FOR UPDATE.
func lockMessage(ctx context.Context, tx pgx.Tx, messagesTable, messageID string) (Message, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messagesTable+` WHERE id = $1 FOR UPDATE`,
		messageID,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	return m, err
}

// lockConversation takes the per-conversation transactional advisory lock.
// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
func lockConversation(ctx context.Context, tx pgx.Tx, conversationID string) error {
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID,
	); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var status string
	if err := row.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &m.Sender, &m.Body, &m.Deleted,
		&m.Revision, &status, &m.ACL, &m.EditedAt, &m.EditedBy, &m.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	m.Status = Status(status)
	return m, nil
}

// mapStoreErr wraps retryable store failures with ErrTransientStore so callers
// can re-run the whole mutation safely. Everything else passes through.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled (statement timeout)
			return fmt.Errorf("%w: %v", ErrTransientStore, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
