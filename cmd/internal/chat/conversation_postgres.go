package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConversationStore manages conversation and membership rows.
// It shares the schema with PostgresStore and, like it, does not own the pool.
type PostgresConversationStore struct {
	pool   *pgxpool.Pool
	schema string
}

// ConversationOption configures PostgresConversationStore behavior.
type ConversationOption func(*PostgresConversationStore) error

// WithConversationSchema sets the DB schema used by the store (default: "parley").
func WithConversationSchema(schema string) ConversationOption {
	return func(s *PostgresConversationStore) error {
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

// NewPostgresConversationStore constructs a conversation store backed by PostgreSQL.
func NewPostgresConversationStore(pool *pgxpool.Pool, opts ...ConversationOption) (*PostgresConversationStore, error) {
	st := &PostgresConversationStore{
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

// CreateConversation inserts a conversation and seeds its membership rows.
func (s *PostgresConversationStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil conversation store")
	}
	if strings.TrimSpace(in.ID) == "" {
		return Conversation{}, errors.New("chat: missing conversation id")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
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
		return Conversation{}, mapStoreErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	members := pgIdent(s.schema, "user_conversations")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, message_acl, last_message, created_at)
		 VALUES ($1, $2, NULL, $3)`,
		in.ID, in.MessageACL, now,
	); err != nil {
		return Conversation{}, mapStoreErr(err)
	}

	for _, userID := range in.Participants {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+members+` (user_id, conversation_id, unread_count, last_read_message)
			 VALUES ($1, $2, 0, NULL)
			 ON CONFLICT (user_id, conversation_id) DO NOTHING`,
			userID, in.ID,
		); err != nil {
			return Conversation{}, mapStoreErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, mapStoreErr(err)
	}

	return Conversation{ID: in.ID, MessageACL: in.MessageACL, CreatedAt: now}, nil
}

// GetConversation loads one conversation by id.
func (s *PostgresConversationStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil conversation store")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, message_acl, last_message, created_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.MessageACL, &c.LastMessage, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, mapStoreErr(err)
	}
	return c, nil
}

// Exists reports whether conversationID refers to a known conversation.
func (s *PostgresConversationStore) Exists(ctx context.Context, conversationID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil conversation store")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	conversations := pgIdent(s.schema, "conversations")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapStoreErr(err)
	}
	return true, nil
}

// MessageACL returns the access policy new messages inherit.
func (s *PostgresConversationStore) MessageACL(ctx context.Context, conversationID string) (string, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return c.MessageACL, nil
}

// IsParticipant checks if userID holds a membership row in conversationID.
func (s *PostgresConversationStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil conversation store")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "user_conversations")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapStoreErr(err)
	}
	return true, nil
}

// AddParticipant creates a membership row with zeroed read state.
func (s *PostgresConversationStore) AddParticipant(ctx context.Context, conversationID, userID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil conversation store")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return errors.New("chat: missing user or conversation id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	members := pgIdent(s.schema, "user_conversations")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+members+` (user_id, conversation_id, unread_count, last_read_message)
		 VALUES ($1, $2, 0, NULL)
		 ON CONFLICT (user_id, conversation_id) DO NOTHING`,
		userID, conversationID,
	)
	if isForeignKeyViolation(err) {
		return ErrConversationNotFound
	}
	return mapStoreErr(err)
}

// Participants returns all membership rows of a conversation.
func (s *PostgresConversationStore) Participants(ctx context.Context, conversationID string) ([]Participant, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil conversation store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	members := pgIdent(s.schema, "user_conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, unread_count, last_read_message
		   FROM `+members+`
		  WHERE conversation_id = $1
		  ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.UnreadCount, &p.LastReadMessage); err != nil {
			return nil, mapStoreErr(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

// MarkRead resets the user's unread counter and advances their read pointer.
func (s *PostgresConversationStore) MarkRead(ctx context.Context, conversationID, userID, messageID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil conversation store")
	}
	if conversationID == "" || userID == "" || messageID == "" {
		return errors.New("chat: missing conversation, user or message id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	members := pgIdent(s.schema, "user_conversations")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+members+`
		    SET unread_count = 0,
		        last_read_message = $3,
		        updated_at = now()
		  WHERE conversation_id = $1
		    AND user_id = $2`,
		conversationID, userID, messageID,
	)
	if err != nil {
		return mapStoreErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInConversation
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
