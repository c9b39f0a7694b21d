package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/identity/ids"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - FindOrCreateConversation takes a transactional advisory lock on the canonical
//     pair, and the (user_a, user_b) unique constraint backs it up.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "harvest").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "harvest",
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
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL(s.schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func schemaSQL(schema string) string {
	profiles := pgIdent(schema, "profiles")
	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id         TEXT PRIMARY KEY,
  first_name TEXT NOT NULL DEFAULT '',
  last_name  TEXT NOT NULL DEFAULT '',
  avatar_url TEXT,
  first_key  TEXT NOT NULL DEFAULT '',
  last_key   TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[2]s (
  id         TEXT PRIMARY KEY,
  user_a     TEXT NOT NULL,
  user_b     TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_conversations_pair UNIQUE (user_a, user_b),
  CONSTRAINT chk_conversations_pair_order CHECK (user_a < user_b)
);

CREATE TABLE IF NOT EXISTS %[3]s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  sender_id       TEXT NOT NULL,
  content         TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0 AND char_length(content) <= %[4]d)
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_a ON %[2]s (user_a);
CREATE INDEX IF NOT EXISTS idx_conversations_user_b ON %[2]s (user_b);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %[3]s (conversation_id, created_at ASC, id ASC);
`, profiles, conversations, messages, MaxMessageChars)
}

// UpsertProfile stores or replaces a profile and its search keys.
func (s *PostgresStore) UpsertProfile(ctx context.Context, p v1.Profile) error {
	const op = "messaging.UpsertProfile"
	if strings.TrimSpace(p.ID) == "" {
		return opErr(op, ErrValidation, "missing profile id")
	}

	profiles := pgIdent(s.schema, "profiles")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+profiles+` (id, first_name, last_name, avatar_url, first_key, last_key, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (id) DO UPDATE
		    SET first_name = EXCLUDED.first_name,
		        last_name  = EXCLUDED.last_name,
		        avatar_url = EXCLUDED.avatar_url,
		        first_key  = EXCLUDED.first_key,
		        last_key   = EXCLUDED.last_key,
		        updated_at = now()`,
		p.ID, p.FirstName, p.LastName, p.AvatarURL, NormalizeSearch(p.FirstName), NormalizeSearch(p.LastName),
	)
	return unavailable(op, err)
}

// ListConversations returns userID's conversations, most recently active first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]v1.Conversation, error) {
	const op = "messaging.ListConversations"

	profiles := pgIdent(s.schema, "profiles")
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.user_a, c.user_b, c.created_at,
		        o.other_id, COALESCE(p.first_name, ''), COALESCE(p.last_name, ''), p.avatar_url,
		        lm.content, lm.created_at
		   FROM `+conversations+` c
		  CROSS JOIN LATERAL (
		        SELECT CASE WHEN c.user_a = $1 THEN c.user_b ELSE c.user_a END AS other_id
		  ) o
		   LEFT JOIN `+profiles+` p ON p.id = o.other_id
		   LEFT JOIN LATERAL (
		        SELECT m.content, m.created_at
		          FROM `+messages+` m
		         WHERE m.conversation_id = c.id
		         ORDER BY m.created_at DESC, m.id DESC
		         LIMIT 1
		   ) lm ON true
		  WHERE c.user_a = $1 OR c.user_b = $1
		  ORDER BY COALESCE(lm.created_at, c.created_at) DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	out := make([]v1.Conversation, 0, 16)
	for rows.Next() {
		var (
			c           v1.Conversation
			lastContent *string
			lastAt      *time.Time
		)
		if err := rows.Scan(
			&c.ID, &c.ParticipantIDs[0], &c.ParticipantIDs[1], &c.CreatedAt,
			&c.OtherParticipant.ID, &c.OtherParticipant.FirstName, &c.OtherParticipant.LastName, &c.OtherParticipant.AvatarURL,
			&lastContent, &lastAt,
		); err != nil {
			return nil, unavailable(op, err)
		}
		if lastContent != nil && lastAt != nil {
			c.LastMessage = &v1.MessagePreview{Content: *lastContent, CreatedAt: lastAt.UTC()}
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// ListMessages returns the messages of a conversation ordered by created_at ASC, id ASC.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]v1.Message, error) {
	const op = "messaging.ListMessages"

	profiles := pgIdent(s.schema, "profiles")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
		        COALESCE(p.first_name, ''), COALESCE(p.last_name, ''), p.avatar_url
		   FROM `+messages+` m
		   LEFT JOIN `+profiles+` p ON p.id = m.sender_id
		  WHERE m.conversation_id = $1
		  ORDER BY m.created_at ASC, m.id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	out := make([]v1.Message, 0, 64)
	for rows.Next() {
		var (
			m      v1.Message
			sender v1.Profile
		)
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt,
			&sender.FirstName, &sender.LastName, &sender.AvatarURL,
		); err != nil {
			return nil, unavailable(op, err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		sender.ID = m.SenderID
		m.Sender = &sender
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// FindOrCreateConversation returns the conversation of the pair, creating it once.
func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, in FindOrCreateInput) (string, error) {
	const op = "messaging.FindOrCreateConversation"
	if in.UserA == "" || in.UserB == "" {
		return "", opErr(op, ErrValidation, "missing user id")
	}
	if in.UserA == in.UserB {
		return "", opErr(op, ErrValidation, "cannot start a conversation with yourself")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	lo, hi := canonicalPair(in.UserA, in.UserB)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return "", unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, pairKey(lo, hi)); err != nil {
		return "", unavailable(op, fmt.Errorf("advisory lock: %w", err))
	}

	id, err := readConversationByPair(ctx, tx, conversations, lo, hi)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return "", unavailable(op, err)
		}
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", unavailable(op, err)
	}

	newID, err := ids.NewULID(now)
	if err != nil {
		return "", unavailable(op, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, user_a, user_b, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_a, user_b) DO NOTHING`,
		newID, lo, hi, now,
	); err != nil {
		return "", unavailable(op, fmt.Errorf("insert conversation: %w", err))
	}

	id, err = readConversationByPair(ctx, tx, conversations, lo, hi)
	if err != nil {
		return "", unavailable(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", unavailable(op, err)
	}
	return id, nil
}

// InsertMessage appends a message sent by a participant.
func (s *PostgresStore) InsertMessage(ctx context.Context, in InsertMessageInput) (InsertMessageResult, error) {
	const op = "messaging.InsertMessage"
	if in.ConversationID == "" || in.SenderID == "" {
		return InsertMessageResult{}, opErr(op, ErrValidation, "missing conversation or sender id")
	}
	text, err := validateContent(op, in.Content)
	if err != nil {
		return InsertMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	// Postgres keeps microseconds; return exactly what a later read will see.
	now = now.Truncate(time.Microsecond)

	profiles := pgIdent(s.schema, "profiles")
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return InsertMessageResult{}, unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var users [2]string
	err = tx.QueryRow(ctx,
		`SELECT user_a, user_b FROM `+conversations+` WHERE id = $1`,
		in.ConversationID,
	).Scan(&users[0], &users[1])
	if errors.Is(err, pgx.ErrNoRows) {
		return InsertMessageResult{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if err != nil {
		return InsertMessageResult{}, unavailable(op, err)
	}
	if users[0] != in.SenderID && users[1] != in.SenderID {
		return InsertMessageResult{}, opErr(op, ErrForbidden, "sender is not a participant")
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return InsertMessageResult{}, unavailable(op, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, in.ConversationID, in.SenderID, text, now,
	); err != nil {
		return InsertMessageResult{}, unavailable(op, fmt.Errorf("insert message: %w", err))
	}

	sender := v1.Profile{ID: in.SenderID}
	err = tx.QueryRow(ctx,
		`SELECT first_name, last_name, avatar_url FROM `+profiles+` WHERE id = $1`,
		in.SenderID,
	).Scan(&sender.FirstName, &sender.LastName, &sender.AvatarURL)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return InsertMessageResult{}, unavailable(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return InsertMessageResult{}, unavailable(op, err)
	}

	return InsertMessageResult{
		Message: v1.Message{
			ID:             id,
			ConversationID: in.ConversationID,
			SenderID:       in.SenderID,
			Content:        text,
			CreatedAt:      now,
			Sender:         &sender,
		},
		Participants: users,
	}, nil
}

// SearchUsers matches the normalized query against the stored name keys.
func (s *PostgresStore) SearchUsers(ctx context.Context, in SearchUsersInput) ([]v1.ChatUserProfile, error) {
	const op = "messaging.SearchUsers"
	if in.Query == "" {
		return []v1.ChatUserProfile{}, nil
	}

	profiles := pgIdent(s.schema, "profiles")
	pattern := "%" + escapeLike(in.Query) + "%"

	rows, err := s.pool.Query(ctx,
		`SELECT id, first_name, last_name
		   FROM `+profiles+`
		  WHERE id <> $2
		    AND (first_key LIKE $1 ESCAPE '\' OR last_key LIKE $1 ESCAPE '\')
		  ORDER BY last_key COLLATE "C", first_key COLLATE "C", id COLLATE "C"
		  LIMIT $3`,
		pattern, in.ExcludeUserID, clampLimit(in.Limit),
	)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	out := make([]v1.ChatUserProfile, 0, 8)
	for rows.Next() {
		var u v1.ChatUserProfile
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName); err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// IsParticipant reports whether userID is one of the two parties of conversationID.
func (s *PostgresStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	const op = "messaging.IsParticipant"
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return false, nil
	}

	conversations := pgIdent(s.schema, "conversations")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+conversations+` WHERE id = $1 AND (user_a = $2 OR user_b = $2)`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(op, err)
	}
	return true, nil
}

// Ping checks database reachability for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func readConversationByPair(ctx context.Context, tx pgx.Tx, table, lo, hi string) (string, error) {
	var id string
	err := tx.QueryRow(ctx,
		`SELECT id FROM `+table+` WHERE user_a = $1 AND user_b = $2`,
		lo, hi,
	).Scan(&id)
	return id, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
