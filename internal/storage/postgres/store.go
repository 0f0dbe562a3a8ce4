// Package postgres implements chat.Store on PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/hearth/backend/internal/model/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id UUID PRIMARY KEY,
	owner_id TEXT NOT NULL UNIQUE,
	persona_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id UUID NOT NULL,
	conversation_id UUID NOT NULL REFERENCES conversations(id),
	seq BIGINT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	request_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, seq),
	UNIQUE (conversation_id, request_id)
);
`

const (
	codeUniqueViolation   = "23505"
	constraintOwnerUnique = "conversations_owner_id_key"

	defaultConnectTimeout  = 30 * time.Second
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
)

// Config controls pool construction.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store is a chat.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// PoolConfig parses the DSN and applies pool limits.
func PoolConfig(cfg Config) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = defaultMaxConnLifetime
	poolConfig.MaxConnIdleTime = defaultMaxConnIdleTime
	return poolConfig, nil
}

// Open connects, pings and migrates.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, nc chat.NewConversation) (chat.Conversation, error) {
	if nc.OwnerID == "" {
		return chat.Conversation{}, chat.ErrOwnerRequired
	}

	conv := chat.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   nc.OwnerID,
		PersonaID: nc.PersonaID,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chat.Conversation{}, unavailable("begin create", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (id, owner_id, persona_id) VALUES ($1, $2, $3) RETURNING created_at`,
		conv.ID, conv.OwnerID, conv.PersonaID).Scan(&conv.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == constraintOwnerUnique {
			return chat.Conversation{}, chat.ErrConversationExists
		}
		return chat.Conversation{}, unavailable("insert conversation", err)
	}
	conv.CreatedAt = conv.CreatedAt.UTC()

	for _, m := range nc.Seed {
		m.ConversationID = conv.ID
		if err := m.Validate(); err != nil {
			return chat.Conversation{}, err
		}
		if _, err := appendTx(ctx, tx, m); err != nil {
			return chat.Conversation{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return chat.Conversation{}, unavailable("commit create", err)
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return chat.Conversation{}, chat.ErrConversationNotFound
	}
	return scanConversation(s.pool.QueryRow(ctx,
		`SELECT id::text, owner_id, persona_id, created_at FROM conversations WHERE id = $1`, id))
}

func (s *Store) FindConversationByOwner(ctx context.Context, ownerID string) (chat.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx,
		`SELECT id::text, owner_id, persona_id, created_at FROM conversations WHERE owner_id = $1`, ownerID))
}

func scanConversation(row pgx.Row) (chat.Conversation, error) {
	var conv chat.Conversation
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.PersonaID, &conv.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Conversation{}, chat.ErrConversationNotFound
		}
		return chat.Conversation{}, unavailable("select conversation", err)
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	return conv, nil
}

// AppendMessage locks the conversation row so concurrent appends to the same
// conversation take sequence numbers one after another.
func (s *Store) AppendMessage(ctx context.Context, msg chat.NewMessage) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if _, err := uuid.Parse(msg.ConversationID); err != nil {
		return 0, chat.ErrConversationNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, unavailable("begin append", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx,
		`SELECT id::text FROM conversations WHERE id = $1 FOR UPDATE`, msg.ConversationID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, chat.ErrConversationNotFound
	}
	if err != nil {
		return 0, unavailable("lock conversation", err)
	}

	seq, err := appendTx(ctx, tx, msg)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("commit append", err)
	}
	return seq, nil
}

func appendTx(ctx context.Context, tx pgx.Tx, msg chat.NewMessage) (int64, error) {
	var requestID *string
	if msg.RequestID != "" {
		requestID = &msg.RequestID

		var seq int64
		err := tx.QueryRow(ctx,
			`SELECT seq FROM messages WHERE conversation_id = $1 AND request_id = $2`,
			msg.ConversationID, msg.RequestID).Scan(&seq)
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, unavailable("select request", err)
		}
	}

	var seq int64
	err := tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, request_id)
		 SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5 FROM messages WHERE conversation_id = $2
		 RETURNING seq`,
		uuid.NewString(), msg.ConversationID, string(msg.Role), msg.Content, requestID).Scan(&seq)
	if err != nil {
		return 0, unavailable("insert message", err)
	}
	return seq, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, conversation_id::text, seq, role, content, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, unavailable("select messages", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var (
			m    chat.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, unavailable("scan message", err)
		}
		m.Role = chat.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate messages", err)
	}
	return messages, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %w", chat.ErrStoreUnavailable, op, err)
}

var _ chat.Store = (*Store)(nil)
