// Package sqlite implements chat.Store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/zhouzirui/hearth/backend/internal/model/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL UNIQUE,
	persona_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT NOT NULL,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	request_id TEXT,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_request
	ON messages(conversation_id, request_id) WHERE request_id IS NOT NULL;
`

// Store is a chat.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, ensuring its parent directory
// exists, and applies the schema. Write transactions take the database lock
// up front so concurrent appends serialize instead of failing on upgrade.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts the conversation and its seed messages in one
// transaction.
func (s *Store) CreateConversation(ctx context.Context, nc chat.NewConversation) (chat.Conversation, error) {
	if nc.OwnerID == "" {
		return chat.Conversation{}, chat.ErrOwnerRequired
	}

	conv := chat.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   nc.OwnerID,
		PersonaID: nc.PersonaID,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Conversation{}, unavailable("begin create", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, persona_id, created_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.PersonaID, conv.CreatedAt.UnixMilli())
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return chat.Conversation{}, chat.ErrConversationExists
		}
		return chat.Conversation{}, unavailable("insert conversation", err)
	}

	for _, m := range nc.Seed {
		m.ConversationID = conv.ID
		if err := m.Validate(); err != nil {
			return chat.Conversation{}, err
		}
		if _, err := appendTx(ctx, tx, m); err != nil {
			return chat.Conversation{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return chat.Conversation{}, unavailable("commit create", err)
	}
	return conv, nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, persona_id, created_at FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// FindConversationByOwner loads the conversation owned by ownerID.
func (s *Store) FindConversationByOwner(ctx context.Context, ownerID string) (chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, persona_id, created_at FROM conversations WHERE owner_id = ?`, ownerID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (chat.Conversation, error) {
	var (
		conv    chat.Conversation
		created int64
	)
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.PersonaID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Conversation{}, chat.ErrConversationNotFound
		}
		return chat.Conversation{}, unavailable("select conversation", err)
	}
	conv.CreatedAt = time.UnixMilli(created).UTC()
	return conv, nil
}

// AppendMessage assigns the next sequence number inside an immediate
// transaction.
func (s *Store) AppendMessage(ctx context.Context, msg chat.NewMessage) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin append", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, chat.ErrConversationNotFound
	}
	if err != nil {
		return 0, unavailable("select conversation", err)
	}

	seq, err := appendTx(ctx, tx, msg)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit append", err)
	}
	return seq, nil
}

func appendTx(ctx context.Context, tx *sql.Tx, msg chat.NewMessage) (int64, error) {
	var requestID sql.NullString
	if msg.RequestID != "" {
		requestID = sql.NullString{String: msg.RequestID, Valid: true}

		var seq int64
		err := tx.QueryRowContext(ctx,
			`SELECT seq FROM messages WHERE conversation_id = ? AND request_id = ?`,
			msg.ConversationID, msg.RequestID).Scan(&seq)
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, unavailable("select request", err)
		}
	}

	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		msg.ConversationID).Scan(&seq)
	if err != nil {
		return 0, unavailable("next seq", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), msg.ConversationID, seq, string(msg.Role), msg.Content, requestID,
		time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, unavailable("insert message", err)
	}
	return seq, nil
}

// ListMessages returns the conversation history ordered by sequence number.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, seq, role, content, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, unavailable("select messages", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var (
			m       chat.Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Content, &created); err != nil {
			return nil, unavailable("scan message", err)
		}
		m.Role = chat.Role(role)
		m.CreatedAt = time.UnixMilli(created).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate messages", err)
	}
	return messages, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %w", chat.ErrStoreUnavailable, op, err)
}

var _ chat.Store = (*Store)(nil)
