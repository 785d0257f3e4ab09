package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the chat_messages table. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL DEFAULT '',
    role            TEXT NOT NULL,
    content         TEXT NOT NULL DEFAULT '',
    metadata        JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation ON chat_messages(conversation_id, created_at);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is a [Sink] backed by a PostgreSQL table.
type Postgres struct {
	db DB
}

var _ Sink = (*Postgres)(nil)

// NewPostgres returns a sink using db. The caller is responsible for calling
// [Postgres.Migrate] before the first append.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes the [Schema] DDL.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("chat: migrate: %w", err)
	}
	return nil
}

// AppendMessage implements [Sink]. Appending a message whose ID already
// exists is a no-op.
func (p *Postgres) AppendMessage(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("chat: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO chat_messages (id, conversation_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	if _, err := p.db.Exec(ctx, query,
		m.ID, m.ConversationID, string(m.Role), m.Content, metaJSON, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("chat: append %q: %w", m.ID, err)
	}
	return nil
}

// List returns the messages of a conversation in creation order.
func (p *Postgres) List(ctx context.Context, conversationID string) ([]Message, error) {
	const query = `
		SELECT id, conversation_id, role, content, metadata, created_at
		FROM chat_messages
		WHERE conversation_id = $1
		ORDER BY created_at, id`

	rows, err := p.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m        Message
			role     string
			metaJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: list scan: %w", err)
		}
		m.Role = Role(role)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				return nil, fmt.Errorf("chat: unmarshal metadata: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}
	return msgs, nil
}
