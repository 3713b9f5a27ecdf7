package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Scope separates the coding assistant transcript from the eval file
// generator transcript.
type Scope string

const (
	ScopeAssistant Scope = "assistant"
	ScopeEval      Scope = "eval"
)

type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Repository persists per-tool chat transcripts.
type Repository interface {
	History(ctx context.Context, toolID string, scope Scope) ([]StoredMessage, error)
	Replace(ctx context.Context, toolID string, scope Scope, messages []StoredMessage) error
	Clear(ctx context.Context, toolID string, scope Scope) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS tool_chat_messages (
    tool_id TEXT NOT NULL,
    scope TEXT NOT NULL,
    order_index INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    payload JSONB NOT NULL,
    PRIMARY KEY (tool_id, scope, order_index)
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, toolID string, scope Scope) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM tool_chat_messages WHERE tool_id=$1 AND scope=$2 ORDER BY order_index ASC`, toolID, scope)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	defer rows.Close()

	messages := []StoredMessage{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		var msg StoredMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode chat message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) Replace(ctx context.Context, toolID string, scope Scope, messages []StoredMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chat replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_chat_messages WHERE tool_id=$1 AND scope=$2`, toolID, scope); err != nil {
		return fmt.Errorf("clear chat history: %w", err)
	}
	now := time.Now().UTC()
	for i, msg := range messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode chat message: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO tool_chat_messages (tool_id, scope, order_index, created_at, payload) VALUES ($1,$2,$3,$4,$5)`,
			toolID, scope, i, now, payload)
		if err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Clear(ctx context.Context, toolID string, scope Scope) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tool_chat_messages WHERE tool_id=$1 AND scope=$2`, toolID, scope)
	if err != nil {
		return fmt.Errorf("clear chat history: %w", err)
	}
	return nil
}

type MemStore struct {
	mu       sync.RWMutex
	messages map[string][]StoredMessage
}

func NewMemStore() *MemStore {
	return &MemStore{messages: make(map[string][]StoredMessage)}
}

func (s *MemStore) key(toolID string, scope Scope) string {
	return toolID + "/" + string(scope)
}

func (s *MemStore) History(_ context.Context, toolID string, scope Scope) ([]StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StoredMessage{}, s.messages[s.key(toolID, scope)]...), nil
}

func (s *MemStore) Replace(_ context.Context, toolID string, scope Scope, messages []StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[s.key(toolID, scope)] = append([]StoredMessage{}, messages...)
	return nil
}

func (s *MemStore) Clear(_ context.Context, toolID string, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, s.key(toolID, scope))
	return nil
}

var (
	_ Repository = (*PostgresStore)(nil)
	_ Repository = (*MemStore)(nil)
)
