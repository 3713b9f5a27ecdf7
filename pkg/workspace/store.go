package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrToolNotFound = errors.New("tool not found")

// Repository stores tool records. File contents live on disk and are
// managed by Manager.
type Repository interface {
	Create(ctx context.Context, name string) (*Tool, error)
	List(ctx context.Context) ([]Tool, error)
	Get(ctx context.Context, toolID string) (*Tool, error)
	Rename(ctx context.Context, toolID, name string) (*Tool, error)
	Delete(ctx context.Context, toolID string) error
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
CREATE TABLE IF NOT EXISTS tools (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
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

func (s *PostgresStore) Create(ctx context.Context, name string) (*Tool, error) {
	tool := &Tool{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tools (id, name, created_at) VALUES ($1,$2,$3)`,
		tool.ID, tool.Name, tool.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert tool: %w", err)
	}
	return tool, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Tool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM tools ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	tools := []Tool{}
	for rows.Next() {
		var tool Tool
		if err := rows.Scan(&tool.ID, &tool.Name, &tool.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, toolID string) (*Tool, error) {
	var tool Tool
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM tools WHERE id=$1`, toolID).
		Scan(&tool.ID, &tool.Name, &tool.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrToolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool: %w", err)
	}
	return &tool, nil
}

func (s *PostgresStore) Rename(ctx context.Context, toolID, name string) (*Tool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tools SET name=$1 WHERE id=$2`, name, toolID)
	if err != nil {
		return nil, fmt.Errorf("rename tool: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rename tool: %w", err)
	}
	if affected == 0 {
		return nil, ErrToolNotFound
	}
	return s.Get(ctx, toolID)
}

func (s *PostgresStore) Delete(ctx context.Context, toolID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id=$1`, toolID)
	if err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	if affected == 0 {
		return ErrToolNotFound
	}
	return nil
}

var _ Repository = (*PostgresStore)(nil)
