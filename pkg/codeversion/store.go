package codeversion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrNotFound = errors.New("code version not found")

// Repository stores the append-only code version history of each tool.
type Repository interface {
	// EnsureCurrent returns the latest version, creating version 1 with
	// the default code when the tool has none yet.
	EnsureCurrent(ctx context.Context, toolID string) (*Detail, error)
	Get(ctx context.Context, toolID string, version int) (*Detail, error)
	List(ctx context.Context, toolID string, limit int) ([]Summary, error)
	Create(ctx context.Context, toolID string, req CreateRequest) (*Detail, error)
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
CREATE TABLE IF NOT EXISTS tool_code_versions (
    tool_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    author TEXT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    code TEXT NOT NULL,
    pip_packages JSONB NOT NULL DEFAULT '[]',
    origin_run_id TEXT,
    params JSONB NOT NULL DEFAULT '[]',
    required_files JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (tool_id, version)
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

func (s *PostgresStore) EnsureCurrent(ctx context.Context, toolID string) (*Detail, error) {
	var latest int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM tool_code_versions WHERE tool_id=$1`, toolID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("lookup latest version: %w", err)
	}
	if latest > 0 {
		return s.Get(ctx, toolID, latest)
	}
	return s.Create(ctx, toolID, CreateRequest{
		Code:   DefaultCode,
		Author: "system",
		Note:   "Initial version",
	})
}

func (s *PostgresStore) Get(ctx context.Context, toolID string, version int) (*Detail, error) {
	var (
		detail   Detail
		note     sql.NullString
		pipRaw   []byte
		paramRaw []byte
		filesRaw []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, created_at, author, note, code, pip_packages, origin_run_id, params, required_files
FROM tool_code_versions WHERE tool_id=$1 AND version=$2`, toolID, version).
		Scan(&detail.Version, &detail.CreatedAt, &detail.Author, &note, &detail.Code, &pipRaw, &detail.OriginRunID, &paramRaw, &filesRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get code version: %w", err)
	}
	detail.Note = note.String

	if err := json.Unmarshal(pipRaw, &detail.PipPackages); err != nil {
		return nil, fmt.Errorf("decode pip packages: %w", err)
	}
	if err := json.Unmarshal(paramRaw, &detail.Params); err != nil {
		return nil, fmt.Errorf("decode param specs: %w", err)
	}
	if err := json.Unmarshal(filesRaw, &detail.RequiredFiles); err != nil {
		return nil, fmt.Errorf("decode file requirements: %w", err)
	}
	normalize(&detail)
	return &detail, nil
}

func (s *PostgresStore) List(ctx context.Context, toolID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT version, created_at, author, note
FROM tool_code_versions WHERE tool_id=$1 ORDER BY version DESC LIMIT $2`, toolID, limit)
	if err != nil {
		return nil, fmt.Errorf("list code versions: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var (
			sum  Summary
			note sql.NullString
		)
		if err := rows.Scan(&sum.Version, &sum.CreatedAt, &sum.Author, &note); err != nil {
			return nil, fmt.Errorf("scan code version: %w", err)
		}
		sum.Note = note.String
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) Create(ctx context.Context, toolID string, req CreateRequest) (*Detail, error) {
	pipJSON, err := json.Marshal(nonNilPackages(req.PipPackages))
	if err != nil {
		return nil, fmt.Errorf("encode pip packages: %w", err)
	}
	paramJSON, err := json.Marshal(nonNilParams(req.Params))
	if err != nil {
		return nil, fmt.Errorf("encode param specs: %w", err)
	}
	filesJSON, err := json.Marshal(nonNilFiles(req.RequiredFiles))
	if err != nil {
		return nil, fmt.Errorf("encode file requirements: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin version create: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM tool_code_versions WHERE tool_id=$1`, toolID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next version number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO tool_code_versions (tool_id, version, created_at, author, note, code, pip_packages, origin_run_id, params, required_files)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		toolID, next, time.Now().UTC(), req.Author, req.Note, req.Code, pipJSON, req.OriginRunID, paramJSON, filesJSON)
	if err != nil {
		return nil, fmt.Errorf("insert code version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit version create: %w", err)
	}
	return s.Get(ctx, toolID, next)
}

func normalize(detail *Detail) {
	if detail.PipPackages == nil {
		detail.PipPackages = []string{}
	}
	if detail.Params == nil {
		detail.Params = []ParamSpec{}
	}
	if detail.RequiredFiles == nil {
		detail.RequiredFiles = []FileRequirement{}
	}
}

func nonNilPackages(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilParams(v []ParamSpec) []ParamSpec {
	if v == nil {
		return []ParamSpec{}
	}
	return v
}

func nonNilFiles(v []FileRequirement) []FileRequirement {
	if v == nil {
		return []FileRequirement{}
	}
	return v
}

var _ Repository = (*PostgresStore)(nil)
