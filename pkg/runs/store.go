package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Repository defines the storage operations required by the run endpoints.
type Repository interface {
	Save(ctx context.Context, req SaveRequest) (*Detail, error)
	List(ctx context.Context, toolID, folderPrefix string) ([]Summary, error)
	Get(ctx context.Context, runID string) (*Detail, error)
	Delete(ctx context.Context, runID string) error
	// ResolveFile returns the on-disk location of a collected run file.
	ResolveFile(ctx context.Context, runID, path string) (string, error)
	// Dir returns the run's artifact directory on disk.
	Dir(runID string) string
}

type PostgresStore struct {
	db   *sql.DB
	disk diskStore
}

func NewPostgresStore(dsn, dataDir string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db, disk: diskStore{root: dataDir}}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS tool_runs (
    id TEXT PRIMARY KEY,
    tool_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    code_version INTEGER NOT NULL,
    folder_prefix TEXT NOT NULL,
    sandbox_id TEXT NOT NULL DEFAULT '',
    error TEXT,
    input JSONB NOT NULL DEFAULT '{}',
    logs JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS tool_runs_tool_idx ON tool_runs (tool_id, created_at DESC);
CREATE TABLE IF NOT EXISTS tool_run_files (
    run_id TEXT NOT NULL REFERENCES tool_runs(id) ON DELETE CASCADE,
    path TEXT NOT NULL,
    size_bytes BIGINT NOT NULL,
    preview TEXT,
    PRIMARY KEY (run_id, path)
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

func (s *PostgresStore) Save(ctx context.Context, req SaveRequest) (*Detail, error) {
	detail := buildDetail(req)

	logsJSON, err := json.Marshal(detail.Logs)
	if err != nil {
		return nil, fmt.Errorf("encode run logs: %w", err)
	}
	inputJSON, err := json.Marshal(runInput{
		Code:          detail.Code,
		Params:        detail.Params,
		PipPackages:   detail.PipPackages,
		AllowInternet: detail.AllowInternet,
	})
	if err != nil {
		return nil, fmt.Errorf("encode run input: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin run save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO tool_runs (id, tool_id, status, created_at, code_version, folder_prefix, sandbox_id, error, input, logs)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		detail.ID,
		detail.ToolID,
		detail.Status,
		detail.CreatedAt,
		detail.CodeVersion,
		detail.FolderPrefix,
		detail.SandboxID,
		detail.Error,
		inputJSON,
		logsJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	for _, file := range detail.Files {
		_, err = tx.ExecContext(ctx, `INSERT INTO tool_run_files (run_id, path, size_bytes, preview) VALUES ($1,$2,$3,$4)`,
			detail.ID, file.Path, file.SizeBytes, file.Preview)
		if err != nil {
			return nil, fmt.Errorf("insert run file %s: %w", file.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run save: %w", err)
	}

	if err := s.disk.write(detail.ID, detail, req.Artifacts); err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *PostgresStore) List(ctx context.Context, toolID, folderPrefix string) ([]Summary, error) {
	query := `SELECT id, tool_id, status, created_at, code_version, folder_prefix, sandbox_id, error FROM tool_runs WHERE tool_id=$1`
	args := []any{toolID}
	if folderPrefix != "" {
		query += ` AND folder_prefix=$2`
		args = append(args, folderPrefix)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.ToolID, &sum.Status, &sum.CreatedAt, &sum.CodeVersion, &sum.FolderPrefix, &sum.SandboxID, &sum.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.OK = OKFromStatus(sum.Status)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, runID string) (*Detail, error) {
	var (
		detail   Detail
		inputRaw []byte
		logsRaw  []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, tool_id, status, created_at, code_version, folder_prefix, sandbox_id, error, input, logs FROM tool_runs WHERE id=$1`, runID).
		Scan(&detail.ID, &detail.ToolID, &detail.Status, &detail.CreatedAt, &detail.CodeVersion, &detail.FolderPrefix, &detail.SandboxID, &detail.Error, &inputRaw, &logsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	detail.OK = OKFromStatus(detail.Status)
	var input runInput
	if err := json.Unmarshal(inputRaw, &input); err != nil {
		return nil, fmt.Errorf("decode run input: %w", err)
	}
	detail.Code = input.Code
	detail.Params = input.Params
	detail.PipPackages = input.PipPackages
	detail.AllowInternet = input.AllowInternet
	if detail.Params == nil {
		detail.Params = map[string]any{}
	}
	if detail.PipPackages == nil {
		detail.PipPackages = []string{}
	}
	if err := json.Unmarshal(logsRaw, &detail.Logs); err != nil {
		return nil, fmt.Errorf("decode run logs: %w", err)
	}
	if detail.Logs == nil {
		detail.Logs = []string{}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path, size_bytes, preview FROM tool_run_files WHERE run_id=$1 ORDER BY path ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run files: %w", err)
	}
	defer rows.Close()

	detail.Files = []RunFile{}
	for rows.Next() {
		var file RunFile
		if err := rows.Scan(&file.Path, &file.SizeBytes, &file.Preview); err != nil {
			return nil, fmt.Errorf("scan run file: %w", err)
		}
		detail.Files = append(detail.Files, file)
	}
	return &detail, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_runs WHERE id=$1`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return s.disk.remove(runID)
}

func (s *PostgresStore) ResolveFile(ctx context.Context, runID, path string) (string, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tool_run_files WHERE run_id=$1 AND path=$2)`, runID, path).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("lookup run file: %w", err)
	}
	if !exists {
		return "", ErrFileNotFound
	}
	return s.disk.resolve(runID, path)
}

func (s *PostgresStore) Dir(runID string) string {
	return s.disk.runDir(runID)
}

// runInput is the JSONB shape of the persisted execution input.
type runInput struct {
	Code          string         `json:"code"`
	Params        map[string]any `json:"params"`
	PipPackages   []string       `json:"pip_packages"`
	AllowInternet bool           `json:"allow_internet"`
}

func buildDetail(req SaveRequest) *Detail {
	detail := &Detail{
		Summary: Summary{
			ID:           uuid.NewString(),
			ToolID:       req.ToolID,
			Status:       StatusCompleted,
			CreatedAt:    time.Now().UTC(),
			CodeVersion:  req.CodeVersion,
			FolderPrefix: req.FolderPrefix,
			SandboxID:    req.SandboxID,
		},
		Code:          req.Code,
		Params:        req.Params,
		PipPackages:   req.PipPackages,
		AllowInternet: req.AllowInternet,
		Logs:          req.Logs,
		Files:         req.Files,
	}
	if detail.Params == nil {
		detail.Params = map[string]any{}
	}
	if detail.PipPackages == nil {
		detail.PipPackages = []string{}
	}
	if !req.OK {
		detail.Status = StatusFailed
		msg := req.Error
		if msg == "" {
			msg = "Sandbox execution failed"
		}
		detail.Error = &msg
	}
	detail.OK = OKFromStatus(detail.Status)
	if detail.Logs == nil {
		detail.Logs = []string{}
	}
	if detail.Files == nil {
		detail.Files = []RunFile{}
	}
	return detail
}

var _ Repository = (*PostgresStore)(nil)
