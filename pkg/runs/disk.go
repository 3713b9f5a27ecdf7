package runs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound     = errors.New("run not found")
	ErrFileNotFound = errors.New("run file not found")
	ErrInvalidPath  = errors.New("invalid run file path")
)

// diskStore persists run artifacts and a human-readable copy of each run
// under <root>/<runID>/. The database stays the source of truth for the
// record itself.
type diskStore struct {
	root string
}

func (d diskStore) runDir(runID string) string {
	return filepath.Join(d.root, runID)
}

func (d diskStore) write(runID string, detail *Detail, artifacts []Artifact) error {
	dir := d.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	logs := strings.Join(detail.Logs, "\n")
	if logs != "" {
		logs += "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "logs.txt"), []byte(logs), 0o644); err != nil {
		return fmt.Errorf("write run logs: %w", err)
	}

	meta, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), meta, 0o644); err != nil {
		return fmt.Errorf("write run metadata: %w", err)
	}

	for _, artifact := range artifacts {
		target, err := d.resolve(runID, artifact.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create artifact dir: %w", err)
		}
		if err := os.WriteFile(target, artifact.Data, 0o644); err != nil {
			return fmt.Errorf("write artifact %s: %w", artifact.Path, err)
		}
	}
	return nil
}

// resolve maps a sandbox file path to its on-disk location under the run
// directory, rejecting anything that would escape it.
func (d diskStore) resolve(runID, path string) (string, error) {
	rel := strings.TrimPrefix(path, "/")
	if rel == "" {
		return "", ErrInvalidPath
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", ErrInvalidPath
		}
	}
	dir := d.runDir(runID)
	target := filepath.Join(dir, "files", filepath.FromSlash(rel))
	if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return target, nil
}

func (d diskStore) remove(runID string) error {
	return os.RemoveAll(d.runDir(runID))
}
