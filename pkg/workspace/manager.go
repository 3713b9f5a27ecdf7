package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sheetbench/backend/pkg/sandbox"
)

var (
	ErrInvalidPrefix     = errors.New("invalid folder prefix")
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrFileNotFound      = errors.New("file not found")
	ErrVariationNotFound = errors.New("variation not found")
	ErrEmptyFile         = errors.New("uploaded file is empty")
	ErrEmptyToolName     = errors.New("tool name cannot be empty")
)

// UnsupportedTypeError reports an upload with a disallowed extension.
type UnsupportedTypeError struct {
	Extension string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported file type %q, allowed extensions: .csv, .xls, .xlsx", e.Extension)
}

// InvalidContentError reports an upload whose bytes do not match its extension.
type InvalidContentError struct {
	Reason string
}

func (e *InvalidContentError) Error() string { return e.Reason }

const variationMetaFile = "variation.json"

// Manager combines the tool record store with on-disk file storage
// under <root>/<toolID>/<prefix>/.
type Manager struct {
	repo Repository
	root string
}

func NewManager(repo Repository, root string) *Manager {
	return &Manager{repo: repo, root: root}
}

func (m *Manager) Repo() Repository { return m.repo }

// CreateTool allocates a record named with the next free "New Tool (n)" slot.
func (m *Manager) CreateTool(ctx context.Context) (*Tool, error) {
	existing, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(existing))
	for _, tool := range existing {
		names[tool.Name] = true
	}
	suffix := 1
	for names[fmt.Sprintf("New Tool (%d)", suffix)] {
		suffix++
	}
	return m.repo.Create(ctx, fmt.Sprintf("New Tool (%d)", suffix))
}

func (m *Manager) RenameTool(ctx context.Context, toolID, name string) (*Tool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyToolName
	}
	return m.repo.Rename(ctx, toolID, name)
}

// DeleteTool removes the record and everything stored for the tool.
func (m *Manager) DeleteTool(ctx context.Context, toolID string) error {
	if err := m.repo.Delete(ctx, toolID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(m.root, toolID))
}

func (m *Manager) GetToolDetail(ctx context.Context, toolID string) (*ToolDetail, error) {
	tool, err := m.repo.Get(ctx, toolID)
	if err != nil {
		return nil, err
	}
	files, err := m.listDir(m.prefixDir(toolID, DefaultPrefix))
	if err != nil {
		return nil, err
	}
	return &ToolDetail{Tool: *tool, Files: files}, nil
}

// NormalizePrefix canonicalizes a folder_prefix value. Empty means uploads.
func NormalizePrefix(prefix string) (string, error) {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" || prefix == DefaultPrefix {
		return DefaultPrefix, nil
	}
	rest, ok := strings.CutPrefix(prefix, VariationPrefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", ErrInvalidPrefix
	}
	return VariationPrefix + "/" + rest, nil
}

// StorageRoot returns the directory backing a normalized prefix. For
// variation prefixes the variation must exist.
func (m *Manager) StorageRoot(toolID, prefix string) (string, error) {
	normalized, err := NormalizePrefix(prefix)
	if err != nil {
		return "", err
	}
	dir := m.prefixDir(toolID, normalized)
	if normalized != DefaultPrefix {
		if _, err := os.Stat(filepath.Join(dir, variationMetaFile)); err != nil {
			return "", ErrVariationNotFound
		}
	}
	return dir, nil
}

func (m *Manager) UploadFiles(ctx context.Context, toolID string, uploads []Upload) ([]ToolFile, error) {
	if _, err := m.repo.Get(ctx, toolID); err != nil {
		return nil, err
	}
	dir := m.prefixDir(toolID, DefaultPrefix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	saved := []ToolFile{}
	for _, upload := range uploads {
		name := filepath.Base(upload.Name)
		if name == "." || name == ".." || name == "/" || name == "" {
			return nil, ErrInvalidFilename
		}
		if err := ValidateUpload(name, upload.Data); err != nil {
			return nil, err
		}
		target := filepath.Join(dir, name)
		if err := os.WriteFile(target, upload.Data, 0o644); err != nil {
			return nil, fmt.Errorf("write upload %s: %w", name, err)
		}
		saved = append(saved, ToolFile{
			Filename:   name,
			Path:       name,
			SizeBytes:  int64(len(upload.Data)),
			ModifiedAt: time.Now().UTC(),
		})
	}
	return saved, nil
}

func (m *Manager) DeleteFile(ctx context.Context, toolID, filename string) error {
	if _, err := m.repo.Get(ctx, toolID); err != nil {
		return err
	}
	if filename == "" || filename != filepath.Base(filename) {
		return ErrInvalidFilename
	}
	target := filepath.Join(m.prefixDir(toolID, DefaultPrefix), filename)
	if _, err := os.Stat(target); err != nil {
		return ErrFileNotFound
	}
	return os.Remove(target)
}

// InputFiles resolves the files to seed into a sandbox for a prefix.
func (m *Manager) InputFiles(toolID, prefix string) ([]sandbox.InputFile, error) {
	dir, err := m.StorageRoot(toolID, prefix)
	if err != nil {
		return nil, err
	}
	files, err := m.listDir(dir)
	if err != nil {
		return nil, err
	}
	inputs := []sandbox.InputFile{}
	for _, file := range files {
		inputs = append(inputs, sandbox.InputFile{
			Name: file.Filename,
			Path: filepath.Join(dir, file.Path),
		})
	}
	return inputs, nil
}

// CreateVariation snapshots the tool's current uploads into a new
// read-only namespace.
func (m *Manager) CreateVariation(ctx context.Context, toolID, label string) (*Variation, error) {
	if _, err := m.repo.Get(ctx, toolID); err != nil {
		return nil, err
	}

	variation := &Variation{
		ID:        uuid.NewString(),
		ToolID:    toolID,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	variation.Prefix = VariationPrefix + "/" + variation.ID

	dir := m.prefixDir(toolID, variation.Prefix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create variation dir: %w", err)
	}

	uploads, err := m.listDir(m.prefixDir(toolID, DefaultPrefix))
	if err != nil {
		return nil, err
	}
	for _, file := range uploads {
		data, err := os.ReadFile(filepath.Join(m.prefixDir(toolID, DefaultPrefix), file.Path))
		if err != nil {
			return nil, fmt.Errorf("copy %s into variation: %w", file.Filename, err)
		}
		if err := os.WriteFile(filepath.Join(dir, file.Filename), data, 0o644); err != nil {
			return nil, fmt.Errorf("copy %s into variation: %w", file.Filename, err)
		}
	}

	meta, err := json.MarshalIndent(variation, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode variation metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, variationMetaFile), meta, 0o644); err != nil {
		return nil, fmt.Errorf("write variation metadata: %w", err)
	}

	variation.Files, err = m.listDir(dir)
	if err != nil {
		return nil, err
	}
	return variation, nil
}

func (m *Manager) ListVariations(ctx context.Context, toolID string) ([]Variation, error) {
	if _, err := m.repo.Get(ctx, toolID); err != nil {
		return nil, err
	}
	base := filepath.Join(m.root, toolID, VariationPrefix)
	entries, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return []Variation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list variations: %w", err)
	}

	variations := []Variation{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		variation, err := m.GetVariation(ctx, toolID, entry.Name())
		if err != nil {
			continue
		}
		variations = append(variations, *variation)
	}
	sort.Slice(variations, func(i, j int) bool {
		return variations[i].CreatedAt.After(variations[j].CreatedAt)
	})
	return variations, nil
}

func (m *Manager) GetVariation(_ context.Context, toolID, variationID string) (*Variation, error) {
	dir := filepath.Join(m.root, toolID, VariationPrefix, variationID)
	raw, err := os.ReadFile(filepath.Join(dir, variationMetaFile))
	if err != nil {
		return nil, ErrVariationNotFound
	}
	var variation Variation
	if err := json.Unmarshal(raw, &variation); err != nil {
		return nil, fmt.Errorf("decode variation metadata: %w", err)
	}
	variation.Files, err = m.listDir(dir)
	if err != nil {
		return nil, err
	}
	return &variation, nil
}

func (m *Manager) prefixDir(toolID, prefix string) string {
	return filepath.Join(m.root, toolID, filepath.FromSlash(prefix))
}

func (m *Manager) listDir(dir string) ([]ToolFile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []ToolFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	files := []ToolFile{}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == variationMetaFile {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, ToolFile{
			Filename:   entry.Name(),
			Path:       entry.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i].Path) < strings.ToLower(files[j].Path)
	})
	return files, nil
}

// ValidateUpload checks the extension and sniffs the content so a
// mislabeled file is rejected before it lands in the workspace.
func ValidateUpload(filename string, data []byte) error {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".csv", ".xls", ".xlsx":
	default:
		return &UnsupportedTypeError{Extension: ext}
	}
	if len(data) == 0 {
		return ErrEmptyFile
	}

	switch ext {
	case ".csv":
		sample := bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
		if !utf8.Valid(sample) {
			return &InvalidContentError{Reason: "CSV file is not valid UTF-8"}
		}
		if len(bytes.TrimSpace(sample)) == 0 {
			return &InvalidContentError{Reason: "CSV file appears to be empty"}
		}
	case ".xlsx":
		if !bytes.HasPrefix(data, []byte("PK\x03\x04")) {
			return &InvalidContentError{Reason: "invalid XLSX file: missing zip signature"}
		}
	case ".xls":
		if !bytes.HasPrefix(data, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}) {
			return &InvalidContentError{Reason: "invalid XLS file: missing compound document signature"}
		}
	}
	return nil
}
