package runs

import "time"

// Status values for a persisted run.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Summary struct {
	ID           string    `json:"id"`
	ToolID       string    `json:"tool_id"`
	Status       string    `json:"status"`
	OK           *bool     `json:"ok"`
	CreatedAt    time.Time `json:"created_at"`
	CodeVersion  int       `json:"code_version"`
	FolderPrefix string    `json:"folder_prefix"`
	SandboxID    string    `json:"sandbox_id,omitempty"`
	Error        *string   `json:"error,omitempty"`
}

// OKFromStatus maps a persisted status onto the run's tri-state outcome.
// Only terminal statuses carry a value; anything else reads as unknown.
func OKFromStatus(status string) *bool {
	switch status {
	case StatusCompleted:
		ok := true
		return &ok
	case StatusFailed:
		ok := false
		return &ok
	default:
		return nil
	}
}

type RunFile struct {
	Path      string  `json:"path"`
	SizeBytes int64   `json:"size_bytes"`
	Preview   *string `json:"preview,omitempty"`
}

type Detail struct {
	Summary
	Code          string         `json:"code"`
	Params        map[string]any `json:"params"`
	PipPackages   []string       `json:"pip_packages"`
	AllowInternet bool           `json:"allow_internet"`
	Logs          []string       `json:"logs"`
	Files         []RunFile      `json:"files"`
}

// Artifact carries the raw bytes of a sandbox output file so the store
// can persist them to disk alongside the run record.
type Artifact struct {
	Path string
	Data []byte
}

type SaveRequest struct {
	ToolID        string
	CodeVersion   int
	FolderPrefix  string
	OK            bool
	SandboxID     string
	Error         string
	Code          string
	Params        map[string]any
	PipPackages   []string
	AllowInternet bool
	Logs          []string
	Files         []RunFile
	Artifacts     []Artifact
}
