package workspace

import "time"

// DefaultPrefix is the storage namespace holding a tool's uploaded files.
// Variations live under VariationPrefix + "/<id>".
const (
	DefaultPrefix   = "uploads"
	VariationPrefix = "variation"
)

type Tool struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ToolFile struct {
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

type ToolDetail struct {
	Tool
	Files []ToolFile `json:"files"`
}

type Variation struct {
	ID        string     `json:"id"`
	ToolID    string     `json:"tool_id"`
	Label     string     `json:"label,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Prefix    string     `json:"prefix"`
	Files     []ToolFile `json:"files"`
}

// Upload carries one incoming file from a multipart request.
type Upload struct {
	Name string
	Data []byte
}
