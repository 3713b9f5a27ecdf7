package sandbox

import (
	"context"

	"github.com/sheetbench/backend/pkg/stream"
)

// Entry is one filesystem entry listed inside a sandbox.
type Entry struct {
	Path string `json:"path"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size"`
}

// CommandResult reports the outcome of a command executed in a sandbox.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Runtime is the surface of one provisioned sandbox instance.
type Runtime interface {
	ID() string
	MakeDir(ctx context.Context, path string) error
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, path string) ([]Entry, error)
	// Run executes a command, invoking onLine for each produced output line
	// as it becomes available, and returns once the command exits.
	Run(ctx context.Context, command string, onLine func(string)) (CommandResult, error)
	Kill(ctx context.Context) error
}

// Provider provisions sandbox runtimes.
type Provider interface {
	Create(ctx context.Context, allowInternet bool) (Runtime, error)
}

// InputFile is a workspace file seeded into the sandbox input directory.
type InputFile struct {
	Name string
	Path string
}

// ExecRequest describes one sandbox execution.
type ExecRequest struct {
	Code          string
	Params        map[string]any
	PipPackages   []string
	AllowInternet bool
	InputFiles    []InputFile
}

// Artifact is a file read back out of the sandbox for persistence.
type Artifact struct {
	SandboxPath string
	Data        []byte
	SizeBytes   int64
}

// ExecResult is the collected outcome of a sandbox execution. Provisioning
// failures, timeouts, and non-zero exits are all reported through OK/Error,
// never as transport errors.
type ExecResult struct {
	OK        bool
	SandboxID string
	Logs      []string
	Files     []stream.FileInfo
	Error     string
	Artifacts []Artifact
}
