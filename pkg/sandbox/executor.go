package sandbox

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sheetbench/backend/pkg/stream"
)

// Sandbox filesystem layout shared with the embedded runner scaffolding.
const (
	appDir       = "/app"
	sdkDir       = "/app/sdk"
	runnerPath   = "/app/runner.py"
	ioDir        = "/io"
	requestDir   = "/io/requests"
	responseDir  = "/io/responses"
	logFilePath  = "/io/host.log"
	configPath   = "/io/config.json"
	artifactDir  = "/io/artifacts"
	inputDir     = "/io/inputs"
	workspaceDir = "/workspace/user"
	userScript   = "/workspace/user/user_script.py"
)

//go:embed payload/runner.py
var runnerCode []byte

//go:embed payload/sdk_rpc.py
var sdkRPCCode []byte

//go:embed payload/sdk_io.py
var sdkIOCode []byte

//go:embed payload/sdk_log.py
var sdkLogCode []byte

const (
	maxPreviewBytes = 4096
	maxPreviewChars = 400
	hostPollPeriod  = 200 * time.Millisecond
)

// DefaultTimeout bounds the wall-clock duration of one sandbox execution.
const DefaultTimeout = 90 * time.Second

// LogSink receives newly produced log lines as execution progresses. Calls
// are serialized by the executor.
type LogSink func(lines []string)

// HostAction answers one RPC request raised by the running script.
type HostAction func(payload map[string]any) map[string]any

// ExecOptions tunes one execution.
type ExecOptions struct {
	Sink    LogSink
	Timeout time.Duration
	// HostActions extends the default RPC handlers exposed to the script.
	HostActions map[string]HostAction
}

// Executor runs user scripts inside provider sandboxes.
type Executor struct {
	provider Provider
}

// NewExecutor wraps a provider.
func NewExecutor(provider Provider) *Executor {
	return &Executor{provider: provider}
}

// Execute provisions a sandbox, seeds the runner scaffolding and inputs, runs
// the user script, and collects logs and produced files. In-sandbox failures
// (pip errors, non-zero exits, timeouts) are reported through the result; the
// returned error is non-nil only when no sandbox could be provisioned at all.
func (e *Executor) Execute(ctx context.Context, req ExecRequest, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	rt, err := e.provider.Create(ctx, req.AllowInternet)
	if err != nil {
		return nil, fmt.Errorf("provision sandbox: %w", err)
	}
	defer func() {
		killCtx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
		defer cancel()
		_ = rt.Kill(killCtx)
	}()

	session := &execSession{
		rt:      rt,
		sink:    opts.Sink,
		actions: defaultHostActions(),
	}
	for name, action := range opts.HostActions {
		session.actions[name] = action
	}

	if err := session.seed(ctx, req); err != nil {
		return &ExecResult{
			OK:        false,
			SandboxID: rt.ID(),
			Logs:      session.finalLogs(),
			Files:     []stream.FileInfo{},
			Error:     err.Error(),
		}, nil
	}

	if execErr := session.installPackages(ctx, req.PipPackages); execErr != "" {
		return session.finish(ctx, execErr), nil
	}

	execErr := session.runScript(ctx, timeout)
	return session.finish(ctx, execErr), nil
}

type execSession struct {
	rt      Runtime
	actions map[string]HostAction

	mu          sync.Mutex
	sink        LogSink
	stdoutLines []string
	hostLines   []string
}

func defaultHostActions() map[string]HostAction {
	return map[string]HostAction{
		"ping": func(payload map[string]any) map[string]any {
			return map[string]any{"ok": true, "pong": payload}
		},
	}
}

func (s *execSession) emit(lines []string) {
	if s.sink == nil || len(lines) == 0 {
		return
	}
	s.sink(lines)
}

// captureLine records one stdout/stderr line and forwards it to the sink.
func (s *execSession) captureLine(line string) {
	if line == "" {
		return
	}
	s.mu.Lock()
	s.stdoutLines = append(s.stdoutLines, line)
	s.emit([]string{line})
	s.mu.Unlock()
}

func (s *execSession) seed(ctx context.Context, req ExecRequest) error {
	dirs := []string{appDir, sdkDir, ioDir, requestDir, responseDir, artifactDir, inputDir, workspaceDir}
	for _, dir := range dirs {
		if err := s.rt.MakeDir(ctx, dir); err != nil {
			return fmt.Errorf("prepare sandbox dirs: %w", err)
		}
	}

	seedFiles := map[string][]byte{
		runnerPath:         runnerCode,
		sdkDir + "/rpc.py": sdkRPCCode,
		sdkDir + "/io.py":  sdkIOCode,
		sdkDir + "/log.py": sdkLogCode,
		userScript:         []byte(req.Code),
	}
	for path, data := range seedFiles {
		if err := s.rt.WriteFile(ctx, path, data); err != nil {
			return fmt.Errorf("seed %s: %w", path, err)
		}
	}

	config := map[string]any{"entrypoint": userScript, "params": req.Params}
	if config["params"] == nil {
		config["params"] = map[string]any{}
	}
	configBytes, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal sandbox config: %w", err)
	}
	if err := s.rt.WriteFile(ctx, configPath, configBytes); err != nil {
		return fmt.Errorf("seed config: %w", err)
	}

	for _, input := range req.InputFiles {
		data, err := os.ReadFile(input.Path)
		if err != nil {
			return fmt.Errorf("read input %s: %w", input.Name, err)
		}
		if err := s.rt.WriteFile(ctx, inputDir+"/"+input.Name, data); err != nil {
			return fmt.Errorf("seed input %s: %w", input.Name, err)
		}
	}
	return nil
}

// installPackages runs pip install for the declared requirements, streaming
// its output. Returns a non-empty error string when installation fails.
func (s *execSession) installPackages(ctx context.Context, packages []string) string {
	var kept []string
	for _, pkg := range packages {
		if trimmed := strings.TrimSpace(pkg); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	if len(kept) == 0 {
		return ""
	}

	requirementsPath := ioDir + "/requirements.txt"
	if err := s.rt.WriteFile(ctx, requirementsPath, []byte(strings.Join(kept, "\n"))); err != nil {
		return fmt.Sprintf("seed requirements: %v", err)
	}

	result, err := s.rt.Run(ctx, "pip install -r "+requirementsPath, s.captureLine)
	if err != nil {
		return fmt.Sprintf("pip install failed: %v", err)
	}
	if result.ExitCode != 0 {
		if result.Error != "" {
			return result.Error
		}
		return fmt.Sprintf("pip install exited with code %d", result.ExitCode)
	}
	return ""
}

// runScript executes the runner entrypoint, servicing host RPC requests and
// tailing the host log while the command runs. Returns a non-empty error
// string on failure.
func (s *execSession) runScript(ctx context.Context, timeout time.Duration) string {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type cmdOutcome struct {
		result CommandResult
		err    error
	}
	done := make(chan cmdOutcome, 1)
	go func() {
		result, err := s.rt.Run(runCtx, "python "+runnerPath, s.captureLine)
		done <- cmdOutcome{result: result, err: err}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(hostPollPeriod)
	defer ticker.Stop()

	var execErr string
	var outcome cmdOutcome
	finished := false
	for !finished {
		select {
		case outcome = <-done:
			finished = true
		case <-deadline.C:
			execErr = "Sandbox execution timed out"
			cancel()
			outcome = <-done
			finished = true
		case <-ticker.C:
			s.serviceHostRequests(ctx)
			s.readLogUpdates(ctx)
		case <-ctx.Done():
			execErr = "Sandbox execution cancelled"
			cancel()
			outcome = <-done
			finished = true
		}
	}

	s.serviceHostRequests(ctx)
	s.readLogUpdates(ctx)

	if execErr != "" {
		return execErr
	}
	if outcome.err != nil {
		return fmt.Sprintf("Sandbox command failed: %v", outcome.err)
	}
	if outcome.result.ExitCode != 0 {
		if outcome.result.Error != "" {
			return outcome.result.Error
		}
		return fmt.Sprintf("Sandbox process exited with code %d", outcome.result.ExitCode)
	}
	return ""
}

// serviceHostRequests answers RPC request files dropped by the script.
func (s *execSession) serviceHostRequests(ctx context.Context) {
	entries, err := s.rt.List(ctx, requestDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.Dir || !strings.HasSuffix(entry.Path, ".json") {
			continue
		}
		raw, err := s.rt.ReadFile(ctx, entry.Path)
		if err != nil {
			continue
		}
		var request struct {
			Action  string         `json:"action"`
			Payload map[string]any `json:"payload"`
			CorrID  string         `json:"corr_id"`
		}
		if err := json.Unmarshal(raw, &request); err != nil {
			continue
		}
		var response map[string]any
		if action, ok := s.actions[request.Action]; ok {
			response = action(request.Payload)
		} else {
			response = map[string]any{"ok": false, "error": "unsupported_action:" + request.Action}
		}
		payload, err := json.Marshal(response)
		if err != nil {
			continue
		}
		_ = s.rt.WriteFile(ctx, responseDir+"/"+request.CorrID+".json", payload)
	}
}

// readLogUpdates tails the host log file and emits newly appended lines.
func (s *execSession) readLogUpdates(ctx context.Context) {
	data, err := s.rt.ReadFile(ctx, logFilePath)
	if err != nil {
		return
	}
	var filtered []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			filtered = append(filtered, line)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(filtered) > len(s.hostLines) {
		diff := filtered[len(s.hostLines):]
		s.hostLines = filtered
		s.emit(diff)
	}
}

// finalLogs merges host log lines with stdout lines not already present,
// preserving host-log ordering as authoritative.
func (s *execSession) finalLogs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := append([]string(nil), s.hostLines...)
	seen := make(map[string]struct{}, len(logs))
	for _, line := range logs {
		seen[line] = struct{}{}
	}
	for _, line := range s.stdoutLines {
		if _, ok := seen[line]; !ok {
			logs = append(logs, line)
			seen[line] = struct{}{}
		}
	}
	if logs == nil {
		logs = []string{}
	}
	return logs
}

// finish collects produced files and assembles the execution result.
func (s *execSession) finish(ctx context.Context, execErr string) *ExecResult {
	files, artifacts := s.collectFiles(ctx)
	return &ExecResult{
		OK:        execErr == "",
		SandboxID: s.rt.ID(),
		Logs:      s.finalLogs(),
		Files:     files,
		Error:     execErr,
		Artifacts: artifacts,
	}
}

// collectFiles walks the artifact and io trees, skipping RPC plumbing, and
// reads each file back for persistence and preview generation.
func (s *execSession) collectFiles(ctx context.Context) ([]stream.FileInfo, []Artifact) {
	type job struct{ path string }
	visited := make(map[string]struct{})
	var infos []stream.FileInfo
	var artifacts []Artifact

	queue := []job{{artifactDir}, {ioDir}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		entries, err := s.rt.List(ctx, current.path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.Path == "" {
				continue
			}
			if strings.HasPrefix(entry.Path, requestDir) || strings.HasPrefix(entry.Path, responseDir) {
				continue
			}
			if _, ok := visited[entry.Path]; ok {
				continue
			}
			visited[entry.Path] = struct{}{}
			if entry.Dir {
				queue = append(queue, job{entry.Path})
				continue
			}
			content, err := s.rt.ReadFile(ctx, entry.Path)
			if err != nil {
				content = nil
			}
			size := entry.Size
			if size <= 0 {
				size = int64(len(content))
			}
			infos = append(infos, stream.FileInfo{
				Path:      entry.Path,
				SizeBytes: size,
				Preview:   filePreview(content, size),
			})
			artifacts = append(artifacts, Artifact{
				SandboxPath: entry.Path,
				Data:        content,
				SizeBytes:   size,
			})
		}
	}

	sortFileInfos(infos, artifacts)
	if infos == nil {
		infos = []stream.FileInfo{}
	}
	return infos, artifacts
}

func filePreview(content []byte, size int64) *string {
	if len(content) == 0 || size > maxPreviewBytes {
		return nil
	}
	if !utf8.Valid(content) {
		return nil
	}
	text := string(content)
	runes := []rune(text)
	if len(runes) > maxPreviewChars {
		text = string(runes[:maxPreviewChars])
	}
	return &text
}

func sortFileInfos(infos []stream.FileInfo, artifacts []Artifact) {
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j].Path < infos[j-1].Path; j-- {
			infos[j], infos[j-1] = infos[j-1], infos[j]
			artifacts[j], artifacts[j-1] = artifacts[j-1], artifacts[j]
		}
	}
}
