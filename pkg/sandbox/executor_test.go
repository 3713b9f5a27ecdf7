package sandbox

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRuntime simulates a provider sandbox with an in-memory filesystem.
type fakeRuntime struct {
	mu    sync.Mutex
	id    string
	files map[string][]byte
	dirs  map[string]bool

	runScript func(rt *fakeRuntime, command string, onLine func(string)) (CommandResult, error)
	killed    bool
}

func newFakeRuntime(id string) *fakeRuntime {
	return &fakeRuntime{
		id:    id,
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

func (f *fakeRuntime) ID() string { return f.id }

func (f *fakeRuntime) MakeDir(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[path] = true
	return nil
}

func (f *fakeRuntime) WriteFile(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeRuntime) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, ErrFileNotFound
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeRuntime) List(_ context.Context, path string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(path, "/") + "/"
	var entries []Entry
	for file, data := range f.files {
		if !strings.HasPrefix(file, prefix) {
			continue
		}
		rest := strings.TrimPrefix(file, prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		entries = append(entries, Entry{Path: file, Size: int64(len(data))})
	}
	for dir := range f.dirs {
		if !strings.HasPrefix(dir, prefix) {
			continue
		}
		rest := strings.TrimPrefix(dir, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		entries = append(entries, Entry{Path: dir, Dir: true})
	}
	return entries, nil
}

func (f *fakeRuntime) Run(_ context.Context, command string, onLine func(string)) (CommandResult, error) {
	if strings.HasPrefix(command, "pip install") {
		onLine("Collecting requirements")
		return CommandResult{ExitCode: 0}, nil
	}
	if f.runScript != nil {
		return f.runScript(f, command, onLine)
	}
	return CommandResult{ExitCode: 0}, nil
}

func (f *fakeRuntime) Kill(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	return nil
}

type fakeProvider struct {
	rt        *fakeRuntime
	createErr error
}

func (p *fakeProvider) Create(context.Context, bool) (Runtime, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return p.rt, nil
}

func TestExecuteSuccessCollectsLogsAndFiles(t *testing.T) {
	rt := newFakeRuntime("sb-1")
	rt.runScript = func(rt *fakeRuntime, _ string, onLine func(string)) (CommandResult, error) {
		onLine("hello from stdout")
		rt.mu.Lock()
		rt.files["/io/host.log"] = []byte("[runner] launching /workspace/user/user_script.py\n")
		rt.files["/io/artifacts/out.json"] = []byte(`{"ok": true}`)
		rt.mu.Unlock()
		return CommandResult{ExitCode: 0}, nil
	}

	var streamed []string
	exec := NewExecutor(&fakeProvider{rt: rt})
	result, err := exec.Execute(context.Background(), ExecRequest{
		Code:   "def run(params, ctx):\n    return {}",
		Params: map[string]any{},
	}, ExecOptions{
		Sink:    func(lines []string) { streamed = append(streamed, lines...) },
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected ok result, got error %q", result.Error)
	}
	if result.SandboxID != "sb-1" {
		t.Fatalf("unexpected sandbox id %q", result.SandboxID)
	}
	if len(streamed) == 0 {
		t.Fatal("expected streamed log lines")
	}

	foundArtifact := false
	for _, file := range result.Files {
		if file.Path == "/io/artifacts/out.json" {
			foundArtifact = true
			if file.Preview == nil || !strings.Contains(*file.Preview, "ok") {
				t.Fatalf("expected preview for small text file, got %#v", file.Preview)
			}
		}
	}
	if !foundArtifact {
		t.Fatalf("artifact missing from files: %#v", result.Files)
	}

	// Host-log lines come first, stdout lines that never hit the log follow.
	joined := strings.Join(result.Logs, "\n")
	if !strings.Contains(joined, "[runner] launching") || !strings.Contains(joined, "hello from stdout") {
		t.Fatalf("unexpected final logs: %#v", result.Logs)
	}
	if !rt.killed {
		t.Fatal("sandbox was not torn down")
	}
}

func TestExecuteNonZeroExitIsExecutionFailure(t *testing.T) {
	rt := newFakeRuntime("sb-2")
	rt.runScript = func(_ *fakeRuntime, _ string, _ func(string)) (CommandResult, error) {
		return CommandResult{ExitCode: 1, Error: "Traceback: boom"}, nil
	}

	exec := NewExecutor(&fakeProvider{rt: rt})
	result, err := exec.Execute(context.Background(), ExecRequest{Code: "x"}, ExecOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if result.OK {
		t.Fatal("expected failed result")
	}
	if result.Error != "Traceback: boom" {
		t.Fatalf("unexpected error %q", result.Error)
	}
}

func TestExecuteTimeout(t *testing.T) {
	rt := newFakeRuntime("sb-3")
	rt.runScript = func(_ *fakeRuntime, _ string, _ func(string)) (CommandResult, error) {
		time.Sleep(200 * time.Millisecond)
		return CommandResult{ExitCode: 0}, nil
	}

	exec := NewExecutor(&fakeProvider{rt: rt})
	result, err := exec.Execute(context.Background(), ExecRequest{Code: "x"}, ExecOptions{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if result.OK || result.Error != "Sandbox execution timed out" {
		t.Fatalf("expected timeout failure, got %#v", result)
	}
}

func TestExecuteProvisioningFailure(t *testing.T) {
	exec := NewExecutor(&fakeProvider{createErr: context.DeadlineExceeded})
	if _, err := exec.Execute(context.Background(), ExecRequest{Code: "x"}, ExecOptions{}); err == nil {
		t.Fatal("expected provisioning error")
	}
}

func TestHostRPCRoundTrip(t *testing.T) {
	rt := newFakeRuntime("sb-4")
	rt.runScript = func(rt *fakeRuntime, _ string, _ func(string)) (CommandResult, error) {
		rt.mu.Lock()
		rt.files["/io/requests/abc.json"] = []byte(`{"action":"ping","payload":{"n":1},"corr_id":"abc"}`)
		rt.mu.Unlock()

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			rt.mu.Lock()
			_, ok := rt.files["/io/responses/abc.json"]
			rt.mu.Unlock()
			if ok {
				return CommandResult{ExitCode: 0}, nil
			}
			time.Sleep(20 * time.Millisecond)
		}
		return CommandResult{ExitCode: 1, Error: "host never answered"}, nil
	}

	exec := NewExecutor(&fakeProvider{rt: rt})
	result, err := exec.Execute(context.Background(), ExecRequest{Code: "x"}, ExecOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected host rpc to be serviced, got %q", result.Error)
	}
}
