package runs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveFailedRunSetsStatusAndError(t *testing.T) {
	store := NewMemStore(t.TempDir())

	detail, err := store.Save(context.Background(), SaveRequest{
		ToolID:       "tool-1",
		CodeVersion:  3,
		FolderPrefix: "uploads",
		OK:           false,
		Error:        "boom",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if detail.Status != StatusFailed {
		t.Fatalf("expected failed status, got %q", detail.Status)
	}
	if detail.Error == nil || *detail.Error != "boom" {
		t.Fatalf("expected error message, got %#v", detail.Error)
	}
	if detail.Logs == nil || detail.Files == nil {
		t.Fatal("logs and files must be non-nil")
	}
}

func TestSummaryOKMirrorsStatus(t *testing.T) {
	store := NewMemStore(t.TempDir())
	ctx := context.Background()

	good, err := store.Save(ctx, SaveRequest{ToolID: "tool-1", OK: true, Code: "print(1)"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if good.OK == nil || !*good.OK {
		t.Fatalf("completed run must carry ok=true, got %#v", good.OK)
	}
	if good.Code != "print(1)" {
		t.Fatalf("executed code not persisted: %q", good.Code)
	}

	bad, err := store.Save(ctx, SaveRequest{ToolID: "tool-1", OK: false})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if bad.OK == nil || *bad.OK {
		t.Fatalf("failed run must carry ok=false, got %#v", bad.OK)
	}

	summaries, err := store.List(ctx, "tool-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, sum := range summaries {
		if sum.OK == nil {
			t.Fatalf("terminal summary %s missing ok", sum.ID)
		}
	}

	if got := OKFromStatus("running"); got != nil {
		t.Fatalf("non-terminal status must read as unknown, got %v", *got)
	}
}

func TestSavePersistsArtifactsToDisk(t *testing.T) {
	dataDir := t.TempDir()
	store := NewMemStore(dataDir)

	preview := "col_a,col_b"
	detail, err := store.Save(context.Background(), SaveRequest{
		ToolID:       "tool-1",
		CodeVersion:  1,
		FolderPrefix: "uploads",
		OK:           true,
		Logs:         []string{"line one", "line two"},
		Files:        []RunFile{{Path: "/io/artifacts/out.csv", SizeBytes: 11, Preview: &preview}},
		Artifacts:    []Artifact{{Path: "/io/artifacts/out.csv", Data: []byte("col_a,col_b")}},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	logs, err := os.ReadFile(filepath.Join(dataDir, detail.ID, "logs.txt"))
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if string(logs) != "line one\nline two\n" {
		t.Fatalf("unexpected logs file: %q", logs)
	}

	resolved, err := store.ResolveFile(context.Background(), detail.ID, "/io/artifacts/out.csv")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "col_a,col_b" {
		t.Fatalf("unexpected artifact content: %q", data)
	}
}

func TestResolveFileRejectsUnknownAndEscapingPaths(t *testing.T) {
	store := NewMemStore(t.TempDir())
	detail, err := store.Save(context.Background(), SaveRequest{
		ToolID: "tool-1",
		OK:     true,
		Files:  []RunFile{{Path: "/io/artifacts/../../etc/passwd"}},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := store.ResolveFile(context.Background(), detail.ID, "/io/artifacts/missing.csv"); err != ErrFileNotFound {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	if _, err := store.ResolveFile(context.Background(), detail.ID, "/io/artifacts/../../etc/passwd"); err != ErrInvalidPath {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestListFiltersByToolAndPrefix(t *testing.T) {
	store := NewMemStore(t.TempDir())
	ctx := context.Background()

	for _, prefix := range []string{"uploads", "variation/abc", "uploads"} {
		if _, err := store.Save(ctx, SaveRequest{ToolID: "tool-1", FolderPrefix: prefix, OK: true}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if _, err := store.Save(ctx, SaveRequest{ToolID: "tool-2", FolderPrefix: "uploads", OK: true}); err != nil {
		t.Fatalf("save: %v", err)
	}

	all, err := store.List(ctx, "tool-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}

	uploads, err := store.List(ctx, "tool-1", "uploads")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(uploads) != 2 {
		t.Fatalf("expected 2 uploads runs, got %d", len(uploads))
	}
	for _, sum := range uploads {
		if !strings.HasPrefix(sum.FolderPrefix, "uploads") {
			t.Fatalf("unexpected prefix %q", sum.FolderPrefix)
		}
	}
}

func TestDeleteRemovesRecordAndDir(t *testing.T) {
	dataDir := t.TempDir()
	store := NewMemStore(dataDir)
	ctx := context.Background()

	detail, err := store.Save(ctx, SaveRequest{ToolID: "tool-1", OK: true})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, detail.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, detail.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, detail.ID)); !os.IsNotExist(err) {
		t.Fatalf("run dir should be gone, stat err: %v", err)
	}
	if err := store.Delete(ctx, detail.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
