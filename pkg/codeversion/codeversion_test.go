package codeversion

import (
	"context"
	"strings"
	"testing"
)

func TestEnsureCurrentSeedsInitialVersion(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	detail, err := store.EnsureCurrent(ctx, "tool-1")
	if err != nil {
		t.Fatalf("ensure current: %v", err)
	}
	if detail.Version != 1 {
		t.Fatalf("expected version 1, got %d", detail.Version)
	}
	if detail.Author != "system" || detail.Code != DefaultCode {
		t.Fatalf("unexpected initial version: %+v", detail)
	}

	// Second call returns the same version instead of creating another.
	again, err := store.EnsureCurrent(ctx, "tool-1")
	if err != nil {
		t.Fatalf("ensure current: %v", err)
	}
	if again.Version != 1 {
		t.Fatalf("expected version 1 again, got %d", again.Version)
	}
}

func TestVersionNumbersArePerTool(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Create(ctx, "tool-1", CreateRequest{Code: "a", Author: "user"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	other, err := store.Create(ctx, "tool-2", CreateRequest{Code: "b", Author: "user"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if other.Version != 1 {
		t.Fatalf("tool-2 should start at version 1, got %d", other.Version)
	}

	current, err := store.EnsureCurrent(ctx, "tool-1")
	if err != nil {
		t.Fatalf("ensure current: %v", err)
	}
	if current.Version != 3 {
		t.Fatalf("expected version 3, got %d", current.Version)
	}
}

func TestListNewestFirstWithLimit(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Create(ctx, "tool-1", CreateRequest{Code: "x", Author: "user"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	summaries, err := store.List(ctx, "tool-1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
	if summaries[0].Version != 5 || summaries[2].Version != 3 {
		t.Fatalf("unexpected ordering: %+v", summaries)
	}
}

func TestMessageIncludesTaggedSections(t *testing.T) {
	detail := &Detail{
		Summary:     Summary{Version: 4},
		Code:        "def run(params, ctx):\n    return {}",
		PipPackages: []string{"pandas", "openpyxl"},
		Params:      []ParamSpec{{Name: "threshold", Type: "number", Required: true}},
	}
	msg := Message("User", "reverted the code to version 2", detail, 2)

	if !strings.HasPrefix(msg, "User reverted the code to version 2. (version 4)") {
		t.Fatalf("unexpected header: %q", msg)
	}
	if !strings.Contains(msg, "Based on version 2.") {
		t.Fatalf("missing base version line: %q", msg)
	}
	for _, tag := range []string{"<CodeOutput>", "</CodeOutput>", "<Pip>", "</Pip>", "<Params>", "</Params>"} {
		if !strings.Contains(msg, tag) {
			t.Fatalf("missing %s in %q", tag, msg)
		}
	}
	if strings.Contains(msg, "<FileList>") {
		t.Fatalf("empty file list should not emit a section: %q", msg)
	}
}
