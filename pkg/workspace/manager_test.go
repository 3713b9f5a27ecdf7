package workspace

import (
	"context"
	"errors"
	"testing"
)

func newTestManager(t *testing.T) (*Manager, *Tool) {
	t.Helper()
	m := NewManager(NewMemStore(), t.TempDir())
	tool, err := m.CreateTool(context.Background())
	if err != nil {
		t.Fatalf("create tool: %v", err)
	}
	return m, tool
}

func TestCreateToolNamesAreSequential(t *testing.T) {
	m := NewManager(NewMemStore(), t.TempDir())
	ctx := context.Background()

	first, err := m.CreateTool(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := m.CreateTool(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Name != "New Tool (1)" || second.Name != "New Tool (2)" {
		t.Fatalf("unexpected names %q, %q", first.Name, second.Name)
	}

	// Renaming the first frees its slot for the next creation.
	if _, err := m.RenameTool(ctx, first.ID, "Revenue Report"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	third, err := m.CreateTool(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if third.Name != "New Tool (1)" {
		t.Fatalf("expected reclaimed slot, got %q", third.Name)
	}
}

func TestRenameToolRejectsBlankName(t *testing.T) {
	m, tool := newTestManager(t)
	if _, err := m.RenameTool(context.Background(), tool.ID, "   "); !errors.Is(err, ErrEmptyToolName) {
		t.Fatalf("expected ErrEmptyToolName, got %v", err)
	}
}

func TestValidateUpload(t *testing.T) {
	xlsxMagic := append([]byte("PK\x03\x04"), make([]byte, 16)...)
	xlsMagic := append([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, make([]byte, 16)...)

	cases := []struct {
		name     string
		filename string
		data     []byte
		wantErr  bool
	}{
		{"valid csv", "data.csv", []byte("a,b\n1,2\n"), false},
		{"csv with bom", "data.csv", append([]byte{0xEF, 0xBB, 0xBF}, []byte("a,b\n")...), false},
		{"valid xlsx", "data.xlsx", xlsxMagic, false},
		{"valid xls", "data.xls", xlsMagic, false},
		{"unsupported extension", "data.txt", []byte("hello"), true},
		{"empty file", "data.csv", nil, true},
		{"binary posing as csv", "data.csv", []byte{0xFF, 0xFE, 0x00, 0x01}, true},
		{"text posing as xlsx", "data.xlsx", []byte("not a zip"), true},
		{"xlsx magic posing as xls", "data.xls", xlsxMagic, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateUpload(tc.filename, tc.data)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestUploadListDeleteRoundTrip(t *testing.T) {
	m, tool := newTestManager(t)
	ctx := context.Background()

	saved, err := m.UploadFiles(ctx, tool.ID, []Upload{{Name: "sales.csv", Data: []byte("a,b\n1,2\n")}})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(saved) != 1 || saved[0].Filename != "sales.csv" {
		t.Fatalf("unexpected saved files: %+v", saved)
	}

	detail, err := m.GetToolDetail(ctx, tool.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Files) != 1 || detail.Files[0].SizeBytes != 8 {
		t.Fatalf("unexpected detail files: %+v", detail.Files)
	}

	if err := m.DeleteFile(ctx, tool.ID, "sales.csv"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteFile(ctx, tool.ID, "sales.csv"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	if err := m.DeleteFile(ctx, tool.ID, "../escape.csv"); !errors.Is(err, ErrInvalidFilename) {
		t.Fatalf("expected ErrInvalidFilename, got %v", err)
	}
}

func TestNormalizePrefix(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "uploads", false},
		{"uploads", "uploads", false},
		{"/uploads/", "uploads", false},
		{"variation/abc-123", "variation/abc-123", false},
		{"variation/", "", true},
		{"variation", "", true},
		{"variation/a/b", "", true},
		{"somewhere-else", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizePrefix(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidPrefix) {
				t.Fatalf("%q: expected ErrInvalidPrefix, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %q, %v", tc.in, got, err)
		}
	}
}

func TestVariationSnapshotIsIsolatedFromLaterUploads(t *testing.T) {
	m, tool := newTestManager(t)
	ctx := context.Background()

	if _, err := m.UploadFiles(ctx, tool.ID, []Upload{{Name: "base.csv", Data: []byte("a,b\n")}}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	variation, err := m.CreateVariation(ctx, tool.ID, "baseline")
	if err != nil {
		t.Fatalf("create variation: %v", err)
	}
	if variation.Prefix != "variation/"+variation.ID {
		t.Fatalf("unexpected prefix %q", variation.Prefix)
	}
	if len(variation.Files) != 1 || variation.Files[0].Filename != "base.csv" {
		t.Fatalf("unexpected variation files: %+v", variation.Files)
	}

	// A later upload must not appear in the snapshot.
	if _, err := m.UploadFiles(ctx, tool.ID, []Upload{{Name: "later.csv", Data: []byte("c,d\n")}}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	inputs, err := m.InputFiles(tool.ID, variation.Prefix)
	if err != nil {
		t.Fatalf("input files: %v", err)
	}
	if len(inputs) != 1 || inputs[0].Name != "base.csv" {
		t.Fatalf("snapshot leaked later uploads: %+v", inputs)
	}

	uploads, err := m.InputFiles(tool.ID, "uploads")
	if err != nil {
		t.Fatalf("input files: %v", err)
	}
	if len(uploads) != 2 {
		t.Fatalf("expected 2 upload inputs, got %+v", uploads)
	}

	if _, err := m.InputFiles(tool.ID, "variation/does-not-exist"); !errors.Is(err, ErrVariationNotFound) {
		t.Fatalf("expected ErrVariationNotFound, got %v", err)
	}
}

func TestListVariationsNewestFirst(t *testing.T) {
	m, tool := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateVariation(ctx, tool.ID, "first"); err != nil {
		t.Fatalf("create variation: %v", err)
	}
	second, err := m.CreateVariation(ctx, tool.ID, "second")
	if err != nil {
		t.Fatalf("create variation: %v", err)
	}

	variations, err := m.ListVariations(ctx, tool.ID)
	if err != nil {
		t.Fatalf("list variations: %v", err)
	}
	if len(variations) != 2 {
		t.Fatalf("expected 2 variations, got %d", len(variations))
	}
	if variations[0].ID != second.ID && variations[0].CreatedAt.Before(variations[1].CreatedAt) {
		t.Fatalf("unexpected order: %+v", variations)
	}
}
