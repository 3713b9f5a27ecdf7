package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const sampleReply = `Here is the updated module.

<CodeOutput>def run(params, ctx):
    ctx.log("running")
    return {"ok": True}</CodeOutput>
<Pip>
pandas
openpyxl
</Pip>
<Params>
[{"name": "threshold", "type": "number", "required": true}]
</Params>
<FileList>
[{"pattern": "*.csv", "required": true}]
</FileList>

Let me know if you want changes.`

func TestParseReplyExtractsAllSections(t *testing.T) {
	reply := ParseReply(sampleReply)

	if reply.Code == nil || !strings.HasPrefix(*reply.Code, "def run(params, ctx):") {
		t.Fatalf("unexpected code: %#v", reply.Code)
	}
	if len(reply.PipPackages) != 2 || reply.PipPackages[0] != "pandas" {
		t.Fatalf("unexpected packages: %#v", reply.PipPackages)
	}
	if !reply.ParamsPresent || len(reply.Params) != 1 || reply.Params[0].Name != "threshold" {
		t.Fatalf("unexpected params: %#v", reply.Params)
	}
	if !reply.FilesPresent || len(reply.Files) != 1 || reply.Files[0].Pattern != "*.csv" {
		t.Fatalf("unexpected files: %#v", reply.Files)
	}
	if strings.Contains(reply.DisplayText, "<CodeOutput>") || strings.Contains(reply.DisplayText, "pandas") {
		t.Fatalf("display text still contains tagged content: %q", reply.DisplayText)
	}
	if !strings.Contains(reply.DisplayText, "Here is the updated module.") {
		t.Fatalf("display text lost the explanation: %q", reply.DisplayText)
	}
}

func TestParseReplyWithoutTags(t *testing.T) {
	reply := ParseReply("Just a plain answer.")
	if reply.Code != nil || reply.ParamsPresent || reply.FilesPresent {
		t.Fatalf("unexpected structured content: %#v", reply)
	}
	if len(reply.PipPackages) != 0 {
		t.Fatalf("unexpected packages: %#v", reply.PipPackages)
	}
	if reply.DisplayText != "Just a plain answer." {
		t.Fatalf("unexpected display text: %q", reply.DisplayText)
	}
}

func TestParseReplyLastTagWins(t *testing.T) {
	raw := "<CodeOutput>first</CodeOutput> then <CodeOutput>second</CodeOutput>"
	reply := ParseReply(raw)
	if reply.Code == nil || *reply.Code != "second" {
		t.Fatalf("expected last block, got %#v", reply.Code)
	}
}

func TestParseReplyMalformedJSONArraysAreEmpty(t *testing.T) {
	raw := "<Params>not json</Params><FileList>{\"pattern\": \"x\"}</FileList>"
	reply := ParseReply(raw)
	if !reply.ParamsPresent || len(reply.Params) != 0 {
		t.Fatalf("expected present-but-empty params, got %#v", reply.Params)
	}
	// A bare object is not an array and is treated as empty too.
	if !reply.FilesPresent || len(reply.Files) != 0 {
		t.Fatalf("expected present-but-empty files, got %#v", reply.Files)
	}
}

func TestExtractTaggedIsCaseInsensitive(t *testing.T) {
	blocks := ExtractTagged("<codeoutput>x</CODEOUTPUT>", TagCode)
	if len(blocks) != 1 || blocks[0] != "x" {
		t.Fatalf("unexpected blocks: %#v", blocks)
	}
}

func TestAssistantCompleteSkipsBlankMessages(t *testing.T) {
	var got completionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "hi"}}},
			"usage":   map[string]int{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	defer server.Close()

	assistant := NewAssistant(server.URL, "test-key", "")
	completion, err := assistant.Complete(context.Background(), "", "system text", []StoredMessage{
		{Role: "user", Content: "hello"},
		{Role: "user", Content: "   "},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completion.Text != "hi" {
		t.Fatalf("unexpected text %q", completion.Text)
	}
	if completion.Usage == nil || completion.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected usage %#v", completion.Usage)
	}
	if got.Model != DefaultModel {
		t.Fatalf("expected default model, got %q", got.Model)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("blank message should be dropped: %#v", got.Messages)
	}
	if got.Messages[0].Role != "system" {
		t.Fatalf("system prompt must come first: %#v", got.Messages)
	}
}
