package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultModel is used when the caller does not name one.
const DefaultModel = "gpt-4.1"

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a raw assistant answer before marker parsing.
type Completion struct {
	Text  string
	Usage *Usage
}

// Completer abstracts the language model so handlers can be tested
// without network access.
type Completer interface {
	Complete(ctx context.Context, model, systemPrompt string, messages []StoredMessage) (*Completion, error)
}

// Assistant talks to an OpenAI-compatible chat completions endpoint.
type Assistant struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewAssistant(baseURL, apiKey, model string) *Assistant {
	if model == "" {
		model = DefaultModel
	}
	return &Assistant{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// WithHTTPClient swaps the underlying HTTP client, used by tests.
func (a *Assistant) WithHTTPClient(client *http.Client) *Assistant {
	a.httpClient = client
	return a
}

func (a *Assistant) Model() string { return a.model }

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (a *Assistant) Complete(ctx context.Context, model, systemPrompt string, messages []StoredMessage) (*Completion, error) {
	if model == "" {
		model = a.model
	}
	payload := completionRequest{Model: model}
	if systemPrompt != "" {
		payload.Messages = append(payload.Messages, completionMessage{Role: "system", Content: systemPrompt})
	}
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		payload.Messages = append(payload.Messages, completionMessage{Role: msg.Role, Content: content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call assistant: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("assistant returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("assistant response did not include textual content")
	}
	return &Completion{Text: out.Choices[0].Message.Content, Usage: out.Usage}, nil
}

var _ Completer = (*Assistant)(nil)
