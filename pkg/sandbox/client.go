package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the remote sandbox provider over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a provider client with sane defaults. The HTTP client
// carries no global timeout because command execution streams output for the
// lifetime of a run; per-call deadlines come from the context.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

var _ Provider = (*Client)(nil)

type createRequest struct {
	AllowInternet bool `json:"allow_internet"`
}

type createResponse struct {
	SandboxID string `json:"sandbox_id"`
}

// Create provisions a fresh sandbox runtime.
func (c *Client) Create(ctx context.Context, allowInternet bool) (Runtime, error) {
	body, err := json.Marshal(createRequest{AllowInternet: allowInternet})
	if err != nil {
		return nil, fmt.Errorf("marshal create request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/sandboxes", c.baseURL)
	resp, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("create sandbox failed: %s", readErrorBody(resp.Body))
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	if out.SandboxID == "" {
		return nil, fmt.Errorf("provider returned empty sandbox id")
	}

	return &Instance{id: out.SandboxID, client: c}, nil
}

// Instance is one provisioned sandbox reachable through the provider API.
type Instance struct {
	id     string
	client *Client
}

var _ Runtime = (*Instance)(nil)

// ID returns the provider-assigned sandbox identifier.
func (i *Instance) ID() string { return i.id }

// MakeDir creates a directory tree inside the sandbox.
func (i *Instance) MakeDir(ctx context.Context, path string) error {
	payload, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v1/sandboxes/%s/fs/mkdir", i.client.baseURL, i.id)
	resp, err := i.client.do(ctx, http.MethodPost, endpoint, bytes.NewReader(payload), "application/json")
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("mkdir %s failed: %s", path, readErrorBody(resp.Body))
	}
	return nil
}

// WriteFile uploads file content to a sandbox path.
func (i *Instance) WriteFile(ctx context.Context, path string, data []byte) error {
	endpoint := fmt.Sprintf("%s/v1/sandboxes/%s/fs/file?path=%s", i.client.baseURL, i.id, url.QueryEscape(path))
	resp, err := i.client.do(ctx, http.MethodPut, endpoint, bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("write %s failed: %s", path, readErrorBody(resp.Body))
	}
	return nil
}

// ReadFile downloads file content from a sandbox path.
func (i *Instance) ReadFile(ctx context.Context, path string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/sandboxes/%s/fs/file?path=%s", i.client.baseURL, i.id, url.QueryEscape(path))
	resp, err := i.client.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrFileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("read %s failed: %s", path, readErrorBody(resp.Body))
	}
	return io.ReadAll(resp.Body)
}

type listResponse struct {
	Entries []Entry `json:"entries"`
}

// List enumerates the entries directly under a sandbox path.
func (i *Instance) List(ctx context.Context, path string) ([]Entry, error) {
	endpoint := fmt.Sprintf("%s/v1/sandboxes/%s/fs/list?path=%s", i.client.baseURL, i.id, url.QueryEscape(path))
	resp, err := i.client.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s failed: %s", path, readErrorBody(resp.Body))
	}
	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return out.Entries, nil
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandEvent struct {
	Stream   string `json:"stream,omitempty"`
	Line     string `json:"line,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Run executes a command inside the sandbox, streaming output lines through
// onLine as the provider produces them. The provider responds with a chunked
// body of newline-delimited JSON events ending in an exit event.
func (i *Instance) Run(ctx context.Context, command string, onLine func(string)) (CommandResult, error) {
	payload, err := json.Marshal(commandRequest{Command: command})
	if err != nil {
		return CommandResult{}, err
	}
	endpoint := fmt.Sprintf("%s/v1/sandboxes/%s/commands", i.client.baseURL, i.id)
	resp, err := i.client.do(ctx, http.MethodPost, endpoint, bytes.NewReader(payload), "application/json")
	if err != nil {
		return CommandResult{}, fmt.Errorf("run command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CommandResult{}, fmt.Errorf("run command failed: %s", readErrorBody(resp.Body))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			var event commandEvent
			if jsonErr := json.Unmarshal([]byte(trimmed), &event); jsonErr != nil {
				return CommandResult{}, fmt.Errorf("decode command event: %w", jsonErr)
			}
			if event.ExitCode != nil {
				return CommandResult{ExitCode: *event.ExitCode, Error: event.Error}, nil
			}
			if onLine != nil && event.Line != "" {
				onLine(event.Line)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return CommandResult{}, fmt.Errorf("command stream ended without exit event")
			}
			return CommandResult{}, err
		}
	}
}

// Kill tears the sandbox down.
func (i *Instance) Kill(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/v1/sandboxes/%s", i.client.baseURL, i.id)
	resp, err := i.client.do(ctx, http.MethodDelete, endpoint, nil, "")
	if err != nil {
		return fmt.Errorf("kill sandbox: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("kill sandbox failed: %s", readErrorBody(resp.Body))
	}
	return nil
}

// ErrFileNotFound is returned when a sandbox path does not exist.
var ErrFileNotFound = errors.New("sandbox file not found")

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return c.httpClient.Do(req)
}

func readErrorBody(body io.Reader) string {
	payload, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return "no response body"
	}
	return text
}

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// DefaultRequestTimeout bounds metadata calls (mkdir, list, read, write) made
// during execution; command streaming is bounded by the run timeout instead.
const DefaultRequestTimeout = 15 * time.Second
