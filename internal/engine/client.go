// Package engine is the HTTP client for the external workflow engine.
// The engine owns workflow definitions and execution; this service
// mirrors them locally and layers access control on top.
package engine

import (
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

	"flowgate.org/internal/obs"
)

// Sentinel errors for engine round trips.
var (
	// ErrUnavailable covers network failures and 5xx answers. Callers
	// treat it as "the engine might not have seen this" and avoid
	// persisting state that assumes it did.
	ErrUnavailable = errors.New("engine: unavailable")
	ErrNotFound    = errors.New("engine: workflow not found")
	ErrBadRequest  = errors.New("engine: rejected request")
)

const apiKeyHeader = "X-Engine-API-Key"

// Workflow is the engine's view of a workflow definition. Connections
// and Settings are passed through opaquely; only the engine interprets
// them.
type Workflow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Active      bool            `json:"active"`
	Nodes       []Node          `json:"nodes,omitempty"`
	Connections json.RawMessage `json:"connections,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	CreatedAt   time.Time       `json:"createdAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt,omitempty"`
}

// Node is a single node inside an engine workflow definition.
type Node struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// ExecutionResult is the engine's answer to an execution request.
type ExecutionResult struct {
	ID       string          `json:"id"`
	Status   string          `json:"status,omitempty"`
	Finished bool            `json:"finished,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Client talks to the engine REST API.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the engine API key header value.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithTimeout bounds each engine round trip.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpc.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

// NewClient builds a Client for the engine at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("engine: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("engine: invalid base URL: %w", err)
	}
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListWorkflows fetches every workflow definition known to the engine.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/workflows", nil)
	obs.RecordEngineCall("list", err)
	if err != nil {
		return nil, err
	}
	return decodeWorkflowList(body)
}

// GetWorkflow fetches one workflow by its engine ID.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id), nil)
	obs.RecordEngineCall("get", err)
	if err != nil {
		return nil, err
	}
	return decodeWorkflow(body)
}

// CreateWorkflow registers a new workflow definition with the engine and
// returns it with the engine-assigned ID.
func (c *Client) CreateWorkflow(ctx context.Context, wf *Workflow) (*Workflow, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/v1/workflows", wf)
	obs.RecordEngineCall("create", err)
	if err != nil {
		return nil, err
	}
	return decodeWorkflow(body)
}

// UpdateWorkflow replaces the definition of an existing engine workflow.
func (c *Client) UpdateWorkflow(ctx context.Context, id string, wf *Workflow) (*Workflow, error) {
	body, err := c.do(ctx, http.MethodPut, "/api/v1/workflows/"+url.PathEscape(id), wf)
	obs.RecordEngineCall("update", err)
	if err != nil {
		return nil, err
	}
	return decodeWorkflow(body)
}

// DeleteWorkflow removes the workflow from the engine.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/workflows/"+url.PathEscape(id), nil)
	obs.RecordEngineCall("delete", err)
	return err
}

// SetActive activates or deactivates the workflow in the engine.
func (c *Client) SetActive(ctx context.Context, id string, active bool) error {
	action := "deactivate"
	if active {
		action = "activate"
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(id)+"/"+action, nil)
	obs.RecordEngineCall(action, err)
	return err
}

// Execute triggers a run of the workflow with the given input payload.
func (c *Client) Execute(ctx context.Context, id string, input map[string]any) (*ExecutionResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(id)+"/run", input)
	obs.RecordEngineCall("execute", err)
	if err != nil {
		return nil, err
	}
	var res ExecutionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("engine: decode execution result: %w", err)
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("engine: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadRequest, resp.StatusCode, truncate(data, 256))
	}
}

// decodeWorkflowList accepts either a bare JSON array or the engine's
// {"data": [...]} wrapper.
func decodeWorkflowList(body []byte) ([]Workflow, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var out []Workflow
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("engine: decode workflow list: %w", err)
		}
		return out, nil
	}
	var wrapped struct {
		Data []Workflow `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("engine: decode workflow list: %w", err)
	}
	return wrapped.Data, nil
}

func decodeWorkflow(body []byte) (*Workflow, error) {
	trimmed := bytes.TrimSpace(body)
	var wf Workflow
	if err := json.Unmarshal(trimmed, &wf); err != nil {
		return nil, fmt.Errorf("engine: decode workflow: %w", err)
	}
	if wf.ID == "" {
		// Some engine versions wrap single objects too.
		var wrapped struct {
			Data *Workflow `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err == nil && wrapped.Data != nil {
			return wrapped.Data, nil
		}
	}
	return &wf, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
