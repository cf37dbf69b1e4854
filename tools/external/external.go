// Package external bridges a remote capability server into the tool
// registry. The server advertises its functions over HTTP; calls are
// proxied with a shared-secret header. One Tool instance equals one
// server equals one namespace.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/porticoai/portico"
)

// descriptor is the wire shape the server returns from GET /tools.
type descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// executeRequest is the wire shape of POST /execute.
type executeRequest struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type executeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Option configures an external Tool.
type Option func(*Tool)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithSecret sets the shared secret sent as X-Capability-Secret.
func WithSecret(secret string) Option {
	return func(t *Tool) { t.secret = secret }
}

// WithRefreshInterval sets how long fetched descriptors are cached.
// Default is 5 minutes.
func WithRefreshInterval(d time.Duration) Option {
	return func(t *Tool) { t.refreshTTL = d }
}

// Tool proxies tool calls to a remote capability server.
type Tool struct {
	namespace  string
	baseURL    string
	secret     string
	client     *http.Client
	refreshTTL time.Duration

	mu        sync.Mutex
	defs      []portico.ToolDefinition
	fetchedAt time.Time
}

// New creates an external tool for one capability server. The namespace
// prefixes every function the server advertises.
func New(namespace, baseURL string, opts ...Option) *Tool {
	t := &Tool{
		namespace:  namespace,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		refreshTTL: 5 * time.Minute,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Namespace() string { return t.namespace }

// Definitions fetches the server's tool descriptors, caching them for
// the refresh interval. A fetch failure returns the stale cache, or
// nothing when there is none: a dead server simply advertises no tools.
func (t *Tool) Definitions() []portico.ToolDefinition {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.defs != nil && time.Since(t.fetchedAt) < t.refreshTTL {
		return t.defs
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defs, err := t.fetchDefinitions(ctx)
	if err != nil {
		return t.defs
	}
	t.defs = defs
	t.fetchedAt = time.Now()
	return t.defs
}

func (t *Tool) fetchDefinitions(ctx context.Context) ([]portico.ToolDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capability server %d", resp.StatusCode)
	}

	var descriptors []descriptor
	if err := json.NewDecoder(resp.Body).Decode(&descriptors); err != nil {
		return nil, err
	}

	defs := make([]portico.ToolDefinition, 0, len(descriptors))
	for _, d := range descriptors {
		defs = append(defs, portico.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.InputSchema,
		})
	}
	return defs, nil
}

// Execute proxies one call to the server. Server-reported failures and
// transport failures both come back as ToolResult errors the model can
// read.
func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (portico.ToolResult, error) {
	payload, err := json.Marshal(executeRequest{Name: name, Args: args})
	if err != nil {
		return portico.ToolResult{Error: "marshal request: " + err.Error()}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return portico.ToolResult{Error: "create request: " + err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return portico.ToolResult{Error: "capability server unreachable: " + err.Error()}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return portico.ToolResult{Error: "read response: " + err.Error()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return portico.ToolResult{Error: fmt.Sprintf("capability server %d: %s", resp.StatusCode, body)}, nil
	}

	var out executeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return portico.ToolResult{Error: "decode response: " + err.Error()}, nil
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "capability server reported failure"
		}
		return portico.ToolResult{Error: msg}, nil
	}
	return portico.ToolResult{Content: rawToString(out.Data)}, nil
}

func (t *Tool) setHeaders(req *http.Request) {
	if t.secret != "" {
		req.Header.Set("X-Capability-Secret", t.secret)
	}
}

// rawToString renders the data payload: JSON strings unwrap to plain
// text, anything else stays JSON.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

var _ portico.Tool = (*Tool)(nil)
