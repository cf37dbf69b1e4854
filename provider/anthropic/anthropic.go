// Package anthropic implements the provider adapter for the Anthropic
// Messages API. The wire format differs structurally from OpenAI-style
// APIs: the system prompt is a top-level field, messages carry typed
// content blocks, and tool results travel as tool_result blocks inside
// user messages.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/porticoai/portico"
)

const (
	defaultBaseURL  = "https://api.anthropic.com"
	apiVersion      = "2023-06-01"
	defaultMaxToken = 4096
)

// --- Wire types ---

type rawRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []rawMessage `json:"messages"`
	Tools     []rawTool    `json:"tools,omitempty"`
	Stream    bool         `json:"stream,omitempty"`
}

type rawMessage struct {
	Role    string            `json:"role"`
	Content []rawContentBlock `json:"content"`
}

// rawContentBlock is one typed block: "text", "tool_use", or "tool_result".
type rawContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type rawTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type rawResponse struct {
	ID         string            `json:"id"`
	Content    []rawContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      rawUsage          `json:"usage"`
}

type rawUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Provider ---

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (testing, proxies).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithMaxTokens sets the default output token cap.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// Provider implements portico.Provider for the Anthropic Messages API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	maxTokens int
	client    *http.Client
}

// New creates an Anthropic provider with a default model.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     model,
		baseURL:   defaultBaseURL,
		maxTokens: defaultMaxToken,
		client:    &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// Chat sends a non-streaming request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req portico.ChatRequest) (portico.ChatResponse, error) {
	return p.doRequest(ctx, p.buildBody(req, req.Tools))
}

// ChatWithTools sends a request advertising the given tools.
func (p *Provider) ChatWithTools(ctx context.Context, req portico.ChatRequest, tools []portico.ToolDefinition) (portico.ChatResponse, error) {
	return p.doRequest(ctx, p.buildBody(req, tools))
}

// buildBody translates the universal request into the Messages API shape.
// System messages move to the top-level field; tool results become
// tool_result blocks inside user messages, keyed to the originating
// tool_use block id.
func (p *Provider) buildBody(req portico.ChatRequest, tools []portico.ToolDefinition) rawRequest {
	body := rawRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
	}
	if req.Model != "" {
		body.Model = req.Model
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			if body.System != "" {
				body.System += "\n\n"
			}
			body.System += m.Content

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var blocks []rawContentBlock
			if m.Content != "" {
				blocks = append(blocks, rawContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, rawContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			body.Messages = append(body.Messages, rawMessage{Role: "assistant", Content: blocks})

		case m.Role == "tool":
			body.Messages = append(body.Messages, rawMessage{
				Role: "user",
				Content: []rawContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		default:
			body.Messages = append(body.Messages, rawMessage{
				Role:    m.Role,
				Content: []rawContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, rawTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return body
}

func (p *Provider) doRequest(ctx context.Context, body rawRequest) (portico.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return portico.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return portico.ChatResponse{}, p.httpErr(resp)
	}

	var raw rawResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return portico.ChatResponse{}, &portico.ErrVendor{Vendor: "anthropic", Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseResponse(raw), nil
}

// parseResponse flattens content blocks into the universal response: text
// blocks concatenate, tool_use blocks become ToolCalls.
func parseResponse(raw rawResponse) portico.ChatResponse {
	out := portico.ChatResponse{
		Type:       portico.ResponseText,
		StopReason: mapStopReason(raw.StopReason),
		Usage: portico.Usage{
			InputTokens:  raw.Usage.InputTokens,
			OutputTokens: raw.Usage.OutputTokens,
		},
	}
	for _, block := range raw.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, portico.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.Type = portico.ResponseToolUse
	}
	return out
}

func mapStopReason(reason string) portico.StopReason {
	switch reason {
	case "tool_use":
		return portico.StopToolUse
	case "max_tokens":
		return portico.StopMaxTokens
	default:
		return portico.StopEndTurn
	}
}

func (p *Provider) sendHTTP(ctx context.Context, body rawRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &portico.ErrVendor{Vendor: "anthropic", Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &portico.ErrVendor{Vendor: "anthropic", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return p.client.Do(httpReq)
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &portico.ErrVendor{
		Vendor:     "anthropic",
		Status:     resp.StatusCode,
		Message:    string(body),
		RetryAfter: portico.RetryAfterHeader(resp.Header),
	}
}

// Compile-time interface check.
var _ portico.Provider = (*Provider)(nil)
