// Package ollama implements the provider adapter for a local Ollama
// server's native /api/chat endpoint. Unlike the other vendors, Ollama
// streams NDJSON (one JSON object per line, no SSE framing) and returns
// tool call arguments as a JSON object rather than a string.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/porticoai/portico"
)

const defaultBaseURL = "http://localhost:11434"

// --- Wire types ---

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Tools    []tool         `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type tool struct {
	Type     string   `json:"type"` // always "function"
	Function function `json:"function"`
}

type function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type toolCall struct {
	Function functionCall `json:"function"`
}

// functionCall carries arguments as a JSON object, not a string.
type functionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

// --- Provider ---

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the server URL (default http://localhost:11434).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements portico.Provider against a local Ollama server.
type Provider struct {
	model   string
	baseURL string
	client  *http.Client
}

// New creates an Ollama provider with a default model. No credential:
// the server is local.
func New(model string, opts ...Option) *Provider {
	p := &Provider{
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "ollama".
func (p *Provider) Name() string { return "ollama" }

func (p *Provider) resolveModel(req portico.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// Chat sends a non-streaming chat request.
func (p *Provider) Chat(ctx context.Context, req portico.ChatRequest) (portico.ChatResponse, error) {
	return p.doChat(ctx, p.buildBody(req, req.Tools))
}

// ChatWithTools sends a request advertising the given tools.
func (p *Provider) ChatWithTools(ctx context.Context, req portico.ChatRequest, tools []portico.ToolDefinition) (portico.ChatResponse, error) {
	return p.doChat(ctx, p.buildBody(req, tools))
}

// ChatStream reads the NDJSON stream, emitting each content fragment as a
// text delta, and returns the accumulated response. The caller owns ch.
func (p *Provider) ChatStream(ctx context.Context, req portico.ChatRequest, ch chan<- portico.StreamEvent) (portico.ChatResponse, error) {
	body := p.buildBody(req, req.Tools)
	body.Stream = true

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return portico.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return portico.ChatResponse{}, p.httpErr(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content strings.Builder
	var calls []portico.ToolCall
	var usage portico.Usage
	doneReason := ""

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			select {
			case ch <- portico.StreamEvent{Type: portico.EventTextDelta, Content: chunk.Message.Content}:
			case <-ctx.Done():
				return portico.ChatResponse{}, ctx.Err()
			}
		}
		for _, tc := range chunk.Message.ToolCalls {
			calls = append(calls, parseToolCall(tc, len(calls)))
		}
		if chunk.Done {
			doneReason = chunk.DoneReason
			usage.InputTokens = chunk.PromptEvalCount
			usage.OutputTokens = chunk.EvalCount
		}
	}
	if err := scanner.Err(); err != nil {
		return portico.ChatResponse{}, err
	}

	return buildResponse(content.String(), calls, doneReason, usage), nil
}

func (p *Provider) doChat(ctx context.Context, body chatRequest) (portico.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return portico.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return portico.ChatResponse{}, p.httpErr(resp)
	}

	var raw chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return portico.ChatResponse{}, &portico.ErrVendor{Vendor: "ollama", Message: fmt.Sprintf("decode response: %v", err)}
	}

	var calls []portico.ToolCall
	for _, tc := range raw.Message.ToolCalls {
		calls = append(calls, parseToolCall(tc, len(calls)))
	}
	usage := portico.Usage{InputTokens: raw.PromptEvalCount, OutputTokens: raw.EvalCount}
	return buildResponse(raw.Message.Content, calls, raw.DoneReason, usage), nil
}

// buildBody translates the universal request. Ollama keeps system messages
// in the array and has no tool-result role beyond "tool" with plain content.
func (p *Provider) buildBody(req portico.ChatRequest, tools []portico.ToolDefinition) chatRequest {
	body := chatRequest{Model: p.resolveModel(req)}

	for _, m := range req.Messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			msg := message{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				msg.ToolCalls = append(msg.ToolCalls, toolCall{
					Function: functionCall{Name: tc.Name, Arguments: args},
				})
			}
			body.Messages = append(body.Messages, msg)

		case m.Role == "tool":
			body.Messages = append(body.Messages, message{Role: "tool", Content: m.Content})

		default:
			body.Messages = append(body.Messages, message{Role: m.Role, Content: m.Content})
		}
	}

	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, tool{
			Type:     "function",
			Function: function{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}

	if req.MaxTokens > 0 {
		body.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	return body
}

// parseToolCall converts an Ollama tool call. Ollama has no call ids; one
// is synthesized from the name and ordinal, the same scheme the loop echoes
// back in tool results.
func parseToolCall(tc toolCall, ordinal int) portico.ToolCall {
	args := tc.Function.Arguments
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage(`{}`)
	}
	return portico.ToolCall{
		ID:   fmt.Sprintf("%s-%d", tc.Function.Name, ordinal),
		Name: tc.Function.Name,
		Args: args,
	}
}

func buildResponse(content string, calls []portico.ToolCall, doneReason string, usage portico.Usage) portico.ChatResponse {
	out := portico.ChatResponse{
		Type:       portico.ResponseText,
		Content:    content,
		ToolCalls:  calls,
		StopReason: portico.StopEndTurn,
		Usage:      usage,
	}
	if doneReason == "length" {
		out.StopReason = portico.StopMaxTokens
	}
	if len(calls) > 0 {
		out.Type = portico.ResponseToolUse
		out.StopReason = portico.StopToolUse
	}
	return out
}

func (p *Provider) sendHTTP(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &portico.ErrVendor{Vendor: "ollama", Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &portico.ErrVendor{Vendor: "ollama", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return p.client.Do(httpReq)
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &portico.ErrVendor{
		Vendor:     "ollama",
		Status:     resp.StatusCode,
		Message:    string(body),
		RetryAfter: portico.RetryAfterHeader(resp.Header),
	}
}

// Compile-time interface check.
var _ portico.Provider = (*Provider)(nil)
