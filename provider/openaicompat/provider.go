package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/porticoai/portico"
)

// Provider implements portico.Provider for any OpenAI-compatible API.
// One instance serves every model of the vendor: ChatRequest.Model
// overrides the configured default per call.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1"). The /chat/completions path is
// appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the vendor name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

func (p *Provider) resolveModel(req portico.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *Provider) requestOpts(req portico.ChatRequest) []Option {
	if req.MaxTokens <= 0 {
		return p.opts
	}
	opts := make([]Option, len(p.opts), len(p.opts)+1)
	copy(opts, p.opts)
	return append(opts, WithMaxTokens(req.MaxTokens))
}

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req portico.ChatRequest) (portico.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.resolveModel(req), p.requestOpts(req)...)
	return p.doRequest(ctx, body)
}

// ChatWithTools sends a request advertising the given tools; the response
// may carry tool calls.
func (p *Provider) ChatWithTools(ctx context.Context, req portico.ChatRequest, tools []portico.ToolDefinition) (portico.ChatResponse, error) {
	body := BuildBody(req.Messages, tools, p.resolveModel(req), p.requestOpts(req)...)
	return p.doRequest(ctx, body)
}

// ChatStream streams text-delta events into ch, then returns the final
// accumulated response. The caller owns ch.
func (p *Provider) ChatStream(ctx context.Context, req portico.ChatRequest, ch chan<- portico.StreamEvent) (portico.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.resolveModel(req), p.requestOpts(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return portico.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return portico.ChatResponse{}, p.httpErr(resp)
	}
	return StreamSSE(ctx, resp.Body, ch)
}

func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (portico.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return portico.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return portico.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return portico.ChatResponse{}, &portico.ErrVendor{Vendor: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &portico.ErrVendor{Vendor: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &portico.ErrVendor{Vendor: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

// httpErr reads the response body into a typed vendor error.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if p.logger != nil {
		p.logger.Warn("vendor request failed", "vendor", p.name, "status", resp.StatusCode)
	}
	return &portico.ErrVendor{
		Vendor:     p.name,
		Status:     resp.StatusCode,
		Message:    string(body),
		RetryAfter: portico.RetryAfterHeader(resp.Header),
	}
}

// Compile-time interface check.
var _ portico.Provider = (*Provider)(nil)
