// Package gemini implements the provider adapter for the Google Gemini
// generateContent API, plus the matching embedding provider. Gemini's wire
// format uses role "model" for assistant turns, functionCall/functionResponse
// parts instead of tool-call messages, and a top-level systemInstruction.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/porticoai/portico"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements portico.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	httpClient *http.Client

	temperature float64
	topP        float64
}

// New creates a Gemini chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) resolveModel(req portico.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return g.model
}

// Chat sends a non-streaming chat request and returns the complete response.
func (g *Gemini) Chat(ctx context.Context, req portico.ChatRequest) (portico.ChatResponse, error) {
	return g.doGenerate(ctx, g.resolveModel(req), g.buildBody(req.Messages, req.Tools, req.MaxTokens))
}

// ChatWithTools sends a chat request advertising the given tools.
func (g *Gemini) ChatWithTools(ctx context.Context, req portico.ChatRequest, tools []portico.ToolDefinition) (portico.ChatResponse, error) {
	return g.doGenerate(ctx, g.resolveModel(req), g.buildBody(req.Messages, tools, req.MaxTokens))
}

// ChatStream streams text-delta events into ch, then returns the final
// accumulated response. Gemini streams with alt=sse; each data line is one
// JSON chunk, occasionally split across lines. The caller owns ch.
func (g *Gemini) ChatStream(ctx context.Context, req portico.ChatRequest, ch chan<- portico.StreamEvent) (portico.ChatResponse, error) {
	body := g.buildBody(req.Messages, req.Tools, req.MaxTokens)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, g.resolveModel(req), g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return portico.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return portico.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return portico.ChatResponse{}, g.wrapErr("stream request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return portico.ChatResponse{}, httpErr(resp, string(b))
	}

	var fullContent strings.Builder
	var usage portico.Usage
	var toolCalls []portico.ToolCall
	finishReason := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var jsonBuf strings.Builder
	process := func(data string) {
		g.processStreamChunk(ctx, data, &fullContent, &usage, &toolCalls, &finishReason, ch)
	}

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			// Continuation of a chunk split across lines.
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					process(jsonBuf.String())
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}
		if isCompleteJSON(data) {
			process(data)
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}
	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		process(jsonBuf.String())
	}
	if err := scanner.Err(); err != nil {
		return portico.ChatResponse{}, err
	}

	out := portico.ChatResponse{
		Type:       portico.ResponseText,
		Content:    fullContent.String(),
		ToolCalls:  toolCalls,
		StopReason: mapFinishReason(finishReason, len(toolCalls) > 0),
		Usage:      usage,
	}
	if len(toolCalls) > 0 {
		out.Type = portico.ResponseToolUse
	}
	return out, nil
}

// processStreamChunk parses one JSON chunk from the SSE stream, forwarding
// text deltas to ch and accumulating tool calls and usage.
func (g *Gemini) processStreamChunk(ctx context.Context, jsonStr string, fullContent *strings.Builder, usage *portico.Usage, toolCalls *[]portico.ToolCall, finishReason *string, ch chan<- portico.StreamEvent) {
	var parsed geminiResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return
	}

	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		if cand.FinishReason != "" {
			*finishReason = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			if part.Text != nil && *part.Text != "" {
				fullContent.WriteString(*part.Text)
				select {
				case ch <- portico.StreamEvent{Type: portico.EventTextDelta, Content: *part.Text}:
				case <-ctx.Done():
					return
				}
			}
			if part.FunctionCall != nil {
				*toolCalls = append(*toolCalls, toolCallFromPart(part.FunctionCall, len(*toolCalls)))
			}
		}
	}

	// Last chunk wins.
	if parsed.UsageMetadata != nil {
		usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
}

// doGenerate performs a non-streaming generateContent call and parses the response.
func (g *Gemini) doGenerate(ctx context.Context, model string, body map[string]any) (portico.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return portico.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return portico.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return portico.ChatResponse{}, g.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return portico.ChatResponse{}, g.wrapErr("read response body: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return portico.ChatResponse{}, httpErr(resp, string(respBody))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return portico.ChatResponse{}, g.wrapErr("parse response JSON: " + err.Error())
	}

	var content strings.Builder
	var toolCalls []portico.ToolCall
	finishReason := ""

	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		finishReason = cand.FinishReason
		for _, part := range cand.Content.Parts {
			if part.Text != nil {
				content.WriteString(*part.Text)
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, toolCallFromPart(part.FunctionCall, len(toolCalls)))
			}
		}
	}

	var usage portico.Usage
	if parsed.UsageMetadata != nil {
		usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}

	out := portico.ChatResponse{
		Type:       portico.ResponseText,
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: mapFinishReason(finishReason, len(toolCalls) > 0),
		Usage:      usage,
	}
	if len(toolCalls) > 0 {
		out.Type = portico.ResponseToolUse
	}
	return out, nil
}

// toolCallFromPart builds a universal ToolCall from a functionCall part.
// Gemini has no call ids; the function name doubles as the id, suffixed
// with the ordinal when one response calls the same function twice.
func toolCallFromPart(fc *geminiFuncCall, ordinal int) portico.ToolCall {
	args := fc.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return portico.ToolCall{
		ID:   fmt.Sprintf("%s-%d", fc.Name, ordinal),
		Name: fc.Name,
		Args: args,
	}
}

func mapFinishReason(reason string, hasToolCalls bool) portico.StopReason {
	if hasToolCalls {
		return portico.StopToolUse
	}
	switch reason {
	case "MAX_TOKENS":
		return portico.StopMaxTokens
	default:
		return portico.StopEndTurn
	}
}

func (g *Gemini) wrapErr(msg string) error {
	return &portico.ErrVendor{Vendor: "gemini", Message: msg}
}

func httpErr(resp *http.Response, body string) error {
	return &portico.ErrVendor{
		Vendor:     "gemini",
		Status:     resp.StatusCode,
		Message:    body,
		RetryAfter: portico.RetryAfterHeader(resp.Header),
	}
}

// ---- Body builder ----

// buildBody constructs the generateContent request body. System messages
// combine into systemInstruction; assistant tool calls become model-role
// functionCall parts; tool results become user-role functionResponse parts
// named after the originating function.
func (g *Gemini) buildBody(messages []portico.ChatMessage, tools []portico.ToolDefinition, maxTokens int) map[string]any {
	var systemParts []string
	var contents []map[string]any

	for _, m := range messages {
		switch {
		case m.Role == "system":
			systemParts = append(systemParts, m.Content)

		case len(m.ToolCalls) > 0:
			parts := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				var args any
				if len(tc.Args) == 0 || json.Unmarshal(tc.Args, &args) != nil {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				})
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})

		case m.Role == "tool":
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name": functionNameFromCallID(m.ToolCallID),
						"response": map[string]any{
							"result": m.Content,
						},
					},
				}},
			})

		default:
			text := m.Content
			contents = append(contents, map[string]any{
				"role":  mapRole(m.Role),
				"parts": []map[string]any{{"text": text}},
			})
		}
	}

	body := map[string]any{"contents": contents}

	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(systemParts, "\n\n")}},
		}
	}

	if len(tools) > 0 {
		declarations := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  sanitizeSchema(t.Parameters),
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	} else {
		// No declarations means no calling; be explicit so the model never
		// hallucinates a functionCall part.
		body["toolConfig"] = map[string]any{
			"functionCallingConfig": map[string]any{"mode": "NONE"},
		}
	}

	genConfig := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}
	if maxTokens > 0 {
		genConfig["maxOutputTokens"] = maxTokens
	}
	body["generationConfig"] = genConfig

	return body
}

// sanitizeSchema prepares a JSON Schema for Gemini's schema dialect, which
// rejects empty "required" arrays. The fix recurses into nested object
// schemas so tool authors can write standard JSON Schema.
func sanitizeSchema(schema json.RawMessage) any {
	var obj any
	if len(schema) == 0 || json.Unmarshal(schema, &obj) != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return stripEmptyRequired(obj)
}

func stripEmptyRequired(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if req, ok := m["required"].([]any); ok && len(req) == 0 {
		delete(m, "required")
	}
	for key, val := range m {
		m[key] = stripEmptyRequired(val)
	}
	return m
}

// functionNameFromCallID strips the ordinal suffix this adapter appends in
// toolCallFromPart, recovering the function name Gemini expects back in the
// functionResponse part.
func functionNameFromCallID(id string) string {
	if i := strings.LastIndex(id, "-"); i > 0 {
		suffix := id[i+1:]
		if suffix != "" && strings.IndexFunc(suffix, func(r rune) bool { return r < '0' || r > '9' }) == -1 {
			return id[:i]
		}
	}
	return id
}

// mapRole converts universal roles to Gemini API roles.
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text         *string         `json:"text,omitempty"`
	FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// Compile-time interface assertion.
var _ portico.Provider = (*Gemini)(nil)
