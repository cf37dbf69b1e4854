package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/porticoai/portico"
)

func TestBuildBodySystemPromptHoisted(t *testing.T) {
	p := New("key", "claude-sonnet-4")
	body := p.buildBody(portico.ChatRequest{
		Messages: []portico.ChatMessage{
			portico.SystemMessage("be terse"),
			portico.UserMessage("hi"),
		},
	}, nil)

	if body.System != "be terse" {
		t.Errorf("system = %q, want hoisted to top level", body.System)
	}
	if len(body.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 (system removed from array)", len(body.Messages))
	}
	if body.Messages[0].Role != "user" {
		t.Errorf("role = %q", body.Messages[0].Role)
	}
}

func TestBuildBodyToolResultBlocks(t *testing.T) {
	p := New("key", "claude-sonnet-4")
	body := p.buildBody(portico.ChatRequest{
		Messages: []portico.ChatMessage{
			{Role: "assistant", Content: "checking", ToolCalls: []portico.ToolCall{
				{ID: "toolu_1", Name: "memory__search", Args: json.RawMessage(`{"q":"x"}`)},
			}},
			portico.ToolResultMessage("toolu_1", "result text"),
		},
	}, nil)

	if len(body.Messages) != 2 {
		t.Fatalf("got %d messages", len(body.Messages))
	}
	asst := body.Messages[0]
	if asst.Content[0].Type != "text" || asst.Content[1].Type != "tool_use" {
		t.Errorf("assistant blocks = %+v", asst.Content)
	}
	if asst.Content[1].ID != "toolu_1" {
		t.Errorf("tool_use id = %q", asst.Content[1].ID)
	}
	tr := body.Messages[1]
	if tr.Role != "user" || tr.Content[0].Type != "tool_result" || tr.Content[0].ToolUseID != "toolu_1" {
		t.Errorf("tool result message = %+v", tr)
	}
}

func TestChatParsesToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing auth headers")
		}
		json.NewEncoder(w).Encode(rawResponse{
			Content: []rawContentBlock{
				{Type: "text", Text: "let me check"},
				{Type: "tool_use", ID: "toolu_9", Name: "web__search", Input: json.RawMessage(`{"q":"go"}`)},
			},
			StopReason: "tool_use",
			Usage:      rawUsage{InputTokens: 12, OutputTokens: 7},
		})
	}))
	defer srv.Close()

	p := New("key", "claude-sonnet-4", WithBaseURL(srv.URL))
	resp, err := p.ChatWithTools(context.Background(), portico.ChatRequest{
		Messages: []portico.ChatMessage{portico.UserMessage("search go")},
	}, []portico.ToolDefinition{{Name: "web__search"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != portico.ResponseToolUse || resp.StopReason != portico.StopToolUse {
		t.Errorf("type=%s stop=%s", resp.Type, resp.StopReason)
	}
	if resp.Content != "let me check" {
		t.Errorf("interim text lost: %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "toolu_9" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New("key", "m", WithBaseURL(srv.URL))
	_, err := p.Chat(context.Background(), portico.ChatRequest{
		Messages: []portico.ChatMessage{portico.UserMessage("hi")},
	})
	var ve *portico.ErrVendor
	if !errors.As(err, &ve) || ve.Status != http.StatusServiceUnavailable {
		t.Fatalf("want ErrVendor 503, got %v", err)
	}
}

func TestChatStreamAccumulates(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":9}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
	}, "\n") + "\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	}))
	defer srv.Close()

	ch := make(chan portico.StreamEvent, 16)
	p := New("key", "m", WithBaseURL(srv.URL))
	resp, err := p.ChatStream(context.Background(), portico.ChatRequest{
		Messages: []portico.ChatMessage{portico.UserMessage("hi")},
	}, ch)
	close(ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	var deltas []string
	for ev := range ch {
		if ev.Type == portico.EventTextDelta {
			deltas = append(deltas, ev.Content)
		}
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestChatStreamToolUseFragments(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_5","name":"kb__lookup"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"key\":"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"v\"}"}}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`data: {"type":"message_stop"}`,
	}, "\n") + "\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sse))
	}))
	defer srv.Close()

	ch := make(chan portico.StreamEvent, 16)
	p := New("key", "m", WithBaseURL(srv.URL))
	resp, err := p.ChatStream(context.Background(), portico.ChatRequest{
		Messages: []portico.ChatMessage{portico.UserMessage("lookup")},
	}, ch)
	close(ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != portico.ResponseToolUse {
		t.Errorf("type = %s", resp.Type)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("calls = %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Args) != `{"key":"v"}` {
		t.Errorf("args = %s", resp.ToolCalls[0].Args)
	}
}
