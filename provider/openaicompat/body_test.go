package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/porticoai/portico"
)

func TestBuildBodyRoles(t *testing.T) {
	msgs := []portico.ChatMessage{
		portico.SystemMessage("be brief"),
		portico.UserMessage("hi"),
		portico.AssistantMessage("hello"),
	}
	body := BuildBody(msgs, nil, "gpt-4o")

	if body.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", body.Model)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "be brief" {
		t.Errorf("system message not preserved: %+v", body.Messages[0])
	}
}

func TestBuildBodyAssistantToolCalls(t *testing.T) {
	msgs := []portico.ChatMessage{
		{Role: "assistant", Content: "checking", ToolCalls: []portico.ToolCall{
			{ID: "call_1", Name: "memory__search", Args: json.RawMessage(`{"query":"x"}`)},
		}},
		portico.ToolResultMessage("call_1", "found it"),
	}
	body := BuildBody(msgs, nil, "gpt-4o")

	if len(body.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(body.Messages))
	}
	tc := body.Messages[0].ToolCalls
	if len(tc) != 1 || tc[0].ID != "call_1" || tc[0].Function.Name != "memory__search" {
		t.Errorf("tool call not preserved: %+v", tc)
	}
	if tc[0].Function.Arguments != `{"query":"x"}` {
		t.Errorf("arguments = %q", tc[0].Function.Arguments)
	}
	if body.Messages[1].Role != "tool" || body.Messages[1].ToolCallID != "call_1" {
		t.Errorf("tool result not keyed by call id: %+v", body.Messages[1])
	}
}

func TestBuildToolDefsEmptyParameters(t *testing.T) {
	defs := BuildToolDefs([]portico.ToolDefinition{{Name: "noop", Description: "does nothing"}})
	if len(defs) != 1 {
		t.Fatalf("got %d defs", len(defs))
	}
	if !json.Valid(defs[0].Function.Parameters) {
		t.Errorf("parameters not valid JSON: %s", defs[0].Function.Parameters)
	}
}

func TestBuildBodyOptions(t *testing.T) {
	body := BuildBody([]portico.ChatMessage{portico.UserMessage("hi")}, nil, "m",
		WithTemperature(0.2), WithMaxTokens(100))
	if body.Temperature == nil || *body.Temperature != 0.2 {
		t.Errorf("temperature not applied")
	}
	if body.MaxTokens != 100 {
		t.Errorf("max tokens = %d, want 100", body.MaxTokens)
	}
}
