// Package memory exposes the agent's long-term memory as a tool.
// The model can search memory chunks semantically and append new facts
// to the long-term-memory document, which triggers incremental
// re-embedding of only the changed chunks.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/porticoai/portico"
)

// Tool implements the "memory" tool namespace over *portico.Memory.
type Tool struct {
	memory *portico.Memory
	topK   int
}

// Option configures a memory Tool.
type Option func(*Tool)

// WithTopK sets the number of search results. Default is 5.
func WithTopK(n int) Option {
	return func(t *Tool) { t.topK = n }
}

// New creates the memory tool.
func New(m *portico.Memory, opts ...Option) *Tool {
	t := &Tool{memory: m, topK: 5}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Namespace() string { return "memory" }

func (t *Tool) Definitions() []portico.ToolDefinition {
	return []portico.ToolDefinition{
		{
			Name:        "search",
			Description: "Search the agent's long-term memory for facts about the user, past decisions, and standing preferences.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
		},
		{
			Name:        "append",
			Description: "Save a new fact to long-term memory. Use for durable information worth remembering across conversations.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"fact":{"type":"string","description":"The fact to remember, one or two sentences"}},"required":["fact"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (portico.ToolResult, error) {
	agentID := portico.AgentIDFromContext(ctx)
	if agentID == "" {
		return portico.ToolResult{Error: "no agent in scope"}, nil
	}

	switch name {
	case "search":
		return t.search(ctx, agentID, args)
	case "append":
		return t.appendFact(ctx, agentID, args)
	default:
		return portico.ToolResult{Error: "unknown function: " + name}, nil
	}
}

func (t *Tool) search(ctx context.Context, agentID string, args json.RawMessage) (portico.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return portico.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	hits, err := t.memory.Search(ctx, agentID, params.Query, t.topK)
	if err != nil {
		return portico.ToolResult{Error: "memory search error: " + err.Error()}, nil
	}
	if len(hits) == 0 {
		return portico.ToolResult{Content: fmt.Sprintf("No memories found for %q.", params.Query)}, nil
	}

	var out strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&out, "%d. [%s] %s\n", i+1, h.DocKey, h.Content)
	}
	return portico.ToolResult{Content: out.String()}, nil
}

// appendFact appends a bullet to the long-term-memory document. The
// write path re-embeds only the chunks the append touched.
func (t *Tool) appendFact(ctx context.Context, agentID string, args json.RawMessage) (portico.ToolResult, error) {
	var params struct {
		Fact string `json:"fact"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return portico.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	fact := strings.TrimSpace(params.Fact)
	if fact == "" {
		return portico.ToolResult{Error: "empty fact"}, nil
	}

	content := ""
	if doc, err := t.memory.Document(ctx, agentID, portico.DocKeyLongTermMemory); err == nil {
		content = doc.Content
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += "- " + fact + "\n"

	_, task, err := t.memory.WriteDocument(ctx, agentID, portico.DocKeyLongTermMemory, "memory", content)
	if err != nil {
		return portico.ToolResult{Error: "memory write error: " + err.Error()}, nil
	}
	// Wait so the fact is searchable within the same turn.
	if _, err := task.Wait(ctx); err != nil {
		return portico.ToolResult{Error: "memory sync error: " + err.Error()}, nil
	}
	return portico.ToolResult{Content: "Saved."}, nil
}

var _ portico.Tool = (*Tool)(nil)
