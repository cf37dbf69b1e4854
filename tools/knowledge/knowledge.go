// Package knowledge exposes the agent's knowledge base as a tool, so
// the model can pull reference material on demand instead of relying
// only on what the assembler pre-retrieved.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/porticoai/portico"
)

// Tool implements the "knowledge" namespace over *portico.KnowledgeBase.
type Tool struct {
	kb     *portico.KnowledgeBase
	topK   int
	budget int
}

// Option configures a knowledge Tool.
type Option func(*Tool)

// WithTopK sets the number of results to retrieve. Default is 5.
func WithTopK(n int) Option {
	return func(t *Tool) { t.topK = n }
}

// WithBudget sets the token budget for retrieved content.
func WithBudget(n int) Option {
	return func(t *Tool) { t.budget = n }
}

// New creates the knowledge tool.
func New(kb *portico.KnowledgeBase, opts ...Option) *Tool {
	t := &Tool{kb: kb, topK: 5, budget: portico.DefaultRetrievalBudget}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Namespace() string { return "knowledge" }

func (t *Tool) Definitions() []portico.ToolDefinition {
	return []portico.ToolDefinition{{
		Name:        "search",
		Description: "Search the agent's knowledge base of ingested documents for reference material, product details, and policies.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (portico.ToolResult, error) {
	agentID := portico.AgentIDFromContext(ctx)
	if agentID == "" {
		return portico.ToolResult{Error: "no agent in scope"}, nil
	}

	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return portico.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	results, err := t.kb.Retrieve(ctx, agentID, params.Query, t.topK, t.budget)
	if err != nil {
		return portico.ToolResult{Error: "retrieval error: " + err.Error()}, nil
	}
	if len(results) == 0 {
		return portico.ToolResult{Content: fmt.Sprintf("No relevant information found for %q.", params.Query)}, nil
	}

	var out strings.Builder
	for i, r := range results {
		fmt.Fprintf(&out, "%d. [%s] %s\n\n", i+1, r.DocumentTitle, r.Content)
	}
	return portico.ToolResult{Content: out.String()}, nil
}

var _ portico.Tool = (*Tool)(nil)
