package portico

import (
	"context"
	"encoding/json"
	"strings"
)

// Tool is a namespaced capability exposing one or more tool functions.
// Definitions returns the function surface advertised to the model; names
// are local (no namespace prefix). Execute receives the local name.
type Tool interface {
	Namespace() string
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds registered tools and dispatches calls by their
// fully-qualified name, "namespace__function".
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a tool. Registering two tools with the same namespace is a
// caller bug; the first match wins on dispatch.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// Len reports the number of registered tools.
func (r *ToolRegistry) Len() int {
	return len(r.tools)
}

// AllDefinitions returns every tool definition with qualified names, ready
// to advertise to a provider.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		ns := t.Namespace()
		for _, d := range t.Definitions() {
			d.Name = QualifiedToolName(ns, d.Name)
			defs = append(defs, d)
		}
	}
	return defs
}

// Execute splits a qualified name into namespace and function, routes to the
// owning tool, and runs the function. An unknown namespace or function yields
// a ToolResult with Error set, not a Go error: the model sees the failure and
// can correct itself.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	ns, fn, ok := SplitToolName(name)
	if !ok {
		return ToolResult{Error: "malformed tool name: " + name}, nil
	}
	for _, t := range r.tools {
		if t.Namespace() != ns {
			continue
		}
		for _, d := range t.Definitions() {
			if d.Name == fn {
				return t.Execute(ctx, fn, args)
			}
		}
		return ToolResult{Error: "unknown function " + fn + " in namespace " + ns}, nil
	}
	return ToolResult{Error: "unknown tool namespace: " + ns}, nil
}

// QualifiedToolName joins a namespace and a local function name.
func QualifiedToolName(namespace, fn string) string {
	return namespace + "__" + fn
}

// SplitToolName splits a qualified name at the first "__" separator.
func SplitToolName(name string) (namespace, fn string, ok bool) {
	i := strings.Index(name, "__")
	if i <= 0 || i+2 >= len(name) {
		return "", "", false
	}
	return name[:i], name[i+2:], true
}
