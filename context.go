package portico

import "context"

type ctxKey int

const agentIDKey ctxKey = iota

// WithAgentID returns a context carrying the agent whose turn is running.
// The executor sets it before dispatching tools; agent-scoped tools read
// it back with AgentIDFromContext.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentIDFromContext returns the agent id set by WithAgentID, or "".
func AgentIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}
