package portico

import (
	"context"
	"testing"
)

func TestAgentIDContext(t *testing.T) {
	ctx := context.Background()
	if got := AgentIDFromContext(ctx); got != "" {
		t.Errorf("empty context = %q", got)
	}
	ctx = WithAgentID(ctx, "a1")
	if got := AgentIDFromContext(ctx); got != "a1" {
		t.Errorf("got %q", got)
	}
}
