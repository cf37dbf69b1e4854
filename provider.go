package portico

import "context"

// Provider abstracts one model vendor. Implementations translate the
// universal message/tool model to the vendor wire format and back, and are
// stateless beyond a lazily constructed client bound to one credential.
type Provider interface {
	// Chat sends a one-shot request and returns a complete text response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions; the response may
	// be a tool_use round. Tool call id/name/input are preserved losslessly
	// in both directions.
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// ChatStream streams text deltas into ch, then returns the final
	// accumulated response. The caller owns ch and closes it; adapters
	// only send.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the vendor id (e.g. "anthropic", "gemini").
	Name() string
}

// ProviderResolver maps a model name to a Provider. provider/route implements
// it with an ordered prefix table and a per-vendor adapter cache.
type ProviderResolver interface {
	Resolve(model string) (Provider, error)
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the vendor id.
	Name() string
}
