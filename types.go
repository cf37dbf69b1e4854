package portico

import "encoding/json"

// --- Domain types (database records) ---

// Agent is a configured persona: default model, static instructions, and
// feature flags. Created at provisioning, mutated by admin actions only.
type Agent struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Model         string `json:"model"`
	Instructions  string `json:"instructions"`
	PersonaMemory bool   `json:"persona_memory"`
	ToolsEnabled  bool   `json:"tools_enabled"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Conversation ties an external user to an agent. Access is capability-based:
// holders of the secret session token may read and extend it.
type Conversation struct {
	ID             string `json:"id"`
	SessionToken   string `json:"-"`
	AgentID        string `json:"agent_id"`
	ExternalUserID string `json:"external_user_id"`
	MessageCount   int    `json:"message_count"`
	SummaryCount   int    `json:"summary_count"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Message is one persisted conversation entry. Immutable once written;
// Seq is the monotonically increasing insertion id that defines ordering.
type Message struct {
	Seq            int64        `json:"seq"`
	ConversationID string       `json:"conversation_id"`
	Role           string       `json:"role"` // "system", "user", "assistant", "tool"
	Content        string       `json:"content"`
	Meta           *MessageMeta `json:"meta,omitempty"`
	CreatedAt      int64        `json:"created_at"`
}

// MessageMeta carries provenance recorded with an assistant message.
type MessageMeta struct {
	Sources   []SourceRef `json:"sources,omitempty"`
	ToolsUsed []ToolTrace `json:"tools_used,omitempty"`
}

// SourceRef names a document region that contributed to an answer.
type SourceRef struct {
	DocKey    string `json:"doc_key"`
	DocType   string `json:"doc_type,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

// ToolTrace records one tool call executed during a turn.
type ToolTrace struct {
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
	OK         bool   `json:"ok"`
}

// Well-known agent document keys. Callers may use arbitrary keys
// (e.g. dated logs); these three have assembly semantics.
const (
	DocKeyPersona         = "persona"
	DocKeyLongTermMemory  = "long-term-memory"
	DocKeyBusinessContext = "business-context"
)

// AgentDocument is the source of truth for an agent's persona and memory.
// Chunks are derived from it; the document itself is never derived.
type AgentDocument struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	DocKey    string `json:"doc_key"`
	DocType   string `json:"doc_type"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// MemoryChunk is an embedded slice of an AgentDocument. Its identity for
// diffing is ContentHash, not position: text that moves without changing
// keeps its hash and is never re-embedded.
type MemoryChunk struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	DocumentID  string    `json:"document_id"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"-"`
	StartLine   int       `json:"start_line"` // 1-indexed, inclusive
	EndLine     int       `json:"end_line"`
	ContentHash string    `json:"content_hash"`
}

// ScoredMemoryChunk pairs a memory chunk with its cosine similarity to a
// query embedding. Score is in [-1, 1]; higher is closer.
type ScoredMemoryChunk struct {
	Chunk MemoryChunk `json:"chunk"`
	Score float32     `json:"score"`
}

// KnowledgeDocument is an ingested knowledge-base document. Chunked and
// embedded once at ingestion; no incremental re-embedding on this path.
type KnowledgeDocument struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// KnowledgeChunk is an embedded slice of a KnowledgeDocument with a stored
// token estimate used for budgeted retrieval.
type KnowledgeChunk struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	TokenCount int       `json:"token_count"`
}

// ScoredKnowledgeChunk pairs a knowledge chunk with its cosine similarity
// to a query embedding.
type ScoredKnowledgeChunk struct {
	Chunk KnowledgeChunk `json:"chunk"`
	Score float32        `json:"score"`
}

// --- Wire protocol types (vendor-neutral) ---

// ChatMessage is the universal message shape every adapter translates
// to and from its vendor format.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation. ID, Name, and Args must
// survive a round trip through any vendor unchanged.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes a callable tool. Parameters is a JSON Schema
// object; adapters translate it to the vendor's schema dialect.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is a vendor-neutral generation request. Model overrides the
// adapter's configured default, letting one cached adapter per vendor serve
// every model of that vendor.
type ChatRequest struct {
	Model     string           `json:"model,omitempty"`
	Messages  []ChatMessage    `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// ResponseType distinguishes a finished answer from a tool-use round.
type ResponseType string

const (
	ResponseText    ResponseType = "text"
	ResponseToolUse ResponseType = "tool_use"
)

// StopReason is the vendor-neutral stop signal.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ChatResponse is the vendor-neutral generation result. A response carrying
// both narrative text and tool calls has Type tool_use with Content retained,
// so callers can surface interim "thinking" text.
type ChatResponse struct {
	Type       ResponseType `json:"type"`
	Content    string       `json:"content"`
	ToolCalls  []ToolCall   `json:"tool_calls,omitempty"`
	StopReason StopReason   `json:"stop_reason"`
	Usage      Usage        `json:"usage"`
}

// Usage counts tokens consumed by one vendor call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewAgent builds an Agent record with a fresh id and timestamps.
func NewAgent(name, model, instructions string) Agent {
	now := NowUnix()
	return Agent{
		ID:           NewID(),
		Name:         name,
		Model:        model,
		Instructions: instructions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewConversation builds a Conversation record with a fresh id and session
// token. The token is the only credential external callers ever hold.
func NewConversation(agentID, externalUserID string) Conversation {
	now := NowUnix()
	return Conversation{
		ID:             NewID(),
		SessionToken:   NewSessionToken(),
		AgentID:        agentID,
		ExternalUserID: externalUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
