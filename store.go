package portico

import "context"

// Store abstracts persistence for agents, conversations, and both vector
// corpora (memory chunks and knowledge chunks). The store/postgres package
// implements it on pgvector; store/sqlite provides an embedded fallback.
type Store interface {
	// --- Agents ---
	CreateAgent(ctx context.Context, agent Agent) error
	GetAgent(ctx context.Context, id string) (Agent, error)
	UpdateAgent(ctx context.Context, agent Agent) error
	ListAgents(ctx context.Context) ([]Agent, error)

	// --- Conversations ---
	CreateConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	GetConversationByToken(ctx context.Context, token string) (Conversation, error)

	// --- Messages ---
	// AppendMessage assigns the next sequence number within the conversation
	// and bumps the conversation's message count atomically.
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	// RecentMessages returns the newest limit messages in chronological order.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// --- Agent documents + memory chunks ---
	UpsertAgentDocument(ctx context.Context, doc AgentDocument) (AgentDocument, error)
	GetAgentDocument(ctx context.Context, agentID, docKey string) (AgentDocument, error)
	ListAgentDocuments(ctx context.Context, agentID string) ([]AgentDocument, error)
	DeleteAgentDocument(ctx context.Context, agentID, docKey string) error
	// ReplaceMemoryChunks deletes chunks by hash and inserts new ones in a
	// single transaction, preserving unchanged chunks.
	ReplaceMemoryChunks(ctx context.Context, documentID string, deleteHashes []string, insert []MemoryChunk) error
	ListMemoryChunkHashes(ctx context.Context, documentID string) ([]string, error)
	SearchMemoryChunks(ctx context.Context, agentID string, embedding []float32, topK int) ([]ScoredMemoryChunk, error)

	// --- Knowledge documents + chunks ---
	StoreKnowledgeDocument(ctx context.Context, doc KnowledgeDocument, chunks []KnowledgeChunk) error
	GetKnowledgeDocument(ctx context.Context, id string) (KnowledgeDocument, error)
	ListKnowledgeDocuments(ctx context.Context, agentID string) ([]KnowledgeDocument, error)
	DeleteKnowledgeDocument(ctx context.Context, id string) error
	SearchKnowledgeChunks(ctx context.Context, agentID string, embedding []float32, topK int) ([]ScoredKnowledgeChunk, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
