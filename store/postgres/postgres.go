// Package postgres implements portico.Store using PostgreSQL with
// pgvector for native cosine similarity search over memory and
// knowledge chunks.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porticoai/portico"
)

// Store implements portico.Store backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 768, 1536).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, catching
// dimension mismatches at insert time. Only affects new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate
// list size). Applied during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ portico.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			model TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			persona_memory BOOLEAN NOT NULL DEFAULT FALSE,
			tools_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session_token TEXT NOT NULL UNIQUE,
			agent_id TEXT NOT NULL,
			external_user_id TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			summary_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_agent_idx ON conversations(agent_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			meta JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, seq)`,

		`CREATE TABLE IF NOT EXISTS agent_documents (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			doc_key TEXT NOT NULL,
			doc_type TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE(agent_id, doc_key)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_chunks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding %s,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			content_hash TEXT NOT NULL
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS memory_chunks_document_idx ON memory_chunks(document_id)`,
		`CREATE INDEX IF NOT EXISTS memory_chunks_agent_idx ON memory_chunks(agent_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memory_chunks_embedding_idx ON memory_chunks USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS knowledge_documents (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS knowledge_documents_agent_idx ON knowledge_documents(agent_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding %s,
			token_count INTEGER NOT NULL DEFAULT 0
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_document_idx ON knowledge_chunks(document_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS knowledge_chunks_embedding_idx ON knowledge_chunks USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error { return nil }

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, agent portico.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, model, instructions, persona_memory, tools_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agent.ID, agent.Name, agent.Model, agent.Instructions,
		agent.PersonaMemory, agent.ToolsEnabled, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (portico.Agent, error) {
	var a portico.Agent
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, model, instructions, persona_memory, tools_enabled, created_at, updated_at
		 FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Model, &a.Instructions, &a.PersonaMemory, &a.ToolsEnabled, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return portico.Agent{}, portico.NotFound("agent", id)
	}
	if err != nil {
		return portico.Agent{}, fmt.Errorf("postgres: get agent: %w", err)
	}
	return a, nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent portico.Agent) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET name = $2, model = $3, instructions = $4,
		 persona_memory = $5, tools_enabled = $6, updated_at = $7
		 WHERE id = $1`,
		agent.ID, agent.Name, agent.Model, agent.Instructions,
		agent.PersonaMemory, agent.ToolsEnabled, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return portico.NotFound("agent", agent.ID)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]portico.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, model, instructions, persona_memory, tools_enabled, created_at, updated_at
		 FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var agents []portico.Agent
	for rows.Next() {
		var a portico.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Model, &a.Instructions, &a.PersonaMemory, &a.ToolsEnabled, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, conv portico.Conversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, session_token, agent_id, external_user_id, message_count, summary_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		conv.ID, conv.SessionToken, conv.AgentID, conv.ExternalUserID,
		conv.MessageCount, conv.SummaryCount, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (portico.Conversation, error) {
	return s.conversationBy(ctx, "id", id)
}

// GetConversationByToken looks up a conversation by its secret session
// token. A miss is indistinguishable from a nonexistent conversation.
func (s *Store) GetConversationByToken(ctx context.Context, token string) (portico.Conversation, error) {
	return s.conversationBy(ctx, "session_token", token)
}

func (s *Store) conversationBy(ctx context.Context, column, value string) (portico.Conversation, error) {
	var c portico.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_token, agent_id, external_user_id, message_count, summary_count, created_at, updated_at
		 FROM conversations WHERE `+column+` = $1`, value).
		Scan(&c.ID, &c.SessionToken, &c.AgentID, &c.ExternalUserID, &c.MessageCount, &c.SummaryCount, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return portico.Conversation{}, portico.NotFound("conversation", value)
	}
	if err != nil {
		return portico.Conversation{}, fmt.Errorf("postgres: get conversation: %w", err)
	}
	return c, nil
}

// --- Messages ---

// AppendMessage inserts a message and bumps the conversation's message
// count in one transaction. The sequence number comes from the messages
// table's BIGSERIAL, so ordering is assigned by the database.
func (s *Store) AppendMessage(ctx context.Context, msg portico.Message) (portico.Message, error) {
	var metaJSON *string
	if msg.Meta != nil {
		data, err := json.Marshal(msg.Meta)
		if err != nil {
			return portico.Message{}, fmt.Errorf("postgres: marshal meta: %w", err)
		}
		v := string(data)
		metaJSON = &v
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return portico.Message{}, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, role, content, meta, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)
		 RETURNING seq`,
		msg.ConversationID, msg.Role, msg.Content, metaJSON, msg.CreatedAt).
		Scan(&msg.Seq)
	if err != nil {
		return portico.Message{}, fmt.Errorf("postgres: append message: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET message_count = message_count + 1, updated_at = $2 WHERE id = $1`,
		msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return portico.Message{}, fmt.Errorf("postgres: bump message count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return portico.Message{}, portico.NotFound("conversation", msg.ConversationID)
	}

	if err := tx.Commit(ctx); err != nil {
		return portico.Message{}, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return msg, nil
}

// RecentMessages returns the newest limit messages for a conversation,
// ordered chronologically (oldest first).
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]portico.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, conversation_id, role, content, meta, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY seq DESC
		 LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent messages: %w", err)
	}
	defer rows.Close()

	var messages []portico.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanMessage(rows pgx.Rows) (portico.Message, error) {
	var m portico.Message
	var metaJSON []byte
	if err := rows.Scan(&m.Seq, &m.ConversationID, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
		return portico.Message{}, fmt.Errorf("postgres: scan message: %w", err)
	}
	if metaJSON != nil {
		m.Meta = &portico.MessageMeta{}
		_ = json.Unmarshal(metaJSON, m.Meta)
	}
	return m, nil
}

// --- Agent documents ---

// UpsertAgentDocument inserts or updates the document keyed by
// (agent_id, doc_key) and returns the stored row. An update keeps the
// existing id and created_at.
func (s *Store) UpsertAgentDocument(ctx context.Context, doc portico.AgentDocument) (portico.AgentDocument, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agent_documents (id, agent_id, doc_key, doc_type, content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (agent_id, doc_key) DO UPDATE SET
		   doc_type = EXCLUDED.doc_type,
		   content = EXCLUDED.content,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		doc.ID, doc.AgentID, doc.DocKey, doc.DocType, doc.Content, doc.CreatedAt, doc.UpdatedAt).
		Scan(&doc.ID, &doc.CreatedAt)
	if err != nil {
		return portico.AgentDocument{}, fmt.Errorf("postgres: upsert agent document: %w", err)
	}
	return doc, nil
}

func (s *Store) GetAgentDocument(ctx context.Context, agentID, docKey string) (portico.AgentDocument, error) {
	var d portico.AgentDocument
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, doc_key, doc_type, content, created_at, updated_at
		 FROM agent_documents WHERE agent_id = $1 AND doc_key = $2`,
		agentID, docKey).
		Scan(&d.ID, &d.AgentID, &d.DocKey, &d.DocType, &d.Content, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return portico.AgentDocument{}, portico.NotFound("agent document", docKey)
	}
	if err != nil {
		return portico.AgentDocument{}, fmt.Errorf("postgres: get agent document: %w", err)
	}
	return d, nil
}

func (s *Store) ListAgentDocuments(ctx context.Context, agentID string) ([]portico.AgentDocument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, doc_key, doc_type, content, created_at, updated_at
		 FROM agent_documents WHERE agent_id = $1 ORDER BY doc_key`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agent documents: %w", err)
	}
	defer rows.Close()

	var docs []portico.AgentDocument
	for rows.Next() {
		var d portico.AgentDocument
		if err := rows.Scan(&d.ID, &d.AgentID, &d.DocKey, &d.DocType, &d.Content, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan agent document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteAgentDocument removes a document and its memory chunks in a
// single transaction.
func (s *Store) DeleteAgentDocument(ctx context.Context, agentID, docKey string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM memory_chunks WHERE document_id IN
		 (SELECT id FROM agent_documents WHERE agent_id = $1 AND doc_key = $2)`,
		agentID, docKey); err != nil {
		return fmt.Errorf("postgres: delete document chunks: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM agent_documents WHERE agent_id = $1 AND doc_key = $2`,
		agentID, docKey)
	if err != nil {
		return fmt.Errorf("postgres: delete agent document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return portico.NotFound("agent document", docKey)
	}
	return tx.Commit(ctx)
}

// --- Memory chunks ---

// ReplaceMemoryChunks deletes chunks by content hash and inserts new
// ones in a single transaction, leaving unchanged chunks untouched.
func (s *Store) ReplaceMemoryChunks(ctx context.Context, documentID string, deleteHashes []string, insert []portico.MemoryChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if len(deleteHashes) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM memory_chunks WHERE document_id = $1 AND content_hash = ANY($2)`,
			documentID, deleteHashes); err != nil {
			return fmt.Errorf("postgres: delete memory chunks: %w", err)
		}
	}

	for _, c := range insert {
		embStr := serializeEmbedding(c.Embedding)
		if _, err := tx.Exec(ctx,
			`INSERT INTO memory_chunks (id, agent_id, document_id, content, embedding, start_line, end_line, content_hash)
			 VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8)`,
			c.ID, c.AgentID, c.DocumentID, c.Content, embStr, c.StartLine, c.EndLine, c.ContentHash); err != nil {
			return fmt.Errorf("postgres: insert memory chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) ListMemoryChunkHashes(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content_hash, content FROM memory_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chunk hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h, content string
		if err := rows.Scan(&h, &content); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk hash: %w", err)
		}
		if h == "" {
			// rows written before the hash column existed
			h = portico.ContentHash(content)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// SearchMemoryChunks performs agent-scoped vector similarity search
// using pgvector's cosine distance operator with HNSW index.
func (s *Store) SearchMemoryChunks(ctx context.Context, agentID string, embedding []float32, topK int) ([]portico.ScoredMemoryChunk, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, document_id, content, start_line, end_line, content_hash,
		        1 - (embedding <=> $2::vector) AS score
		 FROM memory_chunks
		 WHERE agent_id = $1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2::vector
		 LIMIT $3`,
		agentID, embStr, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search memory chunks: %w", err)
	}
	defer rows.Close()

	var results []portico.ScoredMemoryChunk
	for rows.Next() {
		var c portico.MemoryChunk
		var score float32
		if err := rows.Scan(&c.ID, &c.AgentID, &c.DocumentID, &c.Content, &c.StartLine, &c.EndLine, &c.ContentHash, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan memory chunk: %w", err)
		}
		results = append(results, portico.ScoredMemoryChunk{Chunk: c, Score: score})
	}
	return results, rows.Err()
}

// --- Knowledge documents + chunks ---

// StoreKnowledgeDocument inserts a document and all its chunks in a
// single transaction.
func (s *Store) StoreKnowledgeDocument(ctx context.Context, doc portico.KnowledgeDocument, chunks []portico.KnowledgeChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO knowledge_documents (id, agent_id, title, source, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   agent_id = EXCLUDED.agent_id,
		   title = EXCLUDED.title,
		   source = EXCLUDED.source,
		   content = EXCLUDED.content,
		   created_at = EXCLUDED.created_at`,
		doc.ID, doc.AgentID, doc.Title, doc.Source, doc.Content, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert knowledge document: %w", err)
	}

	// Replace the document's chunk set wholesale; knowledge ingestion
	// re-chunks the full document.
	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("postgres: clear knowledge chunks: %w", err)
	}
	for _, c := range chunks {
		embStr := serializeEmbedding(c.Embedding)
		if _, err := tx.Exec(ctx,
			`INSERT INTO knowledge_chunks (id, agent_id, document_id, chunk_index, content, embedding, token_count)
			 VALUES ($1, $2, $3, $4, $5, $6::vector, $7)`,
			c.ID, c.AgentID, c.DocumentID, c.ChunkIndex, c.Content, embStr, c.TokenCount); err != nil {
			return fmt.Errorf("postgres: insert knowledge chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetKnowledgeDocument(ctx context.Context, id string) (portico.KnowledgeDocument, error) {
	var d portico.KnowledgeDocument
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, title, source, content, created_at
		 FROM knowledge_documents WHERE id = $1`, id).
		Scan(&d.ID, &d.AgentID, &d.Title, &d.Source, &d.Content, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return portico.KnowledgeDocument{}, portico.NotFound("knowledge document", id)
	}
	if err != nil {
		return portico.KnowledgeDocument{}, fmt.Errorf("postgres: get knowledge document: %w", err)
	}
	return d, nil
}

func (s *Store) ListKnowledgeDocuments(ctx context.Context, agentID string) ([]portico.KnowledgeDocument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, title, source, content, created_at
		 FROM knowledge_documents WHERE agent_id = $1 ORDER BY created_at DESC`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list knowledge documents: %w", err)
	}
	defer rows.Close()

	var docs []portico.KnowledgeDocument
	for rows.Next() {
		var d portico.KnowledgeDocument
		if err := rows.Scan(&d.ID, &d.AgentID, &d.Title, &d.Source, &d.Content, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan knowledge document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteKnowledgeDocument removes a document and all its chunks in a
// single transaction.
func (s *Store) DeleteKnowledgeDocument(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_chunks WHERE document_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete knowledge chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete knowledge document: %w", err)
	}
	return tx.Commit(ctx)
}

// SearchKnowledgeChunks performs agent-scoped vector similarity search
// over knowledge chunks.
func (s *Store) SearchKnowledgeChunks(ctx context.Context, agentID string, embedding []float32, topK int) ([]portico.ScoredKnowledgeChunk, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, document_id, chunk_index, content, token_count,
		        1 - (embedding <=> $2::vector) AS score
		 FROM knowledge_chunks
		 WHERE agent_id = $1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2::vector
		 LIMIT $3`,
		agentID, embStr, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search knowledge chunks: %w", err)
	}
	defer rows.Close()

	var results []portico.ScoredKnowledgeChunk
	for rows.Next() {
		var c portico.KnowledgeChunk
		var score float32
		if err := rows.Scan(&c.ID, &c.AgentID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.TokenCount, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan knowledge chunk: %w", err)
		}
		results = append(results, portico.ScoredKnowledgeChunk{Chunk: c, Score: score})
	}
	return results, rows.Err()
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
