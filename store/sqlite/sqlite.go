// Package sqlite implements portico.Store using pure-Go SQLite with
// in-process brute-force vector search. Zero CGO required. Suited for
// single-node deployments and tests; store/postgres is the scale path.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/porticoai/portico"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation including timing and row
// counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements portico.Store backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done
// in-process using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ portico.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			model TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			persona_memory INTEGER NOT NULL DEFAULT 0,
			tools_enabled INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session_token TEXT NOT NULL UNIQUE,
			agent_id TEXT NOT NULL,
			external_user_id TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			summary_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			meta TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_documents (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			doc_key TEXT NOT NULL,
			doc_type TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(agent_id, doc_key)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_chunks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			content_hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_documents (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT,
			token_count INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memory_chunks_document ON memory_chunks(document_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memory_chunks_agent ON memory_chunks(agent_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_document ON knowledge_chunks(document_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_agent ON knowledge_chunks(agent_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_knowledge_documents_agent ON knowledge_documents(agent_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, agent portico.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, model, instructions, persona_memory, tools_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Model, agent.Instructions,
		agent.PersonaMemory, agent.ToolsEnabled, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (portico.Agent, error) {
	var a portico.Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, model, instructions, persona_memory, tools_enabled, created_at, updated_at
		 FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Model, &a.Instructions, &a.PersonaMemory, &a.ToolsEnabled, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return portico.Agent{}, portico.NotFound("agent", id)
	}
	if err != nil {
		return portico.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent portico.Agent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, model = ?, instructions = ?, persona_memory = ?, tools_enabled = ?, updated_at = ?
		 WHERE id = ?`,
		agent.Name, agent.Model, agent.Instructions, agent.PersonaMemory, agent.ToolsEnabled, agent.UpdatedAt, agent.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return portico.NotFound("agent", agent.ID)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]portico.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, model, instructions, persona_memory, tools_enabled, created_at, updated_at
		 FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []portico.Agent
	for rows.Next() {
		var a portico.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Model, &a.Instructions, &a.PersonaMemory, &a.ToolsEnabled, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, conv portico.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, session_token, agent_id, external_user_id, message_count, summary_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.SessionToken, conv.AgentID, conv.ExternalUserID,
		conv.MessageCount, conv.SummaryCount, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (portico.Conversation, error) {
	return s.conversationBy(ctx, "id", id)
}

func (s *Store) GetConversationByToken(ctx context.Context, token string) (portico.Conversation, error) {
	return s.conversationBy(ctx, "session_token", token)
}

func (s *Store) conversationBy(ctx context.Context, column, value string) (portico.Conversation, error) {
	var c portico.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_token, agent_id, external_user_id, message_count, summary_count, created_at, updated_at
		 FROM conversations WHERE `+column+` = ?`, value).
		Scan(&c.ID, &c.SessionToken, &c.AgentID, &c.ExternalUserID, &c.MessageCount, &c.SummaryCount, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return portico.Conversation{}, portico.NotFound("conversation", value)
	}
	if err != nil {
		return portico.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// --- Messages ---

// AppendMessage inserts a message and bumps the conversation's message
// count in one transaction. The sequence number comes from the messages
// table's AUTOINCREMENT rowid.
func (s *Store) AppendMessage(ctx context.Context, msg portico.Message) (portico.Message, error) {
	start := time.Now()

	var metaJSON *string
	if msg.Meta != nil {
		data, err := json.Marshal(msg.Meta)
		if err != nil {
			return portico.Message{}, fmt.Errorf("marshal meta: %w", err)
		}
		v := string(data)
		metaJSON = &v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return portico.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, meta, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, metaJSON, msg.CreatedAt)
	if err != nil {
		return portico.Message{}, fmt.Errorf("append message: %w", err)
	}
	msg.Seq, err = res.LastInsertId()
	if err != nil {
		return portico.Message{}, fmt.Errorf("message seq: %w", err)
	}

	bump, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return portico.Message{}, fmt.Errorf("bump message count: %w", err)
	}
	if n, _ := bump.RowsAffected(); n == 0 {
		return portico.Message{}, portico.NotFound("conversation", msg.ConversationID)
	}

	if err := tx.Commit(); err != nil {
		return portico.Message{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: append message ok", "conversation_id", msg.ConversationID, "seq", msg.Seq, "duration", time.Since(start))
	return msg, nil
}

// RecentMessages returns the newest limit messages for a conversation,
// ordered chronologically (oldest first).
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]portico.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, conversation_id, role, content, meta, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY seq DESC
		 LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var messages []portico.Message
	for rows.Next() {
		var m portico.Message
		var metaJSON sql.NullString
		if err := rows.Scan(&m.Seq, &m.ConversationID, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if metaJSON.Valid {
			m.Meta = &portico.MessageMeta{}
			_ = json.Unmarshal([]byte(metaJSON.String), m.Meta)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// --- Agent documents ---

// UpsertAgentDocument inserts or updates the document keyed by
// (agent_id, doc_key) and returns the stored row.
func (s *Store) UpsertAgentDocument(ctx context.Context, doc portico.AgentDocument) (portico.AgentDocument, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO agent_documents (id, agent_id, doc_key, doc_type, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id, doc_key) DO UPDATE SET
		   doc_type = excluded.doc_type,
		   content = excluded.content,
		   updated_at = excluded.updated_at
		 RETURNING id, created_at`,
		doc.ID, doc.AgentID, doc.DocKey, doc.DocType, doc.Content, doc.CreatedAt, doc.UpdatedAt).
		Scan(&doc.ID, &doc.CreatedAt)
	if err != nil {
		return portico.AgentDocument{}, fmt.Errorf("upsert agent document: %w", err)
	}
	return doc, nil
}

func (s *Store) GetAgentDocument(ctx context.Context, agentID, docKey string) (portico.AgentDocument, error) {
	var d portico.AgentDocument
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, doc_key, doc_type, content, created_at, updated_at
		 FROM agent_documents WHERE agent_id = ? AND doc_key = ?`,
		agentID, docKey).
		Scan(&d.ID, &d.AgentID, &d.DocKey, &d.DocType, &d.Content, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return portico.AgentDocument{}, portico.NotFound("agent document", docKey)
	}
	if err != nil {
		return portico.AgentDocument{}, fmt.Errorf("get agent document: %w", err)
	}
	return d, nil
}

func (s *Store) ListAgentDocuments(ctx context.Context, agentID string) ([]portico.AgentDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, doc_key, doc_type, content, created_at, updated_at
		 FROM agent_documents WHERE agent_id = ? ORDER BY doc_key`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent documents: %w", err)
	}
	defer rows.Close()

	var docs []portico.AgentDocument
	for rows.Next() {
		var d portico.AgentDocument
		if err := rows.Scan(&d.ID, &d.AgentID, &d.DocKey, &d.DocType, &d.Content, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteAgentDocument removes a document and its memory chunks in one
// transaction.
func (s *Store) DeleteAgentDocument(ctx context.Context, agentID, docKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_chunks WHERE document_id IN
		 (SELECT id FROM agent_documents WHERE agent_id = ? AND doc_key = ?)`,
		agentID, docKey); err != nil {
		return fmt.Errorf("delete document chunks: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM agent_documents WHERE agent_id = ? AND doc_key = ?`, agentID, docKey)
	if err != nil {
		return fmt.Errorf("delete agent document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return portico.NotFound("agent document", docKey)
	}
	return tx.Commit()
}

// --- Memory chunks ---

// ReplaceMemoryChunks deletes chunks by content hash and inserts new
// ones in a single transaction, leaving unchanged chunks untouched.
func (s *Store) ReplaceMemoryChunks(ctx context.Context, documentID string, deleteHashes []string, insert []portico.MemoryChunk) error {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if len(deleteHashes) > 0 {
		placeholders := strings.Repeat("?,", len(deleteHashes))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(deleteHashes)+1)
		args = append(args, documentID)
		for _, h := range deleteHashes {
			args = append(args, h)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_chunks WHERE document_id = ? AND content_hash IN (`+placeholders+`)`,
			args...); err != nil {
			return fmt.Errorf("delete memory chunks: %w", err)
		}
	}

	for _, c := range insert {
		var embJSON *string
		if len(c.Embedding) > 0 {
			v := serializeEmbedding(c.Embedding)
			embJSON = &v
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_chunks (id, agent_id, document_id, content, embedding, start_line, end_line, content_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.AgentID, c.DocumentID, c.Content, embJSON, c.StartLine, c.EndLine, c.ContentHash); err != nil {
			return fmt.Errorf("insert memory chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: replace memory chunks ok",
		"document_id", documentID, "deleted", len(deleteHashes), "inserted", len(insert), "duration", time.Since(start))
	return nil
}

func (s *Store) ListMemoryChunkHashes(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, content FROM memory_chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunk hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h, content string
		if err := rows.Scan(&h, &content); err != nil {
			return nil, fmt.Errorf("scan chunk hash: %w", err)
		}
		if h == "" {
			// rows written before the hash column existed
			h = portico.ContentHash(content)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// SearchMemoryChunks performs agent-scoped brute-force cosine search
// over stored memory chunk embeddings.
func (s *Store) SearchMemoryChunks(ctx context.Context, agentID string, embedding []float32, topK int) ([]portico.ScoredMemoryChunk, error) {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, document_id, content, embedding, start_line, end_line, content_hash
		 FROM memory_chunks WHERE agent_id = ? AND embedding IS NOT NULL`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("search memory chunks: %w", err)
	}
	defer rows.Close()

	var results []portico.ScoredMemoryChunk
	scanned := 0
	for rows.Next() {
		var c portico.MemoryChunk
		var embJSON string
		if err := rows.Scan(&c.ID, &c.AgentID, &c.DocumentID, &c.Content, &embJSON, &c.StartLine, &c.EndLine, &c.ContentHash); err != nil {
			return nil, fmt.Errorf("scan memory chunk: %w", err)
		}
		scanned++
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		results = append(results, portico.ScoredMemoryChunk{Chunk: c, Score: cosineSimilarity(embedding, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory chunks: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: search memory chunks ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// --- Knowledge documents + chunks ---

// StoreKnowledgeDocument inserts a document and replaces all its chunks
// in a single transaction.
func (s *Store) StoreKnowledgeDocument(ctx context.Context, doc portico.KnowledgeDocument, chunks []portico.KnowledgeChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO knowledge_documents (id, agent_id, title, source, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.AgentID, doc.Title, doc.Source, doc.Content, doc.CreatedAt); err != nil {
		return fmt.Errorf("insert knowledge document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE document_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("clear knowledge chunks: %w", err)
	}
	for _, c := range chunks {
		var embJSON *string
		if len(c.Embedding) > 0 {
			v := serializeEmbedding(c.Embedding)
			embJSON = &v
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO knowledge_chunks (id, agent_id, document_id, chunk_index, content, embedding, token_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.AgentID, c.DocumentID, c.ChunkIndex, c.Content, embJSON, c.TokenCount); err != nil {
			return fmt.Errorf("insert knowledge chunk: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetKnowledgeDocument(ctx context.Context, id string) (portico.KnowledgeDocument, error) {
	var d portico.KnowledgeDocument
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, title, source, content, created_at
		 FROM knowledge_documents WHERE id = ?`, id).
		Scan(&d.ID, &d.AgentID, &d.Title, &d.Source, &d.Content, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return portico.KnowledgeDocument{}, portico.NotFound("knowledge document", id)
	}
	if err != nil {
		return portico.KnowledgeDocument{}, fmt.Errorf("get knowledge document: %w", err)
	}
	return d, nil
}

func (s *Store) ListKnowledgeDocuments(ctx context.Context, agentID string) ([]portico.KnowledgeDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, title, source, content, created_at
		 FROM knowledge_documents WHERE agent_id = ? ORDER BY created_at DESC`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("list knowledge documents: %w", err)
	}
	defer rows.Close()

	var docs []portico.KnowledgeDocument
	for rows.Next() {
		var d portico.KnowledgeDocument
		if err := rows.Scan(&d.ID, &d.AgentID, &d.Title, &d.Source, &d.Content, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Store) DeleteKnowledgeDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("delete knowledge chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete knowledge document: %w", err)
	}
	return tx.Commit()
}

// SearchKnowledgeChunks performs agent-scoped brute-force cosine search
// over stored knowledge chunk embeddings.
func (s *Store) SearchKnowledgeChunks(ctx context.Context, agentID string, embedding []float32, topK int) ([]portico.ScoredKnowledgeChunk, error) {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, document_id, chunk_index, content, embedding, token_count
		 FROM knowledge_chunks WHERE agent_id = ? AND embedding IS NOT NULL`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("search knowledge chunks: %w", err)
	}
	defer rows.Close()

	var results []portico.ScoredKnowledgeChunk
	scanned := 0
	for rows.Next() {
		var c portico.KnowledgeChunk
		var embJSON string
		if err := rows.Scan(&c.ID, &c.AgentID, &c.DocumentID, &c.ChunkIndex, &c.Content, &embJSON, &c.TokenCount); err != nil {
			return nil, fmt.Errorf("scan knowledge chunk: %w", err)
		}
		scanned++
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		results = append(results, portico.ScoredKnowledgeChunk{Chunk: c, Score: cosineSimilarity(embedding, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge chunks: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: search knowledge chunks ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// --- Helpers ---

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
