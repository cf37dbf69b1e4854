package portico

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultMemoryChunkSize is the maximum chunk length in characters for
// agent document chunking.
const DefaultMemoryChunkSize = 800

// Memory manages agent documents and their derived embedded chunks. The
// document is the source of truth; chunks are rebuilt from it on every write
// with a content-hash diff so unchanged text is never re-embedded.
type Memory struct {
	store     Store
	embedder  EmbeddingProvider
	chunkSize int
	logger    *slog.Logger
	tracer    Tracer
}

// MemoryOption configures a Memory service.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the structured logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// WithMemoryTracer sets the tracer for sync and search spans.
func WithMemoryTracer(t Tracer) MemoryOption {
	return func(m *Memory) { m.tracer = t }
}

// WithMemoryChunkSize overrides the maximum chunk length in characters.
func WithMemoryChunkSize(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// NewMemory creates a memory service over a store and an embedding provider.
func NewMemory(store Store, embedder EmbeddingProvider, opts ...MemoryOption) *Memory {
	m := &Memory{
		store:     store,
		embedder:  embedder,
		chunkSize: DefaultMemoryChunkSize,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SyncReport summarizes one chunk reconciliation pass.
type SyncReport struct {
	Created int `json:"created"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

// SyncTask is a handle to a background chunk sync started by WriteDocument.
type SyncTask struct {
	done   chan struct{}
	report SyncReport
	err    error
}

// Wait blocks until the sync completes or ctx is cancelled.
func (t *SyncTask) Wait(ctx context.Context) (SyncReport, error) {
	select {
	case <-t.done:
		return t.report, t.err
	case <-ctx.Done():
		return SyncReport{}, ctx.Err()
	}
}

// WriteDocument upserts an agent document and kicks off chunk reconciliation
// in the background. The document write is durable before WriteDocument
// returns; embeddings catch up asynchronously. The returned task can be
// awaited when the caller needs the chunks current (tests, CLI).
func (m *Memory) WriteDocument(ctx context.Context, agentID, docKey, docType, content string) (AgentDocument, *SyncTask, error) {
	content = norm.NFC.String(content)
	now := NowUnix()
	doc, err := m.store.UpsertAgentDocument(ctx, AgentDocument{
		ID:        NewID(),
		AgentID:   agentID,
		DocKey:    docKey,
		DocType:   docType,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return AgentDocument{}, nil, fmt.Errorf("upsert document %s: %w", docKey, err)
	}

	task := &SyncTask{done: make(chan struct{})}
	go func() {
		defer close(task.done)
		// Detached from the request context: the write already succeeded
		// and the sync must not die with the request.
		task.report, task.err = m.Sync(context.WithoutCancel(ctx), doc)
		if task.err != nil {
			m.logger.Error("memory sync failed",
				"agent_id", agentID, "doc_key", docKey, "error", task.err)
		}
	}()
	return doc, task, nil
}

// Document returns an agent document by key.
func (m *Memory) Document(ctx context.Context, agentID, docKey string) (AgentDocument, error) {
	return m.store.GetAgentDocument(ctx, agentID, docKey)
}

// Sync reconciles a document's chunks with its current content. Chunks are
// identified by content hash: only chunks whose text actually changed are
// embedded, and re-saving identical content embeds nothing.
func (m *Memory) Sync(ctx context.Context, doc AgentDocument) (SyncReport, error) {
	if m.tracer != nil {
		var span Span
		ctx, span = m.tracer.Start(ctx, "memory.sync",
			StringAttr("agent_id", doc.AgentID),
			StringAttr("doc_key", doc.DocKey))
		defer span.End()
	}

	want := m.chunk(doc)
	existing, err := m.store.ListMemoryChunkHashes(ctx, doc.ID)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list chunk hashes: %w", err)
	}
	existingSet := make(map[string]bool, len(existing))
	for _, h := range existing {
		existingSet[h] = true
	}

	var created []MemoryChunk
	wantSet := make(map[string]bool, len(want))
	report := SyncReport{}
	for _, c := range want {
		if wantSet[c.ContentHash] {
			continue // duplicate text within the document
		}
		wantSet[c.ContentHash] = true
		if existingSet[c.ContentHash] {
			report.Skipped++
		} else {
			created = append(created, c)
		}
	}
	var deleted []string
	for _, h := range existing {
		if !wantSet[h] {
			deleted = append(deleted, h)
		}
	}

	if len(created) > 0 {
		created = m.embedChunks(ctx, doc, created)
	}

	if len(created) > 0 || len(deleted) > 0 {
		if err := m.store.ReplaceMemoryChunks(ctx, doc.ID, deleted, created); err != nil {
			return SyncReport{}, fmt.Errorf("replace chunks: %w", err)
		}
	}
	report.Created = len(created)
	report.Deleted = len(deleted)

	m.logger.Info("memory synced",
		"agent_id", doc.AgentID, "doc_key", doc.DocKey,
		"created", report.Created, "deleted", report.Deleted, "skipped", report.Skipped)
	return report, nil
}

// embedChunks embeds new chunks, batch first. When the batch call fails it
// falls back to one call per chunk so a single bad chunk cannot abort the
// sync: failed chunks are logged and dropped, leaving the document partially
// embedded until a later sync picks them up again.
func (m *Memory) embedChunks(ctx context.Context, doc AgentDocument, chunks []MemoryChunk) []MemoryChunk {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := m.embedder.Embed(ctx, texts)
	if err == nil && len(embeddings) == len(chunks) {
		for i := range chunks {
			chunks[i].Embedding = embeddings[i]
		}
		return chunks
	}
	if err != nil {
		m.logger.Warn("batch embed failed, retrying per chunk",
			"doc_key", doc.DocKey, "chunks", len(chunks), "error", err)
	} else {
		m.logger.Warn("embedder returned mismatched vector count, retrying per chunk",
			"doc_key", doc.DocKey, "want", len(chunks), "got", len(embeddings))
	}

	kept := chunks[:0]
	for _, c := range chunks {
		vecs, err := m.embedder.Embed(ctx, []string{c.Content})
		if err != nil || len(vecs) == 0 {
			m.logger.Warn("chunk embed failed, skipped",
				"doc_key", doc.DocKey, "start_line", c.StartLine, "error", err)
			continue
		}
		c.Embedding = vecs[0]
		kept = append(kept, c)
	}
	return kept
}

// DeleteDocument removes a document and all of its chunks.
func (m *Memory) DeleteDocument(ctx context.Context, agentID, docKey string) error {
	return m.store.DeleteAgentDocument(ctx, agentID, docKey)
}

// MemoryHit is one search result annotated with its source document.
type MemoryHit struct {
	Content   string  `json:"content"`
	DocKey    string  `json:"doc_key"`
	DocType   string  `json:"doc_type"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float32 `json:"score"`
}

// Search embeds the query and returns the topK closest chunks across all of
// the agent's documents, best first, annotated with document key and type.
func (m *Memory) Search(ctx context.Context, agentID, query string, topK int) ([]MemoryHit, error) {
	if m.tracer != nil {
		var span Span
		ctx, span = m.tracer.Start(ctx, "memory.search",
			StringAttr("agent_id", agentID), IntAttr("top_k", topK))
		defer span.End()
	}

	embeddings, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embedder returned no vector for query")
	}
	scored, err := m.store.SearchMemoryChunks(ctx, agentID, embeddings[0], topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	docs, err := m.store.ListAgentDocuments(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	byID := make(map[string]AgentDocument, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	hits := make([]MemoryHit, 0, len(scored))
	for _, s := range scored {
		doc := byID[s.Chunk.DocumentID]
		hits = append(hits, MemoryHit{
			Content:   s.Chunk.Content,
			DocKey:    doc.DocKey,
			DocType:   doc.DocType,
			StartLine: s.Chunk.StartLine,
			EndLine:   s.Chunk.EndLine,
			Score:     s.Score,
		})
	}
	return hits, nil
}

// chunk splits a document into line-aligned chunks. A markdown heading always
// starts a new chunk; otherwise lines accumulate until the size cap. Line
// ranges are 1-indexed and inclusive.
func (m *Memory) chunk(doc AgentDocument) []MemoryChunk {
	lines := strings.Split(doc.Content, "\n")
	var chunks []MemoryChunk
	var buf []string
	bufLen := 0
	start := 1

	flush := func(end int) {
		text := strings.TrimSpace(strings.Join(buf, "\n"))
		if text != "" {
			chunks = append(chunks, MemoryChunk{
				ID:          NewID(),
				AgentID:     doc.AgentID,
				DocumentID:  doc.ID,
				Content:     text,
				StartLine:   start,
				EndLine:     end,
				ContentHash: ContentHash(text),
			})
		}
		buf = buf[:0]
		bufLen = 0
	}

	for i, line := range lines {
		lineNo := i + 1
		// flush before appending so a chunk never grows past the cap;
		// only a single oversized line can exceed it
		if bufLen > 0 && (isHeading(line) || bufLen+len(line)+1 > m.chunkSize) {
			flush(lineNo - 1)
			start = lineNo
		}
		buf = append(buf, line)
		bufLen += len(line) + 1
		if bufLen >= m.chunkSize {
			flush(lineNo)
			start = lineNo + 1
		}
	}
	flush(len(lines))
	return chunks
}

// isHeading reports whether a line is a markdown ATX heading (# through ######).
func isHeading(line string) bool {
	trimmed := strings.TrimLeft(line, "#")
	n := len(line) - len(trimmed)
	return n >= 1 && n <= 6 && strings.HasPrefix(trimmed, " ")
}

// ContentHash returns the chunk identity hash: SHA-256 over the
// NFC-normalized text, hex encoded. Equal text always hashes equal, so
// content that moves within a document keeps its embedding.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(text)))
	return hex.EncodeToString(sum[:])
}
