package portico

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Default retrieval tuning for the knowledge base.
const (
	// DefaultRetrievalBudget is the token budget for one retrieval pass.
	DefaultRetrievalBudget = 2000
	// retrievalOverfetch is the candidate multiplier: fetch this many times
	// topK from the store, then trim with the token budget.
	retrievalOverfetch = 2
)

// RetrievalResult is a scored knowledge chunk annotated with its document.
type RetrievalResult struct {
	Content        string  `json:"content"`
	Score          float32 `json:"score"`
	ChunkID        string  `json:"chunk_id"`
	DocumentID     string  `json:"document_id"`
	DocumentTitle  string  `json:"document_title"`
	DocumentSource string  `json:"document_source"`
	TokenCount     int     `json:"token_count"`
}

// KnowledgeOption configures a KnowledgeBase.
type KnowledgeOption func(*KnowledgeBase)

// WithKnowledgeLogger sets the structured logger.
func WithKnowledgeLogger(l *slog.Logger) KnowledgeOption {
	return func(k *KnowledgeBase) { k.logger = l }
}

// WithKnowledgeTracer sets the tracer for retrieval spans.
func WithKnowledgeTracer(t Tracer) KnowledgeOption {
	return func(k *KnowledgeBase) { k.tracer = t }
}

// WithMinScore sets the minimum similarity; candidates at or below it are
// dropped before budgeting. Default 0 (no filtering).
func WithMinScore(s float32) KnowledgeOption {
	return func(k *KnowledgeBase) { k.minScore = s }
}

// KnowledgeBase retrieves token-budgeted context from ingested documents.
// Ingestion lives in the ingest package; this side only searches.
type KnowledgeBase struct {
	store    Store
	embedder EmbeddingProvider
	minScore float32
	logger   *slog.Logger
	tracer   Tracer
}

// NewKnowledgeBase creates a retriever over the store's knowledge corpus.
func NewKnowledgeBase(store Store, embedder EmbeddingProvider, opts ...KnowledgeOption) *KnowledgeBase {
	k := &KnowledgeBase{store: store, embedder: embedder, logger: nopLogger}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Retrieve embeds the query, over-fetches candidates, and selects greedily
// in score order until the token budget is spent. A chunk that does not fit
// the remaining budget is skipped, never truncated, so the combined token
// estimate of the returned results never exceeds budget.
func (k *KnowledgeBase) Retrieve(ctx context.Context, agentID, query string, topK, budget int) ([]RetrievalResult, error) {
	if k.tracer != nil {
		var span Span
		ctx, span = k.tracer.Start(ctx, "knowledge.retrieve",
			StringAttr("agent_id", agentID), IntAttr("budget", budget))
		defer span.End()
	}
	if topK <= 0 {
		topK = 5
	}
	if budget <= 0 {
		budget = DefaultRetrievalBudget
	}

	embs, err := k.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embs) == 0 {
		return nil, fmt.Errorf("embed query: no embedding returned")
	}

	scored, err := k.store.SearchKnowledgeChunks(ctx, agentID, embs[0], topK*retrievalOverfetch)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	docs, err := k.store.ListKnowledgeDocuments(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	byID := make(map[string]KnowledgeDocument, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	var results []RetrievalResult
	remaining := budget
	for _, s := range scored {
		if len(results) == topK {
			break
		}
		if k.minScore > 0 && s.Score <= k.minScore {
			continue
		}
		cost := s.Chunk.TokenCount
		if cost == 0 {
			cost = EstimateTokens(s.Chunk.Content)
		}
		if cost > remaining {
			continue
		}
		doc := byID[s.Chunk.DocumentID]
		results = append(results, RetrievalResult{
			Content:        s.Chunk.Content,
			Score:          s.Score,
			ChunkID:        s.Chunk.ID,
			DocumentID:     s.Chunk.DocumentID,
			DocumentTitle:  doc.Title,
			DocumentSource: doc.Source,
			TokenCount:     cost,
		})
		remaining -= cost
	}
	k.logger.Debug("knowledge retrieved",
		"agent_id", agentID, "candidates", len(scored), "selected", len(results),
		"budget", budget, "spent", budget-remaining)
	return results, nil
}

// Context retrieves budgeted results and renders them as a single prompt
// block, returning source references alongside for provenance tracking.
func (k *KnowledgeBase) Context(ctx context.Context, agentID, query string, topK, budget int) (string, []SourceRef, error) {
	results, err := k.Retrieve(ctx, agentID, query, topK, budget)
	if err != nil {
		return "", nil, err
	}
	if len(results) == 0 {
		return "", nil, nil
	}

	var b strings.Builder
	sources := make([]SourceRef, 0, len(results))
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if r.DocumentTitle != "" {
			fmt.Fprintf(&b, "[%s]\n", r.DocumentTitle)
		}
		b.WriteString(r.Content)
		sources = append(sources, SourceRef{DocKey: r.DocumentTitle, DocType: "knowledge"})
	}
	return b.String(), sources, nil
}

// EstimateTokens approximates the token count of text as len/4, the rule of
// thumb for English prose under common BPE vocabularies.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
