package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/porticoai/portico"
)

// Result holds the outcome of one ingest operation.
type Result struct {
	DocumentID string
	Document   portico.KnowledgeDocument
	ChunkCount int
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithChunker sets the chunking geometry.
func WithChunker(cfg ChunkerConfig) Option {
	return func(ing *Ingestor) { ing.chunkerCfg = cfg }
}

// WithBatchSize sets the number of chunks per Embed call (default 64).
func WithBatchSize(n int) Option {
	return func(ing *Ingestor) { ing.batchSize = n }
}

// WithExtractor registers an Extractor for a content type, replacing any
// built-in one.
func WithExtractor(ct ContentType, e Extractor) Option {
	return func(ing *Ingestor) { ing.extractors[ct] = e }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ing *Ingestor) { ing.logger = l }
}

// Ingestor provides end-to-end ingestion: extract, chunk, embed, store.
// Each document belongs to one agent and is chunked and embedded once;
// re-ingesting under the same document id replaces all of its chunks.
type Ingestor struct {
	store      portico.Store
	embedding  portico.EmbeddingProvider
	chunkerCfg ChunkerConfig
	extractors map[ContentType]Extractor
	batchSize  int
	logger     *slog.Logger
}

// NewIngestor creates an Ingestor with text, HTML, markdown, and PDF
// extraction built in.
func NewIngestor(store portico.Store, emb portico.EmbeddingProvider, opts ...Option) *Ingestor {
	ing := &Ingestor{
		store:     store,
		embedding: emb,
		extractors: map[ContentType]Extractor{
			TypePlainText: PlainTextExtractor{},
			TypeHTML:      HTMLExtractor{},
			TypeMarkdown:  NewMarkdownExtractor(),
			TypePDF:       NewPDFExtractor(),
		},
		batchSize: 64,
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(ing)
	}
	return ing
}

// IngestText ingests plain text content for an agent.
func (ing *Ingestor) IngestText(ctx context.Context, agentID, text, source, title string) (Result, error) {
	return ing.ingest(ctx, agentID, text, source, title)
}

// IngestFile ingests file content, picking the extractor from the filename
// extension.
func (ing *Ingestor) IngestFile(ctx context.Context, agentID string, content []byte, filename string) (Result, error) {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	ct := ContentTypeFromExtension(ext)

	extractor, ok := ing.extractors[ct]
	if !ok {
		extractor = PlainTextExtractor{}
	}

	text, err := extractor.Extract(content)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", ct, err)
	}
	return ing.ingest(ctx, agentID, text, filename, filepath.Base(filename))
}

// IngestReader reads all content from r and ingests it as IngestFile would.
func (ing *Ingestor) IngestReader(ctx context.Context, agentID string, r io.Reader, filename string) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read: %w", err)
	}
	return ing.IngestFile(ctx, agentID, data, filename)
}

func (ing *Ingestor) ingest(ctx context.Context, agentID, text, source, title string) (Result, error) {
	start := time.Now()

	// Normalization keeps chunk text byte-stable across Unicode encodings
	// of the same content.
	text = norm.NFC.String(strings.TrimSpace(text))

	doc := portico.KnowledgeDocument{
		ID:        portico.NewID(),
		AgentID:   agentID,
		Title:     title,
		Source:    source,
		Content:   text,
		CreatedAt: portico.NowUnix(),
	}

	chunkTexts := ChunkText(text, ing.chunkerCfg)
	chunks := make([]portico.KnowledgeChunk, len(chunkTexts))
	for i, t := range chunkTexts {
		chunks[i] = portico.KnowledgeChunk{
			ID:         portico.NewID(),
			AgentID:    agentID,
			DocumentID: doc.ID,
			ChunkIndex: i,
			Content:    t,
			TokenCount: portico.EstimateTokens(t),
		}
	}

	if err := ing.batchEmbed(ctx, chunks); err != nil {
		return Result{}, err
	}

	if err := ing.store.StoreKnowledgeDocument(ctx, doc, chunks); err != nil {
		return Result{}, fmt.Errorf("store document: %w", err)
	}

	ing.logger.Debug("document ingested",
		"agent_id", agentID, "document_id", doc.ID, "title", title,
		"chunks", len(chunks), "duration", time.Since(start))

	return Result{DocumentID: doc.ID, Document: doc, ChunkCount: len(chunks)}, nil
}

// batchEmbed fills chunk embeddings in batches of batchSize.
func (ing *Ingestor) batchEmbed(ctx context.Context, chunks []portico.KnowledgeChunk) error {
	for i := 0; i < len(chunks); i += ing.batchSize {
		end := min(i+ing.batchSize, len(chunks))
		batch := chunks[i:end]

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Content
		}

		embeddings, err := ing.embedding.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		for j := range batch {
			if j < len(embeddings) {
				batch[j].Embedding = embeddings[j]
			}
		}
	}
	return nil
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
