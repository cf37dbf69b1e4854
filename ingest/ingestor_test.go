package ingest_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/porticoai/portico"
	"github.com/porticoai/portico/ingest"
	"github.com/porticoai/portico/store/sqlite"
)

type countingEmbedder struct {
	calls      int
	batchSizes []int
}

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	e.batchSizes = append(e.batchSizes, len(texts))
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (e *countingEmbedder) Dimensions() int { return 2 }
func (e *countingEmbedder) Name() string    { return "counting" }

func testStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s := sqlite.New(filepath.Join(t.TempDir(), "ingest.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIngestTextStoresDocumentAndChunks(t *testing.T) {
	s := testStore(t)
	ing := ingest.NewIngestor(s, &countingEmbedder{},
		ingest.WithChunker(ingest.ChunkerConfig{MaxChars: 120, OverlapChars: 20}))

	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("Refund requests are processed within five business days.\n\n")
	}

	res, err := ing.IngestText(context.Background(), "agent-1", b.String(), "policy.txt", "Refund Policy")
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.ChunkCount < 2 {
		t.Errorf("ChunkCount = %d, want several", res.ChunkCount)
	}

	doc, err := s.GetKnowledgeDocument(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatalf("GetKnowledgeDocument: %v", err)
	}
	if doc.Title != "Refund Policy" || doc.AgentID != "agent-1" {
		t.Errorf("doc = %+v", doc)
	}

	scored, err := s.SearchKnowledgeChunks(context.Background(), "agent-1", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("SearchKnowledgeChunks: %v", err)
	}
	if len(scored) != res.ChunkCount {
		t.Errorf("stored chunks = %d, want %d", len(scored), res.ChunkCount)
	}
	for _, sc := range scored {
		if sc.Chunk.TokenCount == 0 {
			t.Errorf("chunk %s missing token count", sc.Chunk.ID)
		}
	}
}

func TestIngestFilePicksExtractor(t *testing.T) {
	s := testStore(t)
	ing := ingest.NewIngestor(s, &countingEmbedder{})

	html := "<html><body><p>Shipping takes two days.</p></body></html>"
	res, err := ing.IngestFile(context.Background(), "agent-1", []byte(html), "/docs/shipping.html")
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if res.Document.Title != "shipping.html" {
		t.Errorf("title = %q", res.Document.Title)
	}

	doc, err := s.GetKnowledgeDocument(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatalf("GetKnowledgeDocument: %v", err)
	}
	if strings.Contains(doc.Content, "<p>") {
		t.Errorf("HTML not stripped: %q", doc.Content)
	}
	if !strings.Contains(doc.Content, "Shipping takes two days.") {
		t.Errorf("content lost: %q", doc.Content)
	}
}

func TestIngestReader(t *testing.T) {
	s := testStore(t)
	ing := ingest.NewIngestor(s, &countingEmbedder{})

	res, err := ing.IngestReader(context.Background(), "agent-1",
		strings.NewReader("Plain text body."), "notes.txt")
	if err != nil {
		t.Fatalf("IngestReader: %v", err)
	}
	if res.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d", res.ChunkCount)
	}
}

func TestBatchEmbedRespectsBatchSize(t *testing.T) {
	s := testStore(t)
	emb := &countingEmbedder{}
	ing := ingest.NewIngestor(s, emb,
		ingest.WithChunker(ingest.ChunkerConfig{MaxChars: 60, OverlapChars: 0}),
		ingest.WithBatchSize(3))

	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("One short standalone paragraph here.\n\n")
	}
	res, err := ing.IngestText(context.Background(), "agent-1", b.String(), "s", "t")
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.ChunkCount <= 3 {
		t.Fatalf("ChunkCount = %d, want more than one batch", res.ChunkCount)
	}
	for _, n := range emb.batchSizes {
		if n > 3 {
			t.Errorf("batch of %d exceeds size 3", n)
		}
	}
	if emb.calls < 2 {
		t.Errorf("calls = %d, want batched calls", emb.calls)
	}
}

func TestReingestSameDocumentIDReplacesChunks(t *testing.T) {
	s := testStore(t)

	doc := portico.KnowledgeDocument{
		ID: "doc-1", AgentID: "agent-1", Title: "v1", Content: "old",
		CreatedAt: portico.NowUnix(),
	}
	old := []portico.KnowledgeChunk{
		{ID: "c1", AgentID: "agent-1", DocumentID: "doc-1", Content: "old one", Embedding: []float32{1, 0}},
		{ID: "c2", AgentID: "agent-1", DocumentID: "doc-1", Content: "old two", Embedding: []float32{1, 0}},
	}
	if err := s.StoreKnowledgeDocument(context.Background(), doc, old); err != nil {
		t.Fatalf("store v1: %v", err)
	}

	doc.Title = "v2"
	replacement := []portico.KnowledgeChunk{
		{ID: "c3", AgentID: "agent-1", DocumentID: "doc-1", Content: "new", Embedding: []float32{1, 0}},
	}
	if err := s.StoreKnowledgeDocument(context.Background(), doc, replacement); err != nil {
		t.Fatalf("store v2: %v", err)
	}

	scored, err := s.SearchKnowledgeChunks(context.Background(), "agent-1", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(scored) != 1 || scored[0].Chunk.Content != "new" {
		t.Errorf("chunks after re-ingest = %+v", scored)
	}
}
