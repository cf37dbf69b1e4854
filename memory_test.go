package portico

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestWriteDocumentSyncsChunks(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{}
	m := NewMemory(store, emb)

	doc, task, err := m.WriteDocument(context.Background(), "agent-1", DocKeyPersona, "persona", "# Persona\n\nFriendly support agent for Acme.")
	if err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	report, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if report.Created == 0 {
		t.Fatal("no chunks created")
	}
	chunks := store.memChunks[doc.ID]
	if len(chunks) != report.Created {
		t.Errorf("stored %d chunks, report says %d", len(chunks), report.Created)
	}
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			t.Errorf("chunk %q has no embedding", c.ContentHash[:8])
		}
		if c.ContentHash != ContentHash(c.Content) {
			t.Errorf("hash mismatch for %q", c.Content)
		}
	}
}

func TestSyncIdempotent(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{}
	m := NewMemory(store, emb)

	doc, task, err := m.WriteDocument(context.Background(), "agent-1", "notes", "note", "Some stable content.")
	if err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	if _, err := task.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	embedsBefore := len(emb.embeddedTexts())

	report, err := m.Sync(context.Background(), doc)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Created != 0 || report.Deleted != 0 || report.Skipped == 0 {
		t.Errorf("re-sync report = %+v, want only skips", report)
	}
	if got := len(emb.embeddedTexts()); got != embedsBefore {
		t.Errorf("re-sync embedded %d extra texts", got-embedsBefore)
	}
}

func TestSyncIncrementalDiff(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{}
	m := NewMemory(store, emb, WithMemoryChunkSize(40))

	// Headings force one chunk per section.
	v1 := "# One\nfirst section\n# Two\nsecond section\n# Three\nthird section"
	doc, task, err := m.WriteDocument(context.Background(), "agent-1", "notes", "note", v1)
	if err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	if _, err := task.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := len(store.memChunks[doc.ID]); n != 3 {
		t.Fatalf("initial chunks = %d, want 3", n)
	}

	// Only the third section changes.
	v2 := "# One\nfirst section\n# Two\nsecond section\n# Three\nthird section revised"
	doc2, task2, err := m.WriteDocument(context.Background(), "agent-1", "notes", "note", v2)
	if err != nil {
		t.Fatalf("WriteDocument v2: %v", err)
	}
	report, err := task2.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait v2: %v", err)
	}
	if report.Created != 1 || report.Deleted != 1 || report.Skipped != 2 {
		t.Errorf("diff report = %+v, want created 1 deleted 1 skipped 2", report)
	}
	// Only the changed text was embedded on the second pass.
	texts := emb.embeddedTexts()
	last := texts[len(texts)-1]
	if !strings.Contains(last, "revised") {
		t.Errorf("last embedded text = %q, want the revised section", last)
	}
	if n := len(store.memChunks[doc2.ID]); n != 3 {
		t.Errorf("chunks after diff = %d, want 3", n)
	}
}

// faultyEmbedder rejects batch calls outright and single calls whose text
// contains failText, exercising the per-chunk fallback path.
type faultyEmbedder struct {
	fakeEmbedder
	failText string
}

func (f *faultyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) > 1 {
		return nil, errors.New("batch rejected")
	}
	if f.failText != "" && len(texts) == 1 && strings.Contains(texts[0], f.failText) {
		return nil, errors.New("embed rejected")
	}
	return f.fakeEmbedder.Embed(ctx, texts)
}

func TestSyncToleratesChunkEmbedFailure(t *testing.T) {
	store := newFakeStore()
	emb := &faultyEmbedder{failText: "second"}
	m := NewMemory(store, emb, WithMemoryChunkSize(40))

	content := "# One\nfirst section\n# Two\nsecond section\n# Three\nthird section"
	doc, task, err := m.WriteDocument(context.Background(), "agent-1", "notes", "note", content)
	if err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	report, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	// the failed chunk is skipped, the other two still land
	if report.Created != 2 {
		t.Errorf("created = %d, want 2", report.Created)
	}
	chunks := store.memChunks[doc.ID]
	if len(chunks) != 2 {
		t.Fatalf("stored chunks = %d, want 2", len(chunks))
	}
	for _, c := range chunks {
		if strings.Contains(c.Content, "second") {
			t.Errorf("failed chunk was stored: %q", c.Content)
		}
		if len(c.Embedding) == 0 {
			t.Errorf("chunk %q has no embedding", c.Content)
		}
	}

	// once the embedder recovers, a later sync fills the gap
	emb.failText = ""
	report2, err := m.Sync(context.Background(), doc)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report2.Created != 1 || report2.Skipped != 2 {
		t.Errorf("recovery report = %+v, want created 1 skipped 2", report2)
	}
	if n := len(store.memChunks[doc.ID]); n != 3 {
		t.Errorf("chunks after recovery = %d, want 3", n)
	}
}

func TestSyncDeduplicatesRepeatedText(t *testing.T) {
	store := newFakeStore()
	m := NewMemory(store, &fakeEmbedder{}, WithMemoryChunkSize(20))

	// Both sections chunk to the identical text; only one chunk survives.
	content := "# A\nsame text\n# A\nsame text"
	doc, task, err := m.WriteDocument(context.Background(), "agent-1", "dup", "note", content)
	if err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	report, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if report.Created != 1 || len(store.memChunks[doc.ID]) != 1 {
		t.Errorf("report = %+v, stored = %d, want a single deduplicated chunk",
			report, len(store.memChunks[doc.ID]))
	}
	seen := make(map[string]bool)
	for _, c := range store.memChunks[doc.ID] {
		if seen[c.ContentHash] {
			t.Errorf("duplicate hash stored: %s", c.ContentHash)
		}
		seen[c.ContentHash] = true
	}
}

func TestChunkHeadingsAndLineRanges(t *testing.T) {
	m := NewMemory(newFakeStore(), &fakeEmbedder{}, WithMemoryChunkSize(1000))
	doc := AgentDocument{
		ID:      "d1",
		AgentID: "a1",
		Content: "intro line\n# Section\nbody one\nbody two",
	}
	chunks := m.chunk(doc)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2 (heading starts a new chunk)", len(chunks))
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 1 {
		t.Errorf("chunk 0 lines = %d-%d", chunks[0].StartLine, chunks[0].EndLine)
	}
	if chunks[1].StartLine != 2 || chunks[1].EndLine != 4 {
		t.Errorf("chunk 1 lines = %d-%d", chunks[1].StartLine, chunks[1].EndLine)
	}
	if !strings.HasPrefix(chunks[1].Content, "# Section") {
		t.Errorf("chunk 1 = %q", chunks[1].Content)
	}
}

func TestChunkSizeCap(t *testing.T) {
	m := NewMemory(newFakeStore(), &fakeEmbedder{}, WithMemoryChunkSize(30))
	doc := AgentDocument{
		ID:      "d1",
		Content: strings.Repeat("0123456789\n", 10),
	}
	chunks := m.chunk(doc)
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want the cap to split", len(chunks))
	}
	// a line that would push past the cap starts a new chunk instead
	for i, c := range chunks {
		if len(c.Content) > 30 {
			t.Errorf("chunk %d is %d chars, over the cap", i, len(c.Content))
		}
	}
}

func TestChunkOversizedSingleLine(t *testing.T) {
	m := NewMemory(newFakeStore(), &fakeEmbedder{}, WithMemoryChunkSize(30))
	long := strings.Repeat("x", 50)
	doc := AgentDocument{ID: "d1", Content: "short\n" + long + "\nshort"}
	chunks := m.chunk(doc)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3 (oversized line isolated)", len(chunks))
	}
	if chunks[1].Content != long {
		t.Errorf("chunk 1 = %q, want the oversized line alone", chunks[1].Content)
	}
}

func TestIsHeading(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"# Title", true},
		{"###### Deep", true},
		{"####### Too deep", false},
		{"#NoSpace", false},
		{"plain text", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isHeading(tt.line); got != tt.want {
			t.Errorf("isHeading(%q) = %v", tt.line, got)
		}
	}
}

func TestContentHashNormalizesUnicode(t *testing.T) {
	composed := "café"
	decomposed := "café"
	if ContentHash(composed) != ContentHash(decomposed) {
		t.Error("NFC-equal strings should hash equal")
	}
	if ContentHash("a") == ContentHash("b") {
		t.Error("different strings should hash differently")
	}
}

func TestSearchAnnotatesHits(t *testing.T) {
	store := newFakeStore()
	m := NewMemory(store, &fakeEmbedder{})

	ctx := context.Background()
	doc, _ := store.UpsertAgentDocument(ctx, AgentDocument{
		ID: "d1", AgentID: "a1", DocKey: DocKeyPersona, DocType: "persona",
	})
	store.memSearch = []ScoredMemoryChunk{
		{Chunk: MemoryChunk{DocumentID: doc.ID, Content: "remembered fact", StartLine: 3, EndLine: 5}, Score: 0.9},
	}

	hits, err := m.Search(ctx, "a1", "fact", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d", len(hits))
	}
	h := hits[0]
	if h.DocKey != DocKeyPersona || h.DocType != "persona" || h.Score != 0.9 {
		t.Errorf("hit = %+v", h)
	}
	if h.StartLine != 3 || h.EndLine != 5 {
		t.Errorf("hit lines = %d-%d", h.StartLine, h.EndLine)
	}
}

func TestSearchNoResults(t *testing.T) {
	m := NewMemory(newFakeStore(), &fakeEmbedder{})
	hits, err := m.Search(context.Background(), "a1", "anything", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits != nil {
		t.Errorf("hits = %v, want nil", hits)
	}
}

func TestDeleteDocument(t *testing.T) {
	store := newFakeStore()
	m := NewMemory(store, &fakeEmbedder{})
	ctx := context.Background()

	_, task, err := m.WriteDocument(ctx, "a1", "scratch", "note", "gone soon")
	if err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	task.Wait(ctx)

	if err := m.DeleteDocument(ctx, "a1", "scratch"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := m.Document(ctx, "a1", "scratch"); err == nil {
		t.Fatal("document should be gone")
	}
}
