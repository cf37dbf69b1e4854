package ingest

import (
	"strings"
	"testing"
)

func TestChunkTextEmpty(t *testing.T) {
	if got := ChunkText("", ChunkerConfig{}); got != nil {
		t.Errorf("empty text = %v", got)
	}
	if got := ChunkText("   \n\n  ", ChunkerConfig{}); got != nil {
		t.Errorf("whitespace text = %v", got)
	}
}

func TestChunkTextShortTextSingleChunk(t *testing.T) {
	text := "A short paragraph that fits in one chunk."
	chunks := ChunkText(text, ChunkerConfig{})
	if len(chunks) != 1 || chunks[0] != text {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestChunkTextRespectsMaxChars(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("This is sentence number one of the test corpus. ")
	}
	chunks := ChunkText(b.String(), ChunkerConfig{MaxChars: 200, OverlapChars: 40})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 200 {
			t.Errorf("chunk %d over max: %d chars", i, len(c))
		}
	}
}

func TestChunkTextOverlap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		b.WriteString("Alpha beta gamma delta epsilon zeta eta theta iota kappa.\n\n")
	}
	chunks := ChunkText(b.String(), ChunkerConfig{MaxChars: 150, OverlapChars: 50})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// Each chunk after the first carries a word-aligned tail of the previous
	// one at its start.
	if !strings.HasPrefix(chunks[1], overlapSuffix(chunks[0], 50)) {
		t.Errorf("chunk 1 %q missing tail of chunk 0 %q", chunks[1], chunks[0])
	}
}

func TestChunkTextPrefersParagraphs(t *testing.T) {
	p1 := strings.Repeat("First paragraph sentence. ", 5)
	p2 := strings.Repeat("Second paragraph sentence. ", 5)
	text := strings.TrimSpace(p1) + "\n\n" + strings.TrimSpace(p2)

	chunks := ChunkText(text, ChunkerConfig{MaxChars: 140, OverlapChars: 0})
	for i, c := range chunks {
		if strings.Contains(c, "First") && strings.Contains(c, "Second") {
			t.Errorf("chunk %d mixes paragraphs: %q", i, c)
		}
	}
}

func TestFindSentenceBoundariesSkipsAbbreviations(t *testing.T) {
	text := "Dr. Smith arrived at 3.14 pm. Then everyone left. And stayed."
	boundaries := findSentenceBoundaries(text)
	if len(boundaries) != 2 {
		t.Fatalf("boundaries = %v, want 2", boundaries)
	}
	first := text[:boundaries[0]]
	if !strings.HasSuffix(strings.TrimSpace(first), "pm.") {
		t.Errorf("first sentence = %q", first)
	}
}

func TestFindSentenceBoundariesCJK(t *testing.T) {
	text := "これは文です。次の文です。"
	boundaries := findSentenceBoundaries(text)
	if len(boundaries) != 2 {
		t.Errorf("boundaries = %v, want 2", boundaries)
	}
}

func TestSplitOnWordsLongWord(t *testing.T) {
	word := strings.Repeat("x", 250)
	segments := splitOnWords(word, 100)
	if len(segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(segments))
	}
	for _, s := range segments {
		if len(s) > 100 {
			t.Errorf("segment over max: %d", len(s))
		}
	}
}

func TestOverlapSuffixWordBoundary(t *testing.T) {
	got := overlapSuffix("the quick brown fox jumps", 10)
	if strings.HasPrefix(got, " ") || got == "" {
		t.Errorf("suffix = %q", got)
	}
	if !strings.HasSuffix("the quick brown fox jumps", got) {
		t.Errorf("suffix %q not a tail of input", got)
	}
}
