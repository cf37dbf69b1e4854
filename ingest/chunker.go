package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Default chunking geometry. Roughly 250 tokens per chunk with a 50-token
// tail carried into the next chunk, at the 4-chars-per-token estimate.
const (
	DefaultMaxChars     = 1000
	DefaultOverlapChars = 200
)

// ChunkerConfig controls how text is split for embedding.
type ChunkerConfig struct {
	MaxChars     int // maximum chunk length in bytes; 0 means DefaultMaxChars
	OverlapChars int // tail of each chunk repeated at the start of the next
}

func (c ChunkerConfig) withDefaults() ChunkerConfig {
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	if c.OverlapChars < 0 {
		c.OverlapChars = 0
	}
	return c
}

// ChunkText splits text into overlapping chunks, preferring paragraph
// boundaries, then sentence boundaries, then word boundaries. Sentence
// detection skips common abbreviations (Mr., Dr., e.g.), decimal numbers,
// and handles CJK sentence-ending punctuation.
func ChunkText(text string, cfg ChunkerConfig) []string {
	cfg = cfg.withDefaults()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= cfg.MaxChars {
		return []string{text}
	}
	segments := splitRecursive(text, cfg.MaxChars)
	return mergeWithOverlap(segments, cfg.MaxChars, cfg.OverlapChars)
}

func splitRecursive(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	// Paragraph boundaries first.
	paragraphs := strings.Split(text, "\n\n")
	if len(paragraphs) > 1 {
		var segments []string
		for _, p := range paragraphs {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if len(p) <= maxChars {
				segments = append(segments, p)
			} else {
				segments = append(segments, splitOnSentences(p, maxChars)...)
			}
		}
		return segments
	}

	return splitOnSentences(text, maxChars)
}

func splitOnSentences(text string, maxChars int) []string {
	boundaries := findSentenceBoundaries(text)
	if len(boundaries) == 0 {
		return splitOnWords(text, maxChars)
	}

	var segments []string
	start := 0
	lastGood := -1

	emit := func(seg string) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return
		}
		if len(seg) <= maxChars {
			segments = append(segments, seg)
		} else {
			segments = append(segments, splitOnWords(seg, maxChars)...)
		}
	}

	for _, boundary := range boundaries {
		if len(text[start:boundary]) <= maxChars {
			lastGood = boundary
			continue
		}
		if lastGood > start {
			emit(text[start:lastGood])
			start = lastGood
			if len(text[start:boundary]) <= maxChars {
				lastGood = boundary
			} else {
				lastGood = -1
			}
		} else {
			emit(text[start:boundary])
			start = boundary
			lastGood = -1
		}
	}

	if lastGood > start {
		emit(text[start:lastGood])
		start = lastGood
	}
	emit(text[start:])

	return segments
}

// abbreviations that should not end a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true,
	"prof": true, "sr": true, "jr": true,
	"vs": true, "etc": true, "inc": true, "ltd": true,
	"e.g": true, "i.e": true, "viz": true, "al": true,
	"approx": true, "dept": true, "est": true,
	"fig": true, "no": true, "vol": true,
}

func isAbbreviation(text string, dotPos int) bool {
	start := dotPos
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if !unicode.IsLetter(r) && r != '.' {
			break
		}
		start -= size
	}
	return abbreviations[strings.ToLower(text[start:dotPos])]
}

func isDecimalDot(text string, dotPos int) bool {
	if dotPos == 0 || dotPos+1 >= len(text) {
		return false
	}
	prev, next := text[dotPos-1], text[dotPos+1]
	return prev >= '0' && prev <= '9' && next >= '0' && next <= '9'
}

// findSentenceBoundaries returns byte offsets where the text may be split.
// ASCII .!? need trailing whitespace and abbreviation/decimal awareness;
// CJK 。！？ are always boundaries.
func findSentenceBoundaries(text string) []int {
	var boundaries []int
	runes := []rune(text)
	n := len(runes)

	byteOffsets := make([]int, n+1)
	off := 0
	for i, r := range runes {
		byteOffsets[i] = off
		off += utf8.RuneLen(r)
	}
	byteOffsets[n] = off

	for i := 0; i < n; i++ {
		r := runes[i]

		if r == '。' || r == '！' || r == '？' {
			boundaries = append(boundaries, byteOffsets[i+1])
			continue
		}
		if r != '.' && r != '!' && r != '?' {
			continue
		}

		pos := byteOffsets[i]
		if r == '.' && (isDecimalDot(text, pos) || isAbbreviation(text, pos)) {
			continue
		}

		if i+1 < n && (runes[i+1] == ' ' || runes[i+1] == '\n') {
			if runes[i+1] == '\n' {
				boundaries = append(boundaries, byteOffsets[i+1])
			} else if i+2 < n && unicode.IsUpper(runes[i+2]) {
				boundaries = append(boundaries, byteOffsets[i+2])
			} else if i+2 >= n {
				boundaries = append(boundaries, byteOffsets[n])
			}
		}
	}
	return boundaries
}

func splitOnWords(text string, maxChars int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var segments []string
	var current strings.Builder

	for _, word := range words {
		if len(word) > maxChars {
			if current.Len() > 0 {
				segments = append(segments, current.String())
				current.Reset()
			}
			for i := 0; i < len(word); i += maxChars {
				end := min(i+maxChars, len(word))
				segments = append(segments, word[i:end])
			}
			continue
		}

		needed := len(word)
		if current.Len() > 0 {
			needed = current.Len() + 1 + len(word)
		}
		if needed > maxChars {
			segments = append(segments, current.String())
			current.Reset()
		} else if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}

	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	return segments
}

func mergeWithOverlap(segments []string, maxChars, overlapChars int) []string {
	if len(segments) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder

	for _, seg := range segments {
		needed := len(seg)
		if current.Len() > 0 {
			needed = current.Len() + 1 + len(seg)
		}

		if needed <= maxChars {
			if current.Len() > 0 {
				current.WriteByte('\n')
			}
			current.WriteString(seg)
			continue
		}

		if current.Len() > 0 {
			chunk := current.String()
			chunks = append(chunks, chunk)

			overlap := overlapSuffix(chunk, overlapChars)
			current.Reset()
			if overlap != "" && len(overlap)+1+len(seg) <= maxChars {
				current.WriteString(overlap)
				current.WriteByte('\n')
			}
		}
		current.WriteString(seg)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	var result []string
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			result = append(result, c)
		}
	}
	return result
}

// overlapSuffix returns up to n trailing bytes of text, trimmed to a word
// boundary so the carried-over tail never starts mid-word.
func overlapSuffix(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	suffix := text[len(text)-n:]
	if idx := strings.Index(suffix, " "); idx >= 0 {
		return strings.TrimSpace(suffix[idx+1:])
	}
	return strings.TrimSpace(suffix)
}
