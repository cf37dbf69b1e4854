// Package web gives the model read-only web access: Brave search with
// semantic re-ranking of fetched pages, and single-URL fetch with
// readability extraction.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/porticoai/portico"
	"github.com/porticoai/portico/ingest"
)

const (
	userAgent    = "Mozilla/5.0 (compatible; PorticoBot/1.0)"
	maxPageBytes = 512 << 10
	maxPageChars = 8000
	minGoodScore = float32(0.35)
)

// Tool implements the "web" namespace: search and fetch.
type Tool struct {
	embedding   portico.EmbeddingProvider
	braveAPIKey string
	client      *http.Client
	chunkerCfg  ingest.ChunkerConfig
	logger      *slog.Logger
}

// Option configures a web Tool.
type Option func(*Tool)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// New creates the web tool. Search requires a Brave API key; fetch
// works without one.
func New(embedding portico.EmbeddingProvider, braveAPIKey string, opts ...Option) *Tool {
	t := &Tool{
		embedding:   embedding,
		braveAPIKey: braveAPIKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		chunkerCfg:  ingest.ChunkerConfig{MaxChars: 500},
		logger:      slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Namespace() string { return "web" }

func (t *Tool) Definitions() []portico.ToolDefinition {
	defs := []portico.ToolDefinition{{
		Name:        "fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
	if t.braveAPIKey != "" {
		defs = append(defs, portico.ToolDefinition{
			Name:        "search",
			Description: "Search the web for current information. Use for recent events, news, prices, or anything that requires up-to-date data.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
		})
	}
	return defs
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (portico.ToolResult, error) {
	switch name {
	case "fetch":
		var params struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return portico.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		content, err := t.Fetch(ctx, params.URL)
		if err != nil {
			return portico.ToolResult{Error: err.Error()}, nil
		}
		if len(content) > maxPageChars {
			content = content[:maxPageChars] + "\n... (truncated)"
		}
		return portico.ToolResult{Content: content}, nil

	case "search":
		var params struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return portico.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		content, err := t.Search(ctx, params.Query)
		if err != nil {
			return portico.ToolResult{Error: err.Error()}, nil
		}
		return portico.ToolResult{Content: content}, nil

	default:
		return portico.ToolResult{Error: "unknown function: " + name}, nil
	}
}

// Fetch downloads a URL and extracts readable text.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	html := string(body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}
	return ingest.StripHTML(html), nil
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
	Content string // extracted page text, may be empty
}

type rankedChunk struct {
	Text        string
	SourceIndex int
	SourceTitle string
	Score       float32
}

// Search queries Brave, fetches the result pages concurrently, and
// re-ranks chunked content against the query embedding. A weak top
// score triggers one retry with more results.
func (t *Tool) Search(ctx context.Context, query string) (string, error) {
	results, err := t.braveSearch(ctx, query, 8)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	t.fetchAll(ctx, results)
	ranked := t.rank(ctx, query, results)

	if len(ranked) > 0 && ranked[0].Score < minGoodScore {
		t.logger.Debug("web search below score floor, widening",
			"top_score", ranked[0].Score, "floor", minGoodScore)
		more, err := t.braveSearch(ctx, query, 12)
		if err == nil {
			existing := make(map[string]bool, len(results))
			for _, r := range results {
				existing[r.URL] = true
			}
			var added []*searchResult
			for _, r := range more {
				if !existing[r.URL] {
					added = append(added, r)
				}
			}
			t.fetchAll(ctx, added)
			results = append(results, added...)
			ranked = t.rank(ctx, query, results)
		}
	}

	return formatRanked(ranked, results), nil
}

func (t *Tool) braveSearch(ctx context.Context, query string, count int) ([]*searchResult, error) {
	u := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.braveAPIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("brave parse error: %w", err)
	}

	var results []*searchResult
	for _, r := range data.Web.Results {
		results = append(results, &searchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

func (t *Tool) fetchAll(ctx context.Context, results []*searchResult) {
	var wg sync.WaitGroup
	for _, r := range results {
		wg.Add(1)
		go func(r *searchResult) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, r.URL, nil)
			if err != nil {
				return
			}
			req.Header.Set("User-Agent", userAgent)

			resp, err := t.client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
			if err != nil {
				return
			}
			text := ingest.StripHTML(string(body))
			if len(text) > maxPageChars {
				text = text[:maxPageChars]
			}
			r.Content = text
		}(r)
	}
	wg.Wait()
}

func (t *Tool) rank(ctx context.Context, query string, results []*searchResult) []rankedChunk {
	var tagged []rankedChunk
	for i, r := range results {
		if r.Snippet != "" {
			tagged = append(tagged, rankedChunk{Text: r.Snippet, SourceIndex: i, SourceTitle: r.Title})
		}
		if r.Content != "" {
			for _, c := range ingest.ChunkText(r.Content, t.chunkerCfg) {
				if len(c) < 50 {
					continue
				}
				tagged = append(tagged, rankedChunk{Text: c, SourceIndex: i, SourceTitle: r.Title})
			}
		}
	}
	if len(tagged) == 0 {
		return tagged
	}

	texts := make([]string, 0, 1+len(tagged))
	texts = append(texts, query)
	for _, c := range tagged {
		texts = append(texts, c.Text)
	}

	embeddings, err := t.embedding.Embed(ctx, texts)
	if err != nil || len(embeddings) != len(texts) {
		t.logger.Warn("web search ranking degraded to unranked", "error", err)
		if len(tagged) > 8 {
			tagged = tagged[:8]
		}
		return tagged
	}

	queryVec := embeddings[0]
	for i := range tagged {
		tagged[i].Score = cosineSimilarity(queryVec, embeddings[i+1])
	}
	sort.Slice(tagged, func(i, j int) bool { return tagged[i].Score > tagged[j].Score })
	return tagged
}

func formatRanked(ranked []rankedChunk, results []*searchResult) string {
	var out strings.Builder
	seenSources := make(map[int]bool)

	limit := min(len(ranked), 8)
	for i := 0; i < limit; i++ {
		c := ranked[i]
		fmt.Fprintf(&out, "[%d] (score: %.2f) %s\n%s\n\n", i+1, c.Score, c.SourceTitle, c.Text)
		seenSources[c.SourceIndex] = true
	}

	out.WriteString("Sources:\n")
	for idx := range seenSources {
		if idx < len(results) {
			fmt.Fprintf(&out, "- %s (%s)\n", results[idx].Title, results[idx].URL)
		}
	}
	return out.String()
}

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
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var _ portico.Tool = (*Tool)(nil)
