package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/porticoai/portico"
)

// Embedding implements portico.EmbeddingProvider for Gemini embedding
// models. Multi-text inputs use the batchEmbedContents endpoint, one round
// trip per batch instead of one per text.
type Embedding struct {
	apiKey     string
	model      string
	dims       int
	httpClient *http.Client
}

// NewEmbedding creates a Gemini embedding provider.
func NewEmbedding(apiKey, model string, dims int) *Embedding {
	return &Embedding{
		apiKey:     apiKey,
		model:      model,
		dims:       dims,
		httpClient: &http.Client{},
	}
}

// Name returns "gemini".
func (e *Embedding) Name() string { return "gemini" }

// Dimensions returns the configured embedding dimensionality.
func (e *Embedding) Dimensions() int { return e.dims }

// maxEmbedBatch is the API's request cap for batchEmbedContents.
const maxEmbedBatch = 100

// Embed returns one vector per input text, preserving order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	embeddings := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := min(start+maxEmbedBatch, len(texts))
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}
	return embeddings, nil
}

func (e *Embedding) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	requests := make([]map[string]any, 0, len(texts))
	for _, text := range texts {
		requests = append(requests, map[string]any{
			"model": "models/" + e.model,
			"content": map[string]any{
				"parts": []map[string]any{{"text": text}},
			},
			"outputDimensionality": e.dims,
		})
	}
	payload, err := json.Marshal(map[string]any{"requests": requests})
	if err != nil {
		return nil, e.wrapErr("marshal embed body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", baseURL, e.model, e.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, e.wrapErr("create embed request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, e.wrapErr("embed request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, e.wrapErr("read embed response: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpErr(resp, string(respBody))
	}

	var parsed struct {
		Embeddings []embedValues `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, e.wrapErr("parse embed response: " + err.Error())
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, e.wrapErr(fmt.Sprintf("got %d embeddings for %d texts", len(parsed.Embeddings), len(texts)))
	}

	out := make([][]float32, 0, len(parsed.Embeddings))
	for _, emb := range parsed.Embeddings {
		vec := make([]float32, len(emb.Values))
		for i, v := range emb.Values {
			vec[i] = float32(v)
		}
		out = append(out, vec)
	}
	return out, nil
}

type embedValues struct {
	Values []float64 `json:"values"`
}

func (e *Embedding) wrapErr(msg string) error {
	return &portico.ErrVendor{Vendor: "gemini", Message: msg}
}

// Compile-time interface assertion.
var _ portico.EmbeddingProvider = (*Embedding)(nil)
