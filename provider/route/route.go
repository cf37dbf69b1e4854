// Package route maps model names to vendor adapters. Routing is an
// ordered prefix table: the first rule whose prefix matches the model
// name picks the vendor, and anything unmatched falls through to the
// local Ollama server. Adapters are built lazily and cached per vendor,
// so repeated turns against the same vendor reuse one client.
package route

import (
	"net/http"
	"strings"
	"sync"

	"github.com/porticoai/portico"
	"github.com/porticoai/portico/provider/anthropic"
	"github.com/porticoai/portico/provider/gemini"
	"github.com/porticoai/portico/provider/ollama"
	"github.com/porticoai/portico/provider/openaicompat"
)

// Vendor identifiers used in rules and the catalog.
const (
	VendorAnthropic = "anthropic"
	VendorGemini    = "gemini"
	VendorOpenAI    = "openai"
	VendorOllama    = "ollama"
)

// Credentials holds per-vendor API keys and endpoint overrides. A key
// left empty makes the vendor unavailable; resolving a model that routes
// there returns *portico.ErrConfig.
type Credentials struct {
	AnthropicKey string
	GeminiKey    string
	OpenAIKey    string

	// Optional endpoint overrides. OpenAIBaseURL also selects
	// OpenAI-compatible gateways (Groq, Together, vLLM).
	OpenAIBaseURL string
	OllamaBaseURL string
}

// Rule routes model names with a given prefix to a vendor.
type Rule struct {
	Prefix string
	Vendor string
}

// defaultRules is evaluated in order; first match wins. The bare "o"
// families (o1, o3, o4) need their digit to avoid swallowing everything.
var defaultRules = []Rule{
	{Prefix: "claude-", Vendor: VendorAnthropic},
	{Prefix: "gemini-", Vendor: VendorGemini},
	{Prefix: "gpt-", Vendor: VendorOpenAI},
	{Prefix: "o1", Vendor: VendorOpenAI},
	{Prefix: "o3", Vendor: VendorOpenAI},
	{Prefix: "o4", Vendor: VendorOpenAI},
}

// Option configures a Router.
type Option func(*Router)

// WithRules prepends extra rules ahead of the defaults.
func WithRules(rules ...Rule) Option {
	return func(r *Router) { r.rules = append(rules, r.rules...) }
}

// WithHTTPClient sets the HTTP client passed to every adapter.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Router) { r.client = c }
}

// WithAdapterWrap applies wrap to every adapter as it is built, before
// caching. Used to layer instrumentation over the vendor clients.
func WithAdapterWrap(wrap func(portico.Provider) portico.Provider) Option {
	return func(r *Router) { r.wrap = wrap }
}

// Router implements portico.ProviderResolver over a prefix table.
type Router struct {
	creds  Credentials
	rules  []Rule
	client *http.Client
	wrap   func(portico.Provider) portico.Provider

	mu    sync.Mutex
	cache map[string]portico.Provider // keyed by vendor
}

// New creates a Router with the default prefix table.
func New(creds Credentials, opts ...Option) *Router {
	r := &Router{
		creds: creds,
		rules: defaultRules,
		cache: make(map[string]portico.Provider),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the adapter for a model name. The adapter is
// per-vendor: the model itself travels in the chat request.
func (r *Router) Resolve(model string) (portico.Provider, error) {
	return r.adapter(r.vendorFor(model))
}

func (r *Router) vendorFor(model string) string {
	for _, rule := range r.rules {
		if strings.HasPrefix(model, rule.Prefix) {
			return rule.Vendor
		}
	}
	return VendorOllama
}

func (r *Router) adapter(vendor string) (portico.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[vendor]; ok {
		return p, nil
	}
	p, err := r.build(vendor)
	if err != nil {
		return nil, err
	}
	if r.wrap != nil {
		p = r.wrap(p)
	}
	r.cache[vendor] = p
	return p, nil
}

func (r *Router) build(vendor string) (portico.Provider, error) {
	switch vendor {
	case VendorAnthropic:
		if r.creds.AnthropicKey == "" {
			return nil, &portico.ErrConfig{Field: "anthropic_api_key", Message: "missing credential for vendor anthropic"}
		}
		var opts []anthropic.Option
		if r.client != nil {
			opts = append(opts, anthropic.WithHTTPClient(r.client))
		}
		return anthropic.New(r.creds.AnthropicKey, "", opts...), nil

	case VendorGemini:
		if r.creds.GeminiKey == "" {
			return nil, &portico.ErrConfig{Field: "gemini_api_key", Message: "missing credential for vendor gemini"}
		}
		var opts []gemini.Option
		if r.client != nil {
			opts = append(opts, gemini.WithHTTPClient(r.client))
		}
		return gemini.New(r.creds.GeminiKey, "", opts...), nil

	case VendorOpenAI:
		if r.creds.OpenAIKey == "" {
			return nil, &portico.ErrConfig{Field: "openai_api_key", Message: "missing credential for vendor openai"}
		}
		baseURL := r.creds.OpenAIBaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		var opts []openaicompat.ProviderOption
		opts = append(opts, openaicompat.WithName(VendorOpenAI))
		if r.client != nil {
			opts = append(opts, openaicompat.WithHTTPClient(r.client))
		}
		return openaicompat.NewProvider(r.creds.OpenAIKey, "", baseURL, opts...), nil

	case VendorOllama:
		var opts []ollama.Option
		if r.creds.OllamaBaseURL != "" {
			opts = append(opts, ollama.WithBaseURL(r.creds.OllamaBaseURL))
		}
		if r.client != nil {
			opts = append(opts, ollama.WithHTTPClient(r.client))
		}
		return ollama.New("", opts...), nil

	default:
		return nil, &portico.ErrConfig{Field: "vendor", Message: "unknown vendor " + vendor}
	}
}

// Embedding creates the embedding provider used for memory and
// knowledge search. Only Gemini embeddings are wired for now.
func Embedding(creds Credentials, model string, dims int) (portico.EmbeddingProvider, error) {
	if creds.GeminiKey == "" {
		return nil, &portico.ErrConfig{Field: "gemini_api_key", Message: "missing credential for embeddings"}
	}
	return gemini.NewEmbedding(creds.GeminiKey, model, dims), nil
}

// ModelInfo describes a routable model for UIs and CLIs.
type ModelInfo struct {
	ID          string
	DisplayName string
	Vendor      string
}

// Catalog lists well-known models per vendor. Any model name routes
// through the prefix table regardless; this is advisory.
func (r *Router) Catalog() []ModelInfo {
	return []ModelInfo{
		{ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", Vendor: VendorAnthropic},
		{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Vendor: VendorAnthropic},
		{ID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", Vendor: VendorGemini},
		{ID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", Vendor: VendorGemini},
		{ID: "gpt-4o", DisplayName: "GPT-4o", Vendor: VendorOpenAI},
		{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Vendor: VendorOpenAI},
		{ID: "o3-mini", DisplayName: "o3-mini", Vendor: VendorOpenAI},
		{ID: "llama3.2", DisplayName: "Llama 3.2 (local)", Vendor: VendorOllama},
		{ID: "qwen2.5", DisplayName: "Qwen 2.5 (local)", Vendor: VendorOllama},
	}
}

var _ portico.ProviderResolver = (*Router)(nil)
