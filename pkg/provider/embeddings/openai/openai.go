// Package openai embeds character knowledge and user queries with the OpenAI
// embeddings API.
//
// Knowledge ingestion sends many chunks at once; they are split into requests
// of at most the configured batch size. Some OpenAI-compatible deployments
// accept a single input per request only, which a batch size of 1 covers.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/realchar/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// DefaultBatchSize is the number of inputs sent per request. The API accepts
// up to 2048.
const DefaultBatchSize = 512

// nativeDimensions is the vector length of each known model without
// shortening. Unknown models are assumed to match text-embedding-3-small.
var nativeDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client    oai.Client
	model     string
	batchSize int

	// dimensions, when positive, asks the API to shorten vectors so they fit
	// the knowledge table's vector column.
	dimensions int
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	dimensions   int
	batchSize    int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the provider at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithDimensions requests vectors of length n. Only the text-embedding-3
// family can shorten vectors; for other models it is ignored.
func WithDimensions(n int) Option {
	return func(c *config) { c.dimensions = n }
}

// WithBatchSize caps the number of inputs per request.
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New returns a Provider for model, or [DefaultModel] when model is empty.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{batchSize: DefaultBatchSize}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.batchSize <= 0 {
		return nil, fmt.Errorf("openai embeddings: batch size must be positive, got %d", cfg.batchSize)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	p := &Provider{client: oai.NewClient(reqOpts...), model: model, batchSize: cfg.batchSize}
	if cfg.dimensions > 0 && strings.HasPrefix(strings.ToLower(model), "text-embedding-3") {
		p.dimensions = cfg.dimensions
	}
	return p, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, p.params(oai.EmbeddingNewParamsInputUnion{
		OfString: param.NewOpt(flatten(text)),
	}))
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embeddings.Provider. Inputs are sent in batches of
// at most the configured size; any failed batch fails the whole call.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		end := min(start+p.batchSize, len(texts))
		if err := p.embedRange(ctx, texts[start:end], out[start:end]); err != nil {
			return nil, fmt.Errorf("openai embeddings: inputs %d-%d: %w", start, end-1, err)
		}
	}
	return out, nil
}

// embedRange embeds texts into the matching slots of dst.
func (p *Provider) embedRange(ctx context.Context, texts []string, dst [][]float32) error {
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = flatten(t)
	}

	resp, err := p.client.Embeddings.New(ctx, p.params(oai.EmbeddingNewParamsInputUnion{
		OfArrayOfStrings: inputs,
	}))
	if err != nil {
		return err
	}
	if len(resp.Data) != len(texts) {
		return fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(texts) {
			return fmt.Errorf("unexpected index %d", e.Index)
		}
		dst[e.Index] = toFloat32(e.Embedding)
	}
	return nil
}

func (p *Provider) params(input oai.EmbeddingNewParamsInputUnion) oai.EmbeddingNewParams {
	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: input,
	}
	if p.dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}
	return params
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	if n, ok := nativeDimensions[strings.ToLower(p.model)]; ok {
		return n
	}
	return nativeDimensions[DefaultModel]
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// flatten joins the lines of a knowledge chunk. Line breaks carry no meaning
// for retrieval and only dilute the vector.
func flatten(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
