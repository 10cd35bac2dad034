// Package mock provides a test double for the embeddings.Provider interface.
//
// By default every text is mapped to a deterministic vector derived from its
// bytes, so equal texts embed identically. Set EmbedFunc to control vectors.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/MrWong99/realchar/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, if set, computes the vector for each text.
	EmbedFunc func(text string) []float32

	// Err, if non-nil, is returned from Embed and EmbedBatch.
	Err error

	// DimensionsValue is returned by Dimensions. Defaults to 3.
	DimensionsValue int

	// Texts records every text submitted, in order.
	Texts []string
}

// Embed records the text and returns its vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// EmbedBatch records the texts and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns DimensionsValue, or 3 when unset.
func (p *Provider) Dimensions() int {
	if p.DimensionsValue > 0 {
		return p.DimensionsValue
	}
	return 3
}

// ModelID returns a fixed identifier.
func (p *Provider) ModelID() string { return "mock-embed" }

// Submitted returns a copy of every text embedded so far.
func (p *Provider) Submitted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}

func (p *Provider) vector(text string) []float32 {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	dims := p.Dimensions()
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	v := make([]float32, dims)
	for i := range v {
		v[i] = float32((seed>>(uint(i*8)%64))&0xff) / 255
	}
	return v
}

var _ embeddings.Provider = (*Provider)(nil)
