package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/realchar/pkg/provider/embeddings"
)

// MemoryStore is an in-process [Searcher] for deployments without a
// database. It does an exact scan, so it suits the few hundred passages a
// bundled character set produces.
type MemoryStore struct {
	embedder embeddings.Provider

	mu   sync.RWMutex
	docs []storedDoc
}

type storedDoc struct {
	doc Document
	vec []float32
}

var (
	_ Searcher = (*MemoryStore)(nil)
	_ Adder    = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore(embedder embeddings.Provider) *MemoryStore {
	return &MemoryStore{embedder: embedder}
}

// Add embeds and appends docs. A document whose ID is already present is
// replaced.
func (s *MemoryStore) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("retrieval: embed %d documents: %w", len(docs), err)
	}
	if len(vecs) != len(docs) {
		return fmt.Errorf("retrieval: embedder returned %d vectors for %d documents", len(vecs), len(docs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range docs {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		sd := storedDoc{doc: d, vec: vecs[i]}
		if j := slices.IndexFunc(s.docs, func(x storedDoc) bool { return x.doc.ID == d.ID }); j >= 0 {
			s.docs[j] = sd
			continue
		}
		s.docs = append(s.docs, sd)
	}
	return nil
}

// Reset removes every document.
func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	s.docs = nil
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Search returns the k documents with the smallest cosine distance to query.
func (s *MemoryStore) Search(ctx context.Context, query string, k int) ([]Document, error) {
	if k <= 0 {
		return nil, nil
	}
	q, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	s.mu.RLock()
	out := make([]Document, 0, len(s.docs))
	for _, sd := range s.docs {
		d := sd.doc
		d.Distance = cosineDistance(q, sd.vec)
		out = append(out, d)
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Document) int { return cmp.Compare(a.Distance, b.Distance) })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// cosineDistance matches pgvector's <=> operator: 1 - cos(a, b). Zero or
// mismatched vectors are maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
