package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

func TestDimensions_NativeModels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"some-future-model", 1536},
	}
	for _, tt := range tests {
		p, err := New("sk-test", tt.model)
		if err != nil {
			t.Fatalf("New(%q): %v", tt.model, err)
		}
		if got := p.Dimensions(); got != tt.want {
			t.Errorf("Dimensions() for %q = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestWithDimensions(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "text-embedding-3-large", WithDimensions(1536))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 1536 {
		t.Errorf("Dimensions() = %d, want 1536", got)
	}
	params := p.params(oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt("x")})
	if !params.Dimensions.Valid() || params.Dimensions.Value != 1536 {
		t.Errorf("params.Dimensions not set: %+v", params.Dimensions)
	}
}

func TestWithDimensions_IgnoredForAda(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "text-embedding-ada-002", WithDimensions(256))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 1536 {
		t.Errorf("Dimensions() = %d, want 1536", got)
	}
}

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID() = %q, want %q", p.ModelID(), DefaultModel)
	}
}

func TestToFloat32(t *testing.T) {
	t.Parallel()
	got := toFloat32([]float64{0.5, -1, 2})
	want := []float32{0.5, -1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNew_RejectsNonPositiveBatchSize(t *testing.T) {
	t.Parallel()
	if _, err := New("sk-test", "", WithBatchSize(0)); err == nil {
		t.Fatal("expected error for batch size 0")
	}
}

func TestFlatten(t *testing.T) {
	t.Parallel()
	if got := flatten("Gotham\n\n  is my\tcity.\n"); got != "Gotham is my city." {
		t.Errorf("flatten = %q", got)
	}
}

// embeddingServer answers every request with one vector per input whose
// single component is the input's length. Responses list the data in reverse
// order to exercise index placement.
type embeddingServer struct {
	mu      sync.Mutex
	batches [][]string
}

func (s *embeddingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.batches = append(s.batches, req.Input)
	s.mu.Unlock()

	type item struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
	data := make([]item, 0, len(req.Input))
	for i := len(req.Input) - 1; i >= 0; i-- {
		data = append(data, item{Object: "embedding", Index: i, Embedding: []float64{float64(len(req.Input[i]))}})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"model":  "text-embedding-3-small",
		"data":   data,
		"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
	})
}

func TestEmbedBatch_SplitsIntoBatches(t *testing.T) {
	t.Parallel()
	srv := &embeddingServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p, err := New("sk-test", "", WithBaseURL(ts.URL), WithBatchSize(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	texts := []string{"a", "bb", "ccc\nccc", "dddd", "eeeee"}
	got, err := p.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}

	if len(srv.batches) != 3 {
		t.Fatalf("requests = %d, want 3 (%v)", len(srv.batches), srv.batches)
	}
	if srv.batches[1][0] != "ccc ccc" {
		t.Errorf("chunk was not flattened: %q", srv.batches[1][0])
	}
	want := []float32{1, 2, 7, 4, 5}
	for i, v := range want {
		if len(got[i]) != 1 || got[i][0] != v {
			t.Errorf("vector %d = %v, want [%v]", i, got[i], v)
		}
	}
}
