package augment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// DefaultSearchEndpoint is the Serper search API.
const DefaultSearchEndpoint = "https://google.serper.dev/search"

// noSearchResult is returned as the result text when the response holds
// nothing usable.
const noSearchResult = "No good search result was found"

// SearchConfig configures [Search].
type SearchConfig struct {
	APIKey   string
	Endpoint string

	// RatePerSecond caps outbound queries. Zero means 5 per second.
	RatePerSecond float64

	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client
}

// Search looks the query up with a Serper-compatible web search API.
type Search struct {
	apiKey   string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

var _ Augmenter = (*Search)(nil)

// NewSearch returns a search augmenter. Without an API key every call
// returns [ErrDisabled].
func NewSearch(cfg SearchConfig) *Search {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = newHTTPClient(nil)
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Search{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
	}
}

// Name implements [Augmenter].
func (s *Search) Name() string { return "search" }

type serperResponse struct {
	AnswerBox *struct {
		Answer             string   `json:"answer"`
		SnippetHighlighted []string `json:"snippetHighlighted"`
		Snippet            string   `json:"snippet"`
	} `json:"answerBox"`
	KnowledgeGraph *struct {
		Description string `json:"description"`
	} `json:"knowledgeGraph"`
	Organic []struct {
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Augment implements [Augmenter].
func (s *Search) Augment(ctx context.Context, req Request) (string, error) {
	if s.apiKey == "" {
		return "", ErrDisabled
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("augment: search: %w", err)
	}

	body, err := json.Marshal(map[string]string{"q": req.Query})
	if err != nil {
		return "", fmt.Errorf("augment: search: encode: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("augment: search: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-KEY", s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("augment: search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("augment: search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var sr serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("augment: search: decode: %w", err)
	}
	return "\n" + strings.Join([]string{
		"---",
		"Internet search result:",
		"---",
		"Question: " + req.Query,
		"Search Result: " + sr.summary(),
	}, "\n"), nil
}

// summary prefers a direct answer, then highlighted or plain answer-box
// snippets, then the knowledge graph and organic result snippets.
func (r *serperResponse) summary() string {
	if ab := r.AnswerBox; ab != nil {
		switch {
		case ab.Answer != "":
			return ab.Answer
		case len(ab.SnippetHighlighted) > 0:
			return strings.Join(ab.SnippetHighlighted, " ")
		case ab.Snippet != "":
			return ab.Snippet
		}
	}
	var parts []string
	if r.KnowledgeGraph != nil && r.KnowledgeGraph.Description != "" {
		parts = append(parts, r.KnowledgeGraph.Description)
	}
	for _, o := range r.Organic {
		if o.Snippet != "" {
			parts = append(parts, o.Snippet)
		}
	}
	if len(parts) == 0 {
		return noSearchResult
	}
	return strings.Join(parts, " ")
}
