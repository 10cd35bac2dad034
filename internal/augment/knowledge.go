package augment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultKnowledgeBaseURL is the hosted second-brain API.
const DefaultKnowledgeBaseURL = "https://api.quivr.app"

// KnowledgeBase asks a user's second-brain service for context on the
// query. Credentials come with each request.
type KnowledgeBase struct {
	baseURL string
	client  *http.Client
}

var _ Augmenter = (*KnowledgeBase)(nil)

// NewKnowledgeBase returns a knowledge-base augmenter for baseURL. A nil
// client selects the default instrumented one.
func NewKnowledgeBase(baseURL string, client *http.Client) *KnowledgeBase {
	if baseURL == "" {
		baseURL = DefaultKnowledgeBaseURL
	}
	if client == nil {
		client = newHTTPClient(nil)
	}
	return &KnowledgeBase{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Name implements [Augmenter].
func (k *KnowledgeBase) Name() string { return "knowledge_base" }

// Augment implements [Augmenter]. Requests without credentials return
// [ErrDisabled].
func (k *KnowledgeBase) Augment(ctx context.Context, req Request) (string, error) {
	creds := req.KnowledgeBase
	if creds.APIKey == "" || creds.BrainID == "" {
		return "", ErrDisabled
	}

	body, err := json.Marshal(map[string]string{"question": req.Query})
	if err != nil {
		return "", fmt.Errorf("augment: knowledge base: encode: %w", err)
	}
	endpoint := k.baseURL + "/brains/" + url.PathEscape(creds.BrainID) + "/question_context"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("augment: knowledge base: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := k.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("augment: knowledge base: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("augment: knowledge base: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Context *string `json:"context"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("augment: knowledge base: decode: %w", err)
	}
	if out.Context == nil {
		return "", fmt.Errorf("augment: knowledge base: response has no context field")
	}
	return "\n" + strings.Join([]string{
		"---",
		"Second brain result:",
		"---",
		"Question: " + req.Query,
		"Query Result: " + *out.Context,
	}, "\n"), nil
}
