// Package augment enriches a turn's prompt context with optional lookups:
// web search, a remote knowledge base, long-term user memory and a delegated
// browser action.
//
// Augmenters return their contribution as ready-to-append prompt text. They
// report failures as errors; deciding that a failure only costs context and
// never the turn is left to the caller.
package augment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrDisabled is returned by an augmenter that lacks the configuration it
// needs to run.
var ErrDisabled = errors.New("augment: not configured")

// KnowledgeBaseCredentials are per-user credentials for the knowledge base.
type KnowledgeBaseCredentials struct {
	APIKey  string
	BrainID string
}

// Request describes the turn being augmented.
type Request struct {
	Query         string
	UserID        string
	CharacterName string
	KnowledgeBase KnowledgeBaseCredentials
}

// Augmenter produces extra prompt context for a turn.
type Augmenter interface {
	// Name identifies the augmenter in logs and metrics.
	Name() string
	Augment(ctx context.Context, req Request) (string, error)
}

// defaultHTTPTimeout bounds outbound HTTP calls made by augmenters that were
// not given a client.
const defaultHTTPTimeout = 20 * time.Second

// newHTTPClient returns a client whose requests are traced and measured.
func newHTTPClient(base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(base),
		Timeout:   defaultHTTPTimeout,
	}
}
