package resilience

import (
	"context"

	"github.com/MrWong99/realchar/pkg/provider/stt"
)

// TranscriberFallback is an [stt.Transcriber] that fails over across several
// backends. Unlike voices, transcription is provider neutral, so any healthy
// backend can take the request.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a TranscriberFallback preferring primary.
func NewTranscriberFallback(primaryName string, primary stt.Transcriber, cfg CircuitBreakerConfig) *TranscriberFallback {
	return &TranscriberFallback{group: NewFallbackGroup(primaryName, primary, cfg)}
}

// AddFallback registers t after all earlier transcribers.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

func (f *TranscriberFallback) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(t stt.Transcriber) (string, error) {
		return t.Transcribe(ctx, req)
	})
}
