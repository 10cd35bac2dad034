// Package pipeline turns a streaming completion into spoken sentences.
//
// [Generate] consumes an [llm.Provider] token stream and fans every token out
// to the attached [Callback] values in order. Two callbacks cover a normal
// turn: a [TextCollector] that keeps the full reply for persistence and a
// [SpeechDispatcher] that segments the reply into sentences and hands them to
// a synthesizer one at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/realchar/pkg/provider/llm"
)

// ErrStream is returned by [Generate] when the provider reports a failure
// in the middle of a stream.
var ErrStream = errors.New("pipeline: generation stream failed")

// Callback receives the tokens of one generation call.
//
// OnToken is called once per non-empty text chunk, in stream order. OnEnd is
// called once after the stream finished successfully. Neither is called
// concurrently for the same generation.
type Callback interface {
	OnToken(ctx context.Context, token string) error
	OnEnd(ctx context.Context) error
}

// Generate streams req through p, feeding each token to callbacks in
// attachment order, and returns the complete reply.
//
// A provider error, a mid-stream error chunk, ctx cancellation or a callback
// error stops the turn; OnEnd is then not called and the error is returned.
func Generate(ctx context.Context, p llm.Provider, req llm.CompletionRequest, callbacks ...Callback) (string, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}

	var reply strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			go drainChunks(ch)
			return "", err
		}
		select {
		case <-ctx.Done():
			go drainChunks(ch)
			return "", ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				return reply.String(), end(ctx, callbacks)
			}
			if chunk.FinishReason == llm.FinishReasonError {
				go drainChunks(ch)
				return "", fmt.Errorf("%w: %s", ErrStream, chunk.Text)
			}
			if chunk.Text != "" {
				reply.WriteString(chunk.Text)
				for _, cb := range callbacks {
					if err := cb.OnToken(ctx, chunk.Text); err != nil {
						go drainChunks(ch)
						return "", err
					}
				}
			}
			if chunk.FinishReason != "" {
				go drainChunks(ch)
				return reply.String(), end(ctx, callbacks)
			}
		}
	}
}

func end(ctx context.Context, callbacks []Callback) error {
	for _, cb := range callbacks {
		if err := cb.OnEnd(ctx); err != nil {
			return err
		}
	}
	return nil
}

// drainChunks discards the rest of a stream so the provider goroutine does
// not block on a send nobody receives.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
