// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// A synthesizer converts one spoken segment at a time into audio and delivers
// it, in order, to a [Transport]. The response pipeline calls Stream once per
// sentence and waits for it to return before scanning for the next sentence,
// so a single synthesizer instance never interleaves the audio of two segments
// belonging to the same request.
//
// Implementations must be safe for concurrent use by independent requests.
package tts

import (
	"context"
	"sync"
)

// Transport receives synthesized audio for one client connection.
type Transport interface {
	// SendAudio delivers one chunk of encoded audio. Chunks must be played
	// back in the order they are sent.
	SendAudio(ctx context.Context, audio []byte) error
}

// Interrupt is a per-request cancellation token. Firing it asks the
// synthesizer to abort the segment in flight; audio already handed to the
// transport is not recalled. The zero value is not usable; call [NewInterrupt].
type Interrupt struct {
	once sync.Once
	ch   chan struct{}
}

// NewInterrupt returns an unfired token.
func NewInterrupt() *Interrupt {
	return &Interrupt{ch: make(chan struct{})}
}

// Fire signals the interrupt. It is safe to call more than once.
func (i *Interrupt) Fire() {
	i.once.Do(func() { close(i.ch) })
}

// Done returns a channel that is closed once Fire has been called. A nil
// Interrupt never fires.
func (i *Interrupt) Done() <-chan struct{} {
	if i == nil {
		return nil
	}
	return i.ch
}

// Fired reports whether Fire has been called.
func (i *Interrupt) Fired() bool {
	if i == nil {
		return false
	}
	select {
	case <-i.ch:
		return true
	default:
		return false
	}
}

// Segment is one unit of speech handed to [Synthesizer.Stream].
type Segment struct {
	// Text is the sentence to speak, without its terminal punctuation.
	Text string

	// Transport receives the audio.
	Transport Transport

	// Interrupt aborts the segment when fired. May be nil.
	Interrupt *Interrupt

	// VoiceID is the provider-specific voice identifier.
	VoiceID string

	// First marks the first segment of a reply. Implementations may pick a
	// lower-latency model or setting for it.
	First bool

	// Language is a BCP 47 tag such as "en-US". Empty means provider default.
	Language string
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Stream synthesizes seg.Text and delivers the audio to seg.Transport in
	// order. It returns nil when the segment completes or seg.Interrupt fires,
	// and ctx.Err() when ctx is cancelled first. Transport and provider errors
	// are returned as-is.
	Stream(ctx context.Context, seg Segment) error

	// Generate synthesizes text in one shot and returns the encoded audio.
	Generate(ctx context.Context, text, voiceID, language string) ([]byte, error)
}
