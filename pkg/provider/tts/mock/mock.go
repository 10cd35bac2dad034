// Package mock provides test doubles for the tts package.
//
// Synthesizer records every segment it receives and forwards fixed audio to
// the segment's transport. Transport collects the audio it is sent.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/realchar/pkg/provider/tts"
)

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Audio is sent to the segment's transport once per Stream call. When nil
	// the segment text itself is sent as bytes.
	Audio []byte

	// StreamErr, if non-nil, is returned from Stream after recording the call.
	StreamErr error

	// StreamFunc, if set, replaces the default Stream behaviour.
	StreamFunc func(ctx context.Context, seg tts.Segment) error

	// GenerateResult and GenerateErr are returned by Generate.
	GenerateResult []byte
	GenerateErr    error

	// Segments records every Stream call in order.
	Segments []tts.Segment

	// GenerateTexts records every Generate call in order.
	GenerateTexts []string
}

// Stream records seg and sends audio to its transport.
func (s *Synthesizer) Stream(ctx context.Context, seg tts.Segment) error {
	s.mu.Lock()
	s.Segments = append(s.Segments, seg)
	fn, err, audio := s.StreamFunc, s.StreamErr, s.Audio
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, seg)
	}
	if err != nil {
		return err
	}
	if seg.Interrupt.Fired() {
		return nil
	}
	if audio == nil {
		audio = []byte(seg.Text)
	}
	if seg.Transport != nil {
		return seg.Transport.SendAudio(ctx, audio)
	}
	return nil
}

// Generate records text and returns GenerateResult, GenerateErr.
func (s *Synthesizer) Generate(_ context.Context, text, _, _ string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GenerateTexts = append(s.GenerateTexts, text)
	return s.GenerateResult, s.GenerateErr
}

// Recorded returns a copy of the segments streamed so far.
func (s *Synthesizer) Recorded() []tts.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tts.Segment, len(s.Segments))
	copy(out, s.Segments)
	return out
}

// Transport is a mock implementation of tts.Transport.
type Transport struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from SendAudio.
	Err error

	// Chunks holds every chunk received, in order.
	Chunks [][]byte
}

// SendAudio records audio.
func (t *Transport) SendAudio(_ context.Context, audio []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	cp := make([]byte, len(audio))
	copy(cp, audio)
	t.Chunks = append(t.Chunks, cp)
	return nil
}

// Received returns a copy of the chunks received so far.
func (t *Transport) Received() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.Chunks))
	copy(out, t.Chunks)
	return out
}

var (
	_ tts.Synthesizer = (*Synthesizer)(nil)
	_ tts.Transport   = (*Transport)(nil)
)
