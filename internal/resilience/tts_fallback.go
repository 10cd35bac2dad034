package resilience

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/realchar/pkg/provider/tts"
)

// GuardedSynthesizer puts a circuit breaker in front of a [tts.Synthesizer].
// While the provider is failing, segments are rejected at once with
// [ErrCircuitOpen] instead of each waiting out its own timeout.
//
// Voices are provider specific, so there is no failover to another
// synthesizer. A segment that already delivered audio is never retried.
type GuardedSynthesizer struct {
	group *FallbackGroup[tts.Synthesizer]
}

var _ tts.Synthesizer = (*GuardedSynthesizer)(nil)

// NewGuardedSynthesizer wraps s with a breaker named name.
func NewGuardedSynthesizer(name string, s tts.Synthesizer, cfg CircuitBreakerConfig) *GuardedSynthesizer {
	return &GuardedSynthesizer{group: NewFallbackGroup(name, s, cfg)}
}

// Breaker returns the breaker guarding the synthesizer.
func (g *GuardedSynthesizer) Breaker() *CircuitBreaker { return g.group.entries[0].breaker }

func (g *GuardedSynthesizer) Stream(ctx context.Context, seg tts.Segment) error {
	return g.group.Execute(ctx, func(s tts.Synthesizer) error {
		if seg.Transport == nil {
			return s.Stream(ctx, seg)
		}
		ct := &countingTransport{next: seg.Transport}
		seg.Transport = ct
		err := s.Stream(ctx, seg)
		if err != nil && ct.sent.Load() > 0 && !isPermanent(err) {
			// The listener heard part of the segment; the provider is up.
			return Permanent(err)
		}
		return err
	})
}

func (g *GuardedSynthesizer) Generate(ctx context.Context, text, voiceID, language string) ([]byte, error) {
	return ExecuteWithResult(ctx, g.group, func(s tts.Synthesizer) ([]byte, error) {
		return s.Generate(ctx, text, voiceID, language)
	})
}

type countingTransport struct {
	next tts.Transport
	sent atomic.Int64
}

func (c *countingTransport) SendAudio(ctx context.Context, audio []byte) error {
	if err := c.next.SendAudio(ctx, audio); err != nil {
		return Permanent(err)
	}
	c.sent.Add(1)
	return nil
}
