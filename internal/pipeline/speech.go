package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrWong99/realchar/internal/observe"
	"github.com/MrWong99/realchar/internal/timing"
	"github.com/MrWong99/realchar/pkg/provider/tts"
)

// ReplyMarker separates the model's non-spoken preamble from the reply.
const ReplyMarker = ">"

// ErrFlushed is returned when a token reaches a dispatcher whose stream has
// already ended.
var ErrFlushed = errors.New("pipeline: speech dispatcher already flushed")

// State is the phase of a [SpeechDispatcher].
type State int

const (
	// AwaitingReplyMarker discards tokens until one contains [ReplyMarker].
	AwaitingReplyMarker State = iota
	// Accumulating collects tokens into the current sentence.
	Accumulating
	// Flushed is terminal; the remainder has been dispatched.
	Flushed
)

func (s State) String() string {
	switch s {
	case AwaitingReplyMarker:
		return "awaiting_reply_marker"
	case Accumulating:
		return "accumulating"
	case Flushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// SpeechConfig holds the per-request settings of a [SpeechDispatcher].
type SpeechConfig struct {
	Synthesizer tts.Synthesizer
	Transport   tts.Transport

	// Interrupt is passed to every segment untouched. May be nil.
	Interrupt *tts.Interrupt

	VoiceID  string
	Language string

	// Clock receives the first-token and first-sentence intervals. A private
	// clock is used when nil.
	Clock *timing.Clock

	// Metrics is optional.
	Metrics *observe.Metrics
}

// SpeechDispatcher segments a token stream into sentences and synthesizes
// them in order. A sentence ends on a token that is exactly ".", "?" or "!";
// the mark itself is not spoken. Each Stream call returns before the next
// token is looked at, so segments never overlap.
//
// A SpeechDispatcher serves one generation and is not safe for concurrent use.
type SpeechDispatcher struct {
	cfg        SpeechConfig
	clock      *timing.Clock
	state      State
	buf        strings.Builder
	dispatched int
}

var _ Callback = (*SpeechDispatcher)(nil)

// NewSpeechDispatcher returns a dispatcher waiting for the reply marker.
func NewSpeechDispatcher(cfg SpeechConfig) *SpeechDispatcher {
	clock := cfg.Clock
	if clock == nil {
		clock = timing.New()
	}
	return &SpeechDispatcher{cfg: cfg, clock: clock}
}

// State returns the current phase.
func (d *SpeechDispatcher) State() State { return d.state }

// Dispatched returns the number of segments handed to the synthesizer.
func (d *SpeechDispatcher) Dispatched() int { return d.dispatched }

// OnToken advances the state machine by one token.
//
// Content that follows the reply marker inside the same token is kept and
// handled like a token of its own.
func (d *SpeechDispatcher) OnToken(ctx context.Context, token string) error {
	d.clock.Log(timing.LLMFirstToken, func() { d.clock.Start(timing.LLMFirstSentence) })

	switch d.state {
	case Flushed:
		return ErrFlushed
	case AwaitingReplyMarker:
		i := strings.Index(token, ReplyMarker)
		if i < 0 {
			return nil
		}
		d.state = Accumulating
		token = token[i+len(ReplyMarker):]
		if token == "" {
			return nil
		}
	}

	if !isTerminal(token) {
		d.buf.WriteString(token)
		return nil
	}

	d.clock.Log(timing.LLMFirstSentence, func() { d.clock.Start(timing.TTSFirstSentence) })
	sentence := d.buf.String()
	d.buf.Reset()
	if err := d.dispatch(ctx, sentence); err != nil {
		return err
	}
	d.clock.Log(timing.TTSFirstSentence)
	return nil
}

// OnEnd dispatches whatever is left in the buffer, even without a terminal
// mark, and moves to [Flushed]. Calling it again is a no-op.
func (d *SpeechDispatcher) OnEnd(ctx context.Context) error {
	if d.state == Flushed {
		return nil
	}
	d.state = Flushed
	rest := d.buf.String()
	d.buf.Reset()
	return d.dispatch(ctx, rest)
}

func (d *SpeechDispatcher) dispatch(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	first := d.dispatched == 0
	d.dispatched++

	start := time.Now()
	err := d.cfg.Synthesizer.Stream(ctx, tts.Segment{
		Text:      text,
		Transport: d.cfg.Transport,
		Interrupt: d.cfg.Interrupt,
		VoiceID:   d.cfg.VoiceID,
		First:     first,
		Language:  d.cfg.Language,
	})
	if err != nil {
		return err
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordSegment(ctx, first, time.Since(start).Seconds())
	}
	return nil
}

func isTerminal(token string) bool {
	switch token {
	case ".", "?", "!":
		return true
	}
	return false
}
