// Package timing measures named latency intervals across a process.
//
// A [Clock] tracks intervals by name. Start (re)arms an interval and Log
// closes it; a Log without a matching Start is ignored. That makes "first X"
// intervals such as "LLM First Token" self-limiting: the pipeline may call Log
// on every token and only the first one after a Start is recorded.
package timing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Well-known interval names.
const (
	LLMFirstToken    = "LLM First Token"
	LLMFirstSentence = "LLM First Sentence"
	TTSFirstSentence = "TTS First Sentence"
	SpeechToText     = "Speech To Text"
)

// Recorder receives every completed interval, e.g. to feed a histogram.
type Recorder func(ctx context.Context, name string, seconds float64)

// Option configures a Clock.
type Option func(*Clock)

// WithRecorder forwards each completed interval to r.
func WithRecorder(r Recorder) Option {
	return func(c *Clock) { c.recorder = r }
}

// WithNow replaces the time source. Tests only.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// Summary aggregates the samples recorded for one interval.
type Summary struct {
	Count int
	Mean  time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Clock is a set of named intervals. The zero value is not usable; call New.
type Clock struct {
	mu       sync.Mutex
	running  map[string]time.Time
	samples  map[string][]time.Duration
	recorder Recorder
	now      func() time.Time
}

// New returns an empty Clock.
func New(opts ...Option) *Clock {
	c := &Clock{
		running: make(map[string]time.Time),
		samples: make(map[string][]time.Duration),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start (re)starts interval name.
func (c *Clock) Start(name string) {
	c.mu.Lock()
	c.running[name] = c.now()
	c.mu.Unlock()
}

// Log stops interval name and records its duration, then runs then in order.
// If name is not running Log does nothing and then is not run.
func (c *Clock) Log(name string, then ...func()) {
	c.mu.Lock()
	started, ok := c.running[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.running, name)
	c.mu.Unlock()

	c.record(name, started)
	for _, fn := range then {
		fn()
	}
}

// Measure times one call and returns the func that records it:
//
//	defer clock.Measure("orchestrator.chat")()
//
// Each call keeps its own start, so concurrent measurements of the same name
// all record. Measure does not touch the Start/Log state of name.
func (c *Clock) Measure(name string) func() {
	c.mu.Lock()
	start := c.now()
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { c.record(name, start) }) }
}

func (c *Clock) record(name string, started time.Time) {
	c.mu.Lock()
	d := c.now().Sub(started)
	c.samples[name] = append(c.samples[name], d)
	rec := c.recorder
	c.mu.Unlock()

	if rec != nil {
		rec(context.Background(), name, d.Seconds())
	}
}

// Running reports whether interval name has been started and not yet logged.
func (c *Clock) Running(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[name]
	return ok
}

// Stats summarises every interval that has at least one sample.
func (c *Clock) Stats() map[string]Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Summary, len(c.samples))
	for name, ds := range c.samples {
		if len(ds) == 0 {
			continue
		}
		s := Summary{Count: len(ds), Min: time.Duration(math.MaxInt64)}
		var total time.Duration
		for _, d := range ds {
			total += d
			s.Min = min(s.Min, d)
			s.Max = max(s.Max, d)
		}
		s.Mean = total / time.Duration(len(ds))
		out[name] = s
	}
	return out
}

// Report logs one line per interval, sorted by name.
func (c *Clock) Report(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	stats := c.Stats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := stats[name]
		logger.Info(fmt.Sprintf("%s %s [%s - %s] (%d samples)", name, s.Mean, s.Min, s.Max, s.Count),
			"interval", name,
			"mean", s.Mean,
			"count", s.Count,
		)
	}
}

// Reset clears running intervals and recorded samples.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.running = make(map[string]time.Time)
	c.samples = make(map[string][]time.Duration)
	c.mu.Unlock()
}
