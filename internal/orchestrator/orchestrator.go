// Package orchestrator runs one conversation turn: it gathers optional
// context, renders the character's prompt and drives a single streaming
// generation through the turn's callbacks.
//
// Context gathering never fails a turn. Retrieval and every augmenter run
// concurrently behind a guard that turns errors and timeouts into an empty
// contribution. Only the generation itself, including the callbacks attached
// to it, can fail the turn, and its error is returned unchanged.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/realchar/internal/augment"
	"github.com/MrWong99/realchar/internal/catalog"
	"github.com/MrWong99/realchar/internal/conversation"
	"github.com/MrWong99/realchar/internal/observe"
	"github.com/MrWong99/realchar/internal/pipeline"
	"github.com/MrWong99/realchar/internal/retrieval"
	"github.com/MrWong99/realchar/internal/timing"
	"github.com/MrWong99/realchar/pkg/provider/llm"
)

// Defaults for [New].
const (
	DefaultTopK           = 4
	DefaultTemperature    = 0.5
	DefaultAugmentTimeout = 15 * time.Second
)

// MemoryPrefix introduces remembered facts about the user in the prompt
// context.
const MemoryPrefix = "Information regarding this user based on previous chat: "

// DefaultUserPrompt is used for characters without a user prompt template.
const DefaultUserPrompt = "{query}"

// Options are the per-turn switches chosen by the client.
type Options struct {
	UseSearch        bool
	UseKnowledgeBase bool
	KnowledgeBase    augment.KnowledgeBaseCredentials
	UseAction        bool

	// UserID scopes the memory lookup. Empty skips it.
	UserID string
}

// Turn is one user message addressed to a character.
type Turn struct {
	Character catalog.Character

	// History is the dialogue so far. It is read, never modified. A nil
	// History starts from the character's system prompt.
	History *conversation.History

	Input     string
	Options   Options
	Callbacks []pipeline.Callback

	// Metadata is forwarded to the generation backend.
	Metadata map[string]string
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSearcher enables document retrieval with up to topK results.
func WithSearcher(s retrieval.Searcher, topK int) Option {
	return func(o *Orchestrator) {
		o.searcher = s
		if topK > 0 {
			o.topK = topK
		}
	}
}

// WithSearch sets the web search augmenter.
func WithSearch(a augment.Augmenter) Option {
	return func(o *Orchestrator) { o.search = a }
}

// WithKnowledgeBase sets the knowledge-base augmenter.
func WithKnowledgeBase(a augment.Augmenter) Option {
	return func(o *Orchestrator) { o.knowledgeBase = a }
}

// WithMemory sets the long-term memory augmenter.
func WithMemory(a augment.Augmenter) Option {
	return func(o *Orchestrator) { o.memory = a }
}

// WithAction sets the delegated-action augmenter and the input prefixes that
// route a turn to it. Prefixes match case-insensitively.
func WithAction(a augment.Augmenter, triggers ...string) Option {
	return func(o *Orchestrator) {
		o.action = a
		o.triggers = o.triggers[:0]
		for _, t := range triggers {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				o.triggers = append(o.triggers, t)
			}
		}
	}
}

// WithAugmentTimeout bounds every augmentation and the retrieval. Zero
// disables the bound.
func WithAugmentTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.augmentTimeout = d }
}

// WithGeneration sets the sampling temperature and completion token cap.
func WithGeneration(temperature float64, maxTokens int) Option {
	return func(o *Orchestrator) {
		o.temperature = temperature
		o.maxTokens = maxTokens
	}
}

// WithClock records turn and first-token intervals on c.
func WithClock(c *timing.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMetrics records turn, generation and augmentation metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs turns against one generation backend. It holds no
// per-turn state and is safe for concurrent use.
type Orchestrator struct {
	llm llm.Provider

	searcher retrieval.Searcher
	topK     int

	search        augment.Augmenter
	knowledgeBase augment.Augmenter
	memory        augment.Augmenter
	action        augment.Augmenter
	triggers      []string

	augmentTimeout time.Duration
	temperature    float64
	maxTokens      int

	clock   *timing.Clock
	metrics *observe.Metrics
}

// New returns an Orchestrator generating with p.
func New(p llm.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:            p,
		topK:           DefaultTopK,
		augmentTimeout: DefaultAugmentTimeout,
		temperature:    DefaultTemperature,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = timing.New()
	}
	return o
}

// Chat runs turn and returns the generated reply.
func (o *Orchestrator) Chat(ctx context.Context, turn Turn) (reply string, err error) {
	defer o.clock.Measure("orchestrator.chat")()

	attrs := append(observe.TurnAttributes(ctx), attribute.String("character.name", turn.Character.Name))
	ctx, span := observe.StartSpan(ctx, "orchestrator.chat", trace.WithAttributes(attrs...))
	defer span.End()

	if o.metrics != nil {
		o.metrics.ActiveTurns.Add(ctx, 1)
		defer o.metrics.ActiveTurns.Add(ctx, -1)
	}
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if o.metrics != nil {
			o.metrics.RecordTurn(ctx, turn.Character.ID, status)
		}
	}()

	promptContext := o.gatherContext(ctx, turn)

	history := turn.History
	if history == nil {
		history = conversation.New(turn.Character.SystemPrompt)
	}
	msgs := append(history.Messages(), llm.Message{
		Role:    llm.RoleUser,
		Content: RenderPrompt(turn.Character.UserPrompt, promptContext, turn.Input),
	})
	req := llm.CompletionRequest{
		Messages:    msgs,
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		Metadata:    turn.Metadata,
	}

	o.clock.Start(timing.LLMFirstToken)
	start := time.Now()
	reply, err = pipeline.Generate(ctx, o.llm, req, turn.Callbacks...)
	if o.metrics != nil {
		o.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil && !errors.Is(err, context.Canceled) {
			o.metrics.RecordProviderError(ctx, "llm", "generate")
		}
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

// RenderPrompt fills the {context} and {query} placeholders of template. An
// empty template renders just the query.
func RenderPrompt(template, promptContext, query string) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultUserPrompt
	}
	return strings.NewReplacer("{context}", promptContext, "{query}", query).Replace(template)
}

// gatherContext runs retrieval and the enabled augmenters concurrently and
// concatenates their contributions in a fixed order.
func (o *Orchestrator) gatherContext(ctx context.Context, turn Turn) string {
	req := augment.Request{
		Query:         turn.Input,
		UserID:        turn.Options.UserID,
		CharacterName: turn.Character.Name,
		KnowledgeBase: turn.Options.KnowledgeBase,
	}

	const (
		slotDocuments = iota
		slotMemory
		slotSearch
		slotKnowledgeBase
		slotAction
		slotCount
	)
	var (
		parts [slotCount]string
		g     errgroup.Group
	)
	run := func(slot int, a augment.Augmenter) {
		g.Go(func() error {
			parts[slot] = o.guard(ctx, a, req)
			return nil
		})
	}

	if o.searcher != nil {
		run(slotDocuments, &documents{searcher: o.searcher, topK: o.topK, clock: o.clock})
	}
	if o.memory != nil {
		run(slotMemory, o.memory)
	}
	if turn.Options.UseSearch && o.search != nil {
		run(slotSearch, o.search)
	}
	if turn.Options.UseKnowledgeBase && o.knowledgeBase != nil {
		run(slotKnowledgeBase, o.knowledgeBase)
	}
	if turn.Options.UseAction && o.action != nil && o.triggered(turn.Input) {
		run(slotAction, o.action)
	}
	_ = g.Wait()

	if parts[slotMemory] != "" {
		parts[slotMemory] = MemoryPrefix + parts[slotMemory] + "\n"
	}
	return strings.Join(parts[:], "")
}

func (o *Orchestrator) triggered(input string) bool {
	lower := strings.ToLower(strings.TrimSpace(input))
	for _, t := range o.triggers {
		if strings.HasPrefix(lower, t) {
			return true
		}
	}
	return false
}

// guard runs a with the augmentation timeout and converts any failure into
// an empty contribution. An augmenter that ignores its context is abandoned
// once the timeout passes.
func (o *Orchestrator) guard(ctx context.Context, a augment.Augmenter, req augment.Request) string {
	if o.augmentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.augmentTimeout)
		defer cancel()
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		text, err := a.Augment(ctx, req)
		done <- result{text, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	failed := res.err != nil && !errors.Is(res.err, augment.ErrDisabled)
	if o.metrics != nil {
		o.metrics.RecordAugment(ctx, a.Name(), time.Since(start).Seconds(), failed)
	}
	switch {
	case failed:
		observe.Logger(ctx).Warn("augmentation failed, continuing without it", "augmenter", a.Name(), "err", res.err)
		return ""
	case res.err != nil:
		observe.Logger(ctx).Debug("augmentation not configured", "augmenter", a.Name())
		return ""
	}
	return res.text
}

// documents adapts a [retrieval.Searcher] to the augmentation guard. It only
// returns passages tagged with the turn's character.
type documents struct {
	searcher retrieval.Searcher
	topK     int
	clock    *timing.Clock
}

func (d *documents) Name() string { return "retrieval" }

func (d *documents) Augment(ctx context.Context, req augment.Request) (string, error) {
	defer d.clock.Measure("retrieval.search")()
	docs, err := d.searcher.Search(ctx, req.Query, d.topK)
	if err != nil {
		return "", err
	}
	docs = retrieval.FilterByCharacter(docs, req.CharacterName)
	observe.Logger(ctx).Debug("retrieved documents", "count", len(docs))
	return retrieval.JoinContent(docs), nil
}
