// Package app wires all realchar subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP (probes, metrics, the conversation websocket)
// and keeps the character catalog fresh, Converse runs one conversation
// turn, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSource,
// WithSearcher, WithInteractions, etc.). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/realchar/internal/augment"
	"github.com/MrWong99/realchar/internal/catalog"
	"github.com/MrWong99/realchar/internal/config"
	"github.com/MrWong99/realchar/internal/conversation"
	"github.com/MrWong99/realchar/internal/database"
	"github.com/MrWong99/realchar/internal/health"
	"github.com/MrWong99/realchar/internal/observe"
	"github.com/MrWong99/realchar/internal/orchestrator"
	"github.com/MrWong99/realchar/internal/retrieval"
	"github.com/MrWong99/realchar/internal/timing"
	"github.com/MrWong99/realchar/pkg/provider/embeddings"
	"github.com/MrWong99/realchar/pkg/provider/llm"
	"github.com/MrWong99/realchar/pkg/provider/stt"
	"github.com/MrWong99/realchar/pkg/provider/tts"
)

// ErrUnknownCharacter is returned by Converse for a character id the catalog
// does not serve.
var ErrUnknownCharacter = errors.New("app: unknown character")

// Providers holds the provider instances built from the config registry. Nil
// or empty means the capability is not configured.
type Providers struct {
	LLM llm.Provider

	// TTS maps normalised provider names (see [config.NormalizeName]) to
	// synthesizers. DefaultTTS names the fallback for characters asking for
	// a synthesizer that is not configured.
	TTS        map[string]tts.Synthesizer
	DefaultTTS string

	Embeddings embeddings.Provider

	// STT transcribes spoken input. Nil restricts turns to text input.
	STT stt.Transcriber
}

// Synthesizer returns the synthesizer registered under name, falling back to
// DefaultTTS. It returns nil when no synthesizer is configured at all.
func (p *Providers) Synthesizer(name string) tts.Synthesizer {
	if s, ok := p.TTS[config.NormalizeName(name)]; ok {
		return s
	}
	return p.TTS[p.DefaultTTS]
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	pool         *pgxpool.Pool
	source       catalog.CharacterSource
	identity     catalog.IdentityLookup
	registry     *catalog.Registry
	searcher     retrieval.Searcher
	interactions conversation.InteractionStore
	telemetry    *observe.Telemetry
	metrics      *observe.Metrics
	clock        *timing.Clock
	health       *health.Handler

	search        augment.Augmenter
	knowledgeBase augment.Augmenter
	memory        augment.Augmenter
	action        augment.Augmenter

	// memoryStore is set when the memory augmenter was built from config;
	// it receives the facts extracted by MemorizeSession.
	memoryStore *augment.Memory
	memoryTopK  int

	// summariser compacts long session histories; nil without an LLM.
	summariser conversation.Summariser

	// orch is swapped whole when the tuning is reloaded.
	orch     atomic.Pointer[orchestrator.Orchestrator]
	tuneMu   sync.Mutex
	tuning   config.Tuning
	triggers []string

	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	runWG    sync.WaitGroup
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects the database character source.
func WithSource(s catalog.CharacterSource) Option {
	return func(a *App) { a.source = s }
}

// WithIdentity injects the author display-name lookup.
func WithIdentity(l catalog.IdentityLookup) Option {
	return func(a *App) { a.identity = l }
}

// WithSearcher injects the document store instead of building one from the
// embeddings provider.
func WithSearcher(s retrieval.Searcher) Option {
	return func(a *App) { a.searcher = s }
}

// WithInteractions injects the interaction store used for history and
// persistence.
func WithInteractions(s conversation.InteractionStore) Option {
	return func(a *App) { a.interactions = s }
}

// WithMetrics injects the metric instruments. New then skips initialising
// the global OTel SDK and the HTTP server does not serve /metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock injects the latency clock.
func WithClock(c *timing.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithSearch injects the web search augmenter.
func WithSearch(s augment.Augmenter) Option {
	return func(a *App) { a.search = s }
}

// WithKnowledgeBase injects the knowledge-base augmenter.
func WithKnowledgeBase(k augment.Augmenter) Option {
	return func(a *App) { a.knowledgeBase = k }
}

// WithMemory injects the long-term memory augmenter.
func WithMemory(m augment.Augmenter) Option {
	return func(a *App) { a.memory = m }
}

// WithAction injects the delegated-action augmenter.
func WithAction(act augment.Augmenter) Option {
	return func(a *App) { a.action = act }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: telemetry, the database
// pool and its schemas, the repo character load (fatal on any invalid
// definition), document ingestion, augmenters and the orchestrator. The
// first database refresh of the catalog happens when Run starts.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Database ──────────────────────────────────────────────────────
	if err := a.initDatabase(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init database: %w", err)
	}

	// ── 3. Catalog ───────────────────────────────────────────────────────
	defs, err := a.initCatalog(ctx)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 4. Retrieval ─────────────────────────────────────────────────────
	if err := a.initRetrieval(ctx, defs); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init retrieval: %w", err)
	}

	// ── 5. Augmenters ────────────────────────────────────────────────────
	if err := a.initAugmenters(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init augmenters: %w", err)
	}

	// ── 6. Orchestrator ──────────────────────────────────────────────────
	a.triggers = cfg.Augment.Action.TriggerPrefixes
	if providers.LLM != nil {
		a.summariser = conversation.NewLLMSummariser(providers.LLM)
	}
	a.Reconfigure(config.TuningOf(cfg))

	// ── 7. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{health.Catalog(a.registry)}
	if a.pool != nil {
		checkers = append(checkers, health.Database(a.pool))
	}
	a.health = health.New(checkers...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics == nil {
		t, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			return err
		}
		a.telemetry = t
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return t.Shutdown(sctx)
		})
		a.metrics = t.Metrics
	}
	if a.clock == nil {
		a.clock = timing.New(timing.WithRecorder(a.metrics.RecordInterval))
	}
	return nil
}

// initDatabase opens the shared pool and creates the schemas of every store
// that lives in it. Without a DSN the server runs with repo characters only.
func (a *App) initDatabase(ctx context.Context) error {
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		return nil
	}
	pool, err := database.Open(ctx, dsn, int(a.cfg.Database.MaxConns))
	if err != nil {
		return err
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	if a.source == nil {
		src := catalog.NewPostgresSource(pool)
		if err := src.Migrate(ctx); err != nil {
			return err
		}
		a.source = src
	}
	if a.identity == nil && a.cfg.Catalog.UseAuth {
		a.identity = catalog.NewPostgresIdentity(pool)
	}
	if a.interactions == nil {
		store := conversation.NewPostgresInteractions(pool)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.interactions = store
	}
	slog.Info("database connected", "max_conns", a.cfg.Database.MaxConns)
	return nil
}

func (a *App) initCatalog(ctx context.Context) ([]catalog.Definition, error) {
	defs, err := catalog.LoadRepo(a.cfg.Catalog.DefaultDir, a.cfg.Catalog.CommunityDir)
	if err != nil {
		return nil, err
	}

	var lookup catalog.IdentityLookup
	if a.cfg.Catalog.UseAuth {
		lookup = a.identity
	}
	opts := []catalog.Option{
		catalog.WithAuthorCache(catalog.NewAuthorCache(lookup, 0)),
		catalog.WithRefreshInterval(a.cfg.Catalog.RefreshInterval),
		catalog.WithMetrics(a.metrics),
		catalog.WithClock(a.clock),
	}
	if a.source != nil {
		opts = append(opts, catalog.WithSource(a.source))
	}
	reg, err := catalog.NewRegistry(catalog.Characters(defs), opts...)
	if err != nil {
		return nil, err
	}
	a.registry = reg

	repo, _ := reg.Counts()
	a.metrics.SetCatalogCharacters(ctx, repo, 0)
	slog.Info("characters loaded", "repo", repo)
	return defs, nil
}

// documentStore is what ingestion needs from a retrieval backend.
type documentStore interface {
	retrieval.Searcher
	retrieval.Adder
	Reset(ctx context.Context) error
}

// initRetrieval builds the document store and ingests the characters' data
// directories. The database store persists across restarts and is only
// re-ingested on request; the in-process store is filled on every start.
func (a *App) initRetrieval(ctx context.Context, defs []catalog.Definition) error {
	if a.searcher != nil {
		return nil
	}
	emb := a.providers.Embeddings
	if emb == nil {
		slog.Info("no embeddings provider configured, document retrieval disabled")
		return nil
	}

	var (
		store  documentStore
		ingest = true
	)
	if a.pool != nil {
		if err := a.checkDimensions(); err != nil {
			return err
		}
		pg := retrieval.NewPGVectorStore(a.pool, emb)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		store = pg
		ingest = a.cfg.Retrieval.Reindex
	} else {
		store = retrieval.NewMemoryStore(emb)
	}
	a.searcher = store

	if !ingest {
		return nil
	}
	_, err := a.ingest(ctx, store, defs)
	return err
}

// checkDimensions verifies that the embedding columns created in the
// database match the configured embeddings model.
func (a *App) checkDimensions() error {
	want := a.cfg.Database.EmbeddingDimensions
	if got := a.providers.Embeddings.Dimensions(); want > 0 && got != want {
		return fmt.Errorf("database.embedding_dimensions is %d but the embeddings provider produces %d", want, got)
	}
	return nil
}

// ingest clears store and adds the data directory of every definition. A
// character without a data directory is skipped. Read and embedding
// failures abort only when the config asks for a re-index; otherwise the
// character is logged and skipped. It returns the number of chunks added.
func (a *App) ingest(ctx context.Context, store documentStore, defs []catalog.Definition) (int, error) {
	defer a.clock.Measure("retrieval.ingest")()
	if err := store.Reset(ctx); err != nil {
		return 0, err
	}
	sp := retrieval.NewSplitter(a.cfg.Retrieval.ChunkSize, a.cfg.Retrieval.ChunkOverlap)

	total := 0
	for _, d := range defs {
		if _, err := os.Stat(d.DataPath()); errors.Is(err, os.ErrNotExist) {
			continue
		}
		n, err := retrieval.IngestDir(ctx, store, d.Name, d.DataPath(), sp)
		if err != nil {
			if a.cfg.Retrieval.Reindex {
				return total, fmt.Errorf("ingest %q: %w", d.ID, err)
			}
			slog.Warn("document ingestion failed, continuing without", "character_id", d.ID, "err", err)
			continue
		}
		total += n
		slog.Debug("documents ingested", "character_id", d.ID, "chunks", n)
	}
	slog.Info("document ingestion complete", "characters", len(defs), "chunks", total)
	return total, nil
}

func (a *App) initAugmenters(ctx context.Context) error {
	aug := a.cfg.Augment

	if a.search == nil {
		a.search = augment.NewSearch(augment.SearchConfig{
			APIKey:   aug.Search.APIKey,
			Endpoint: aug.Search.Endpoint,
		})
	}
	if a.knowledgeBase == nil {
		a.knowledgeBase = augment.NewKnowledgeBase(aug.KnowledgeBase.BaseURL, nil)
	}
	if a.memory == nil && aug.Memory.Enabled && a.pool != nil && a.providers.Embeddings != nil {
		if err := a.checkDimensions(); err != nil {
			return err
		}
		m := augment.NewMemory(a.pool, a.providers.Embeddings, aug.Memory.TopK)
		if err := m.Migrate(ctx); err != nil {
			return err
		}
		a.memory = m
		a.memoryStore = m
		a.memoryTopK = aug.Memory.TopK
	}
	if a.action == nil && aug.Action.Transport != "" {
		var connect augment.Connector
		switch aug.Action.Transport {
		case config.ActionTransportStdio:
			connect = augment.StdioConnector(aug.Action.Command, aug.Action.Env)
		case config.ActionTransportStreamableHTTP:
			connect = augment.HTTPConnector(aug.Action.URL, aug.Action.Token)
		}
		act := augment.NewAction(augment.ActionConfig{Tool: aug.Action.Tool, Connect: connect})
		a.action = act
		a.closers = append(a.closers, act.Close)
	}
	return nil
}

// Reconfigure rebuilds the orchestrator with new per-turn tuning. Turns
// already running finish with the previous settings.
func (a *App) Reconfigure(t config.Tuning) {
	a.tuneMu.Lock()
	defer a.tuneMu.Unlock()

	if a.memoryStore != nil && t.MemoryTopK != a.memoryTopK {
		a.memoryStore = augment.NewMemory(a.pool, a.providers.Embeddings, t.MemoryTopK)
		a.memory = a.memoryStore
		a.memoryTopK = t.MemoryTopK
	}

	opts := []orchestrator.Option{
		orchestrator.WithGeneration(t.Temperature, t.MaxTokens),
		orchestrator.WithAugmentTimeout(t.AugmentTimeout),
		orchestrator.WithClock(a.clock),
		orchestrator.WithMetrics(a.metrics),
	}
	if a.searcher != nil {
		opts = append(opts, orchestrator.WithSearcher(a.searcher, t.TopK))
	}
	if a.search != nil {
		opts = append(opts, orchestrator.WithSearch(a.search))
	}
	if a.knowledgeBase != nil {
		opts = append(opts, orchestrator.WithKnowledgeBase(a.knowledgeBase))
	}
	if a.memory != nil {
		opts = append(opts, orchestrator.WithMemory(a.memory))
	}
	if a.action != nil {
		opts = append(opts, orchestrator.WithAction(a.action, a.triggers...))
	}
	a.orch.Store(orchestrator.New(a.providers.LLM, opts...))
	a.tuning = t
	slog.Debug("orchestrator configured",
		"temperature", t.Temperature,
		"top_k", t.TopK,
		"augment_timeout", t.AugmentTimeout,
	)
}

// turnSettings returns the tuning and memory store current for a new turn.
func (a *App) turnSettings() (config.Tuning, *augment.Memory) {
	a.tuneMu.Lock()
	defer a.tuneMu.Unlock()
	return a.tuning, a.memoryStore
}

// Registry returns the character catalog.
func (a *App) Registry() *catalog.Registry { return a.registry }

// Clock returns the latency clock shared by all turns.
func (a *App) Clock() *timing.Clock { return a.clock }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the HTTP handler: /healthz, /readyz, /metrics and the
// conversation websocket under /ws, wrapped in the request metrics
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.HandleFunc("GET /ws", a.serveConversation)
	mux.HandleFunc("GET /ws/{session_id}", a.serveConversation)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler())
	}
	return observe.Middleware(a.metrics)(mux)
}

// Run starts the catalog refresh loop and the HTTP server and blocks until
// ctx is cancelled. It returns ctx.Err(), or the server error if the
// listener fails.
func (a *App) Run(ctx context.Context) error {
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		a.registry.Run(ctx)
	}()

	errCh := make(chan error, 1)
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		srv := a.server
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	slog.Info("app running", "characters", a.registry.Len(), "listen_addr", a.cfg.Server.ListenAddr)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the refresh loop and the HTTP server, then runs the closers
// in order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned. The latency report is logged last.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.registry.Stop()
		a.runWG.Wait()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		a.clock.Report(slog.Default())
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New acquired before failing.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
