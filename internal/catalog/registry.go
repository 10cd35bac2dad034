package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/realchar/internal/observe"
	"github.com/MrWong99/realchar/internal/timing"
)

const (
	// DefaultRefreshInterval is how often database characters are re-read.
	DefaultRefreshInterval = 30 * time.Second

	// DefaultRefreshTimeout bounds a single refresh.
	DefaultRefreshTimeout = 20 * time.Second
)

// CharacterSource lists the database characters.
type CharacterSource interface {
	ListCharacters(ctx context.Context) ([]Row, error)
}

// snapshot is never modified after it is published.
type snapshot struct {
	byID     map[string]Character
	repo     int
	database int
}

// Registry serves characters by id.
//
// Get, List, Len and Counts read the current snapshot without locking.
// Refresh builds a new snapshot from the repo characters plus a fresh read of
// the [CharacterSource] and publishes it with one atomic store, so readers observe
// either the complete old or the complete new database set. Refreshes are
// serialised by a mutex readers never touch.
type Registry struct {
	repo map[string]Character
	snap atomic.Pointer[snapshot]

	source         CharacterSource
	authors        *AuthorCache
	interval       time.Duration
	refreshTimeout time.Duration
	metrics        *observe.Metrics
	clock          *timing.Clock

	refreshMu sync.Mutex

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithSource sets the database character source. Without one the registry
// only serves repo characters and Run returns immediately.
func WithSource(s CharacterSource) Option {
	return func(r *Registry) { r.source = s }
}

// WithAuthorCache sets the author name cache used for database characters.
func WithAuthorCache(c *AuthorCache) Option {
	return func(r *Registry) {
		if c != nil {
			r.authors = c
		}
	}
}

// WithRefreshInterval sets the Run loop period.
func WithRefreshInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRefreshTimeout bounds each refresh started by Run.
func WithRefreshTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.refreshTimeout = d
		}
	}
}

// WithMetrics records refresh outcomes and snapshot sizes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock measures each refresh as the "catalog.refresh" interval.
func WithClock(c *timing.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry returns a Registry seeded with the repo characters. Their
// location is forced to [LocationRepo]. Duplicate ids are an error.
func NewRegistry(repo []Character, opts ...Option) (*Registry, error) {
	r := &Registry{
		repo:           make(map[string]Character, len(repo)),
		authors:        NewAuthorCache(nil, 0),
		interval:       DefaultRefreshInterval,
		refreshTimeout: DefaultRefreshTimeout,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}

	for _, c := range repo {
		if c.ID == "" {
			return nil, fmt.Errorf("%w: empty character id", ErrInvalidDefinition)
		}
		if _, dup := r.repo[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate character_id %q", ErrInvalidDefinition, c.ID)
		}
		c.Location = LocationRepo
		r.repo[c.ID] = c
	}

	byID := make(map[string]Character, len(r.repo))
	for id, c := range r.repo {
		byID[id] = c
	}
	r.snap.Store(&snapshot{byID: byID, repo: len(r.repo)})
	return r, nil
}

// Get returns the character with the given id.
func (r *Registry) Get(id string) (Character, bool) {
	c, ok := r.snap.Load().byID[id]
	return c, ok
}

// List returns all characters sorted by id.
func (r *Registry) List() []Character {
	s := r.snap.Load()
	out := make([]Character, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of characters in the current snapshot.
func (r *Registry) Len() int {
	return len(r.snap.Load().byID)
}

// Counts returns the number of repo and database characters in the current
// snapshot.
func (r *Registry) Counts() (repo, database int) {
	s := r.snap.Load()
	return s.repo, s.database
}

// Refresh replaces the database characters with a fresh read of the source.
// On error the current snapshot stays published. A database row whose id is
// taken by a repo character is skipped.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.source == nil {
		return nil
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	if r.clock != nil {
		defer r.clock.Measure("catalog.refresh")()
	}
	ctx, span := observe.StartSpan(ctx, "catalog.refresh")
	defer span.End()

	rows, err := r.source.ListCharacters(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list characters")
		r.recordRefresh(ctx, "error")
		return fmt.Errorf("catalog: refresh: %w", err)
	}

	authorIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		authorIDs = append(authorIDs, row.AuthorID)
	}
	names := r.authors.Resolve(ctx, authorIDs)

	byID := make(map[string]Character, len(r.repo)+len(rows))
	for id, c := range r.repo {
		byID[id] = c
	}
	database := 0
	for _, row := range rows {
		if _, taken := byID[row.ID]; taken {
			slog.Warn("catalog: database character id already in use, skipping", "character_id", row.ID)
			continue
		}
		byID[row.ID] = row.character(names[row.AuthorID])
		database++
	}

	r.snap.Store(&snapshot{byID: byID, repo: len(r.repo), database: database})

	span.SetAttributes(attribute.Int("catalog.database", database))
	r.recordRefresh(ctx, "ok")
	if r.metrics != nil {
		r.metrics.SetCatalogCharacters(ctx, len(r.repo), database)
	}
	slog.Debug("catalog: refreshed", "repo", len(r.repo), "database", database)
	return nil
}

func (r *Registry) recordRefresh(ctx context.Context, status string) {
	if r.metrics != nil {
		r.metrics.RecordCatalogRefresh(ctx, status)
	}
}

// Run refreshes immediately and then once per interval until ctx is done or
// Stop is called. A refresh in progress is not interrupted by either: it runs
// detached from ctx, bounded by the refresh timeout. Run blocks; call it at
// most once.
func (r *Registry) Run(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		slog.Warn("catalog: refresh loop already running")
		return
	}
	defer close(r.done)

	if r.source == nil {
		return
	}

	if r.stopping(ctx) {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.refreshDetached(ctx)

		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
		}
		// A tick and the stop signal may be ready together; stop wins.
		if r.stopping(ctx) {
			return
		}
	}
}

func (r *Registry) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *Registry) refreshDetached(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.refreshTimeout)
	defer cancel()
	if err := r.Refresh(rctx); err != nil {
		slog.Warn("catalog: refresh failed, keeping previous characters", "err", err)
	}
}

// Stop ends the Run loop and waits for it to exit. It is safe to call more
// than once and before Run.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
	}
}
