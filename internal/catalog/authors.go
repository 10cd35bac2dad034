package catalog

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultLookupConcurrency bounds the identity lookups issued by one refresh.
const DefaultLookupConcurrency = 4

// IdentityLookup resolves a user id to a display name.
type IdentityLookup interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// AuthorCache maps author ids to display names for the lifetime of the
// process. Entries are only ever added. With a nil lookup every author is
// [AnonymousAuthor].
type AuthorCache struct {
	lookup IdentityLookup
	limit  int

	mu    sync.RWMutex
	names map[string]string
}

// NewAuthorCache returns an empty cache. lookup may be nil to disable
// identity resolution; limit <= 0 uses [DefaultLookupConcurrency].
func NewAuthorCache(lookup IdentityLookup, limit int) *AuthorCache {
	if limit <= 0 {
		limit = DefaultLookupConcurrency
	}
	return &AuthorCache{
		lookup: lookup,
		limit:  limit,
		names:  make(map[string]string),
	}
}

// Len returns the number of cached authors.
func (c *AuthorCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}

// Resolve returns a display name for every id in ids. Uncached ids are looked
// up concurrently, at most limit at a time. A failed lookup yields
// [AnonymousAuthor] for this call only and is retried next time.
func (c *AuthorCache) Resolve(ctx context.Context, ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	var missing []string

	c.mu.RLock()
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		if id == "" || c.lookup == nil {
			out[id] = AnonymousAuthor
			continue
		}
		if name, ok := c.names[id]; ok {
			out[id] = name
			continue
		}
		out[id] = AnonymousAuthor
		missing = append(missing, id)
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.limit)
	for _, id := range missing {
		g.Go(func() error {
			name, err := c.lookup.DisplayName(ctx, id)
			if err != nil {
				slog.Warn("catalog: author lookup failed", "author_id", id, "err", err)
				return nil
			}
			c.mu.Lock()
			c.names[id] = name
			c.mu.Unlock()

			mu.Lock()
			out[id] = name
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
