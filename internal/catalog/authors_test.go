package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeIdentity struct {
	mu       sync.Mutex
	names    map[string]string
	failures map[string]bool
	calls    map[string]int

	inFlight, maxInFlight atomic.Int32
}

func (f *fakeIdentity) DisplayName(_ context.Context, id string) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[id]++
	if f.failures[id] {
		return "", errors.New("identity service unavailable")
	}
	return f.names[id], nil
}

func TestAuthorCache_NilLookup(t *testing.T) {
	t.Parallel()
	c := NewAuthorCache(nil, 0)
	got := c.Resolve(context.Background(), []string{"u1", "", "u1"})
	if got["u1"] != AnonymousAuthor || got[""] != AnonymousAuthor {
		t.Errorf("Resolve = %v", got)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestAuthorCache_CachesSuccessOnly(t *testing.T) {
	t.Parallel()
	id := &fakeIdentity{
		names:    map[string]string{"u1": "Jane", "u2": "Bob"},
		failures: map[string]bool{"u2": true},
	}
	c := NewAuthorCache(id, 2)
	ctx := context.Background()

	got := c.Resolve(ctx, []string{"u1", "u2", "u1"})
	if got["u1"] != "Jane" {
		t.Errorf("u1 = %q, want Jane", got["u1"])
	}
	if got["u2"] != AnonymousAuthor {
		t.Errorf("u2 = %q, want placeholder after failure", got["u2"])
	}

	id.mu.Lock()
	id.failures = nil
	id.mu.Unlock()

	got = c.Resolve(ctx, []string{"u1", "u2"})
	if got["u2"] != "Bob" {
		t.Errorf("u2 = %q, want Bob on retry", got["u2"])
	}

	id.mu.Lock()
	defer id.mu.Unlock()
	if id.calls["u1"] != 1 {
		t.Errorf("u1 looked up %d times, want 1", id.calls["u1"])
	}
	if id.calls["u2"] != 2 {
		t.Errorf("u2 looked up %d times, want 2", id.calls["u2"])
	}
}

func TestAuthorCache_BoundsConcurrency(t *testing.T) {
	t.Parallel()
	names := map[string]string{}
	var ids []string
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		names[id] = "name-" + id
		ids = append(ids, id)
	}
	id := &fakeIdentity{names: names}
	c := NewAuthorCache(id, 3)

	got := c.Resolve(context.Background(), ids)
	if len(got) != len(ids) {
		t.Fatalf("resolved %d, want %d", len(got), len(ids))
	}
	if m := id.maxInFlight.Load(); m > 3 {
		t.Errorf("max concurrent lookups = %d, want <= 3", m)
	}
	if c.Len() != len(ids) {
		t.Errorf("Len = %d, want %d", c.Len(), len(ids))
	}
}

func TestRegistry_ResolvesAuthors(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	src.set([]Row{{ID: "d1", Name: "x", AuthorID: "u1"}}, nil)
	r, _ := NewRegistry(nil,
		WithSource(src),
		WithAuthorCache(NewAuthorCache(&fakeIdentity{names: map[string]string{"u1": "Jane"}}, 0)),
	)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	c, _ := r.Get("d1")
	if c.AuthorName != "Jane" {
		t.Errorf("AuthorName = %q, want Jane", c.AuthorName)
	}
}
