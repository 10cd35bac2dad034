package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newGroup(names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup(names[0], names[0], CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := newGroup("primary", "secondary")
	got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) { return v, nil })
	if err != nil || got != "primary" {
		t.Fatalf("got %q, %v; want primary", got, err)
	}
	if fg.Len() != 2 || fg.Primary() != "primary" {
		t.Errorf("Len/Primary = %d/%q", fg.Len(), fg.Primary())
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	fg := newGroup("primary", "secondary")
	var calls []string
	err := fg.Execute(context.Background(), func(v string) error {
		calls = append(calls, v)
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if fmt.Sprint(calls) != "[primary secondary]" {
		t.Errorf("calls = %v", calls)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newGroup("a", "b")
	err := fg.Execute(context.Background(), func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestFallbackGroup_SingleEntryReturnsErrorUnchanged(t *testing.T) {
	fg := newGroup("only")
	err := fg.Execute(context.Background(), func(string) error { return errTest })
	if err != errTest {
		t.Fatalf("err = %v, want errTest itself", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := newGroup("primary", "secondary")
	ctx := context.Background()
	for range 2 {
		_ = fg.Execute(ctx, func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if fg.Breaker("primary").State() != StateOpen {
		t.Fatalf("primary breaker = %v, want open", fg.Breaker("primary").State())
	}

	primaryCalled := false
	_ = fg.Execute(ctx, func(v string) error {
		if v == "primary" {
			primaryCalled = true
		}
		return nil
	})
	if primaryCalled {
		t.Error("primary called while its breaker is open")
	}
	if fg.Breaker("missing") != nil {
		t.Error("Breaker of unknown entry should be nil")
	}
}

func TestFallbackGroup_StopsWhenContextDone(t *testing.T) {
	fg := newGroup("primary", "secondary")
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := fg.Execute(ctx, func(string) error {
		calls++
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	// Caller cancellation does not count against the provider.
	if fg.breakerFailures("primary") != 0 {
		t.Error("cancellation counted as a provider failure")
	}
}

func TestFallbackGroup_PermanentErrorStopsFailover(t *testing.T) {
	fg := newGroup("primary", "secondary")
	var calls int
	err := fg.Execute(context.Background(), func(string) error {
		calls++
		return Permanent(errTest)
	})
	if err != errTest {
		t.Fatalf("err = %v, want unmarked errTest", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if fg.breakerFailures("primary") != 0 {
		t.Error("permanent error counted as a provider failure")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func (fg *FallbackGroup[T]) breakerFailures(name string) int {
	cb := fg.Breaker(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFail
}
