package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cohortlabs/meshbus/errs"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c := New("test-bus", cfg)
	t.Cleanup(c.Close)
	return c
}

func TestSetThenGetRoundTripsButNotReferenceIdentical(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	original := map[string]any{"id": "x"}
	c.Set("key", original, time.Minute)

	got, ok := c.Get("key")
	if !ok {
		t.Fatal("Get() miss after Set()")
	}
	gotMap := got.(map[string]any)
	gotMap["id"] = "mutated"
	if original["id"] != "x" {
		t.Error("mutating the returned value affected the stored entry")
	}
}

func TestGetOnExpiredEntryDeletesAndMisses(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	c.Set("key", "v", time.Nanosecond)
	time.Sleep(time.Millisecond)

	if _, ok := c.Get("key"); ok {
		t.Fatal("Get() should miss on an expired entry")
	}
	if c.GetSize() != 0 {
		t.Errorf("GetSize() = %d, want 0 (expired entry must be deleted)", c.GetSize())
	}
}

func TestInvalidateAfterSetLeavesEntryAbsent(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	c.Set("key", "v", time.Minute)
	c.Invalidate("key")

	if _, ok := c.Get("key"); ok {
		t.Error("Get() should miss after Invalidate()")
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, Config{DefaultTTL: time.Minute, MaxSize: 2})
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Get("a") // touch a, making b the LRU candidate
	c.Set("c", 3, 0)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted as least-recently-used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a should survive (recently touched)")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c should survive (just inserted)")
	}
}

func TestInvalidatePatternPrefixWildcard(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	c.Set("user:1", "a", 0)
	c.Set("user:2", "b", 0)
	c.Set("post:1", "c", 0)

	n, err := c.InvalidatePattern("user:*")
	if err != nil {
		t.Fatalf("InvalidatePattern() error = %v", err)
	}
	if n != 2 {
		t.Errorf("InvalidatePattern() removed %d, want 2", n)
	}
	if _, ok := c.Get("post:1"); !ok {
		t.Error("post:1 should still hit")
	}
}

func TestInvalidatePatternExactMatchWithoutWildcard(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	c.Set("user:1", "a", 0)
	c.Set("user:12", "b", 0)

	n, err := c.InvalidatePattern("user:1")
	if err != nil {
		t.Fatalf("InvalidatePattern() error = %v", err)
	}
	if n != 1 {
		t.Errorf("InvalidatePattern() removed %d, want 1 (exact match only)", n)
	}
}

func TestGetStatsHitRate(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	c.Set("key", "v", time.Minute)
	c.Get("key")
	c.Get("key")
	c.Get("missing")

	stats := c.GetStats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("stats = %+v, want 2 hits and 1 miss", stats)
	}
	if stats.HitRate != 0.67 {
		t.Errorf("HitRate = %v, want 0.67", stats.HitRate)
	}
}

func TestHandleRequestCacheFirstInvokesComputeOnceOnly(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	calls := 0
	compute := func(ctx context.Context) (any, error) {
		calls++
		return map[string]any{"v": 1}, nil
	}

	for i := 0; i < 2; i++ {
		if _, err := c.HandleRequest(context.Background(), "k", compute, CacheFirst, time.Minute); err != nil {
			t.Fatalf("HandleRequest() error = %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}
}

func TestHandleRequestNetworkFirstFallsBackToCacheOnFailure(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	c.Set("k", "stale", time.Minute)

	failing := func(ctx context.Context) (any, error) { return nil, errors.New("down") }
	got, err := c.HandleRequest(context.Background(), "k", failing, NetworkFirst, time.Minute)
	if err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	if got != "stale" {
		t.Errorf("got = %v, want stale (cache fallback)", got)
	}
}

func TestHandleRequestCacheOnlyMissIsNotFound(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	_, err := c.HandleRequest(context.Background(), "missing", nil, CacheOnly, 0)
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("HandleRequest(cache-only miss) error = %v, want NotFound", err)
	}
}

func TestHandleRequestStaleWhileRevalidateReturnsStaleImmediately(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	c.Set("k", "stale", time.Minute)

	compute := func(ctx context.Context) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "fresh", nil
	}

	got, err := c.HandleRequest(context.Background(), "k", compute, StaleWhileRevalidate, time.Minute)
	if err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	if got != "stale" {
		t.Errorf("got = %v, want stale (immediate return before revalidation completes)", got)
	}
}

func TestBuildKeyDeterministicAndTopicOnlyWhenNilPayload(t *testing.T) {
	if BuildKey("topic", nil) != "topic" {
		t.Errorf("BuildKey(topic, nil) = %q, want topic", BuildKey("topic", nil))
	}
	a := BuildKey("topic", map[string]any{"id": "x"})
	b := BuildKey("topic", map[string]any{"id": "x"})
	if a != b {
		t.Errorf("BuildKey() not deterministic: %q != %q", a, b)
	}
}

func TestClear(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Clear()
	if c.GetSize() != 0 {
		t.Errorf("GetSize() after Clear() = %d, want 0", c.GetSize())
	}
}
