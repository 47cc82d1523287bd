// Package cache implements the Cache Engine: a bounded TTL+LRU store with
// wildcard pattern invalidation and strategy-driven request handling.
//
// Grounded directly on the teacher's infrastructure/cache/cache.go (TTL
// map, CacheConfig/DefaultConfig, background cleanup ticker), generalized
// with real LRU eviction via hashicorp/golang-lru/v2/simplelru and the
// four request strategies of the Cache Engine.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"

	"github.com/cohortlabs/meshbus/clone"
	"github.com/cohortlabs/meshbus/errs"
	"github.com/cohortlabs/meshbus/internal/metrics"
)

// Strategy selects how HandleRequest interleaves a cache lookup with its
// compute closure.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	CacheOnly            Strategy = "cache-only"
)

// DefaultTTL and DefaultMaxSize mirror the enumerated cache configuration
// defaults; the default strategy is DefaultStrategyValue below.
const (
	DefaultTTL          = 300 * time.Second
	DefaultMaxSize      = 1000
	sweepInterval       = 5 * time.Minute
)

// DefaultStrategyValue is the default request strategy.
const DefaultStrategyValue = CacheFirst

// Config configures a Cache instance.
type Config struct {
	DefaultTTL time.Duration
	MaxSize    int
	Strategy   Strategy
}

// DefaultConfig returns the enumerated defaults from §4.4.
func DefaultConfig() Config {
	return Config{DefaultTTL: DefaultTTL, MaxSize: DefaultMaxSize, Strategy: DefaultStrategyValue}
}

type entry struct {
	value    any
	expiresAt time.Time
}

// ComputeFunc produces a fresh value for HandleRequest when the cache
// cannot (or should not) answer from its current contents.
type ComputeFunc func(ctx context.Context) (any, error)

// Stats reports cumulative cache activity.
type Stats struct {
	Hits          int64
	Misses        int64
	Sets          int64
	Evictions     int64
	Invalidations int64
	Size          int
	HitRate       float64
	MemoryEstimate int64
}

// Cache is the Cache Engine. Construct with New; call Close when the
// owning bus is torn down to stop the background sweep.
type Cache struct {
	bus     string
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu    sync.Mutex
	lru   *simplelru.LRU[string, *entry]

	hits, misses, sets, evictions, invalidations atomic.Int64

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithLogger attaches a logger for background revalidation failures.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cache) { c.log = log }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New constructs a Cache for the named bus and starts its background
// expiry sweep.
func New(bus string, cfg Config, opts ...Option) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Strategy == "" {
		cfg.Strategy = DefaultStrategyValue
	}

	c := &Cache{
		bus:     bus,
		cfg:     cfg,
		log:     logrus.StandardLogger(),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	lru, err := simplelru.NewLRU[string, *entry](cfg.MaxSize, nil)
	if err != nil {
		// cfg.MaxSize is always >0 by this point, so NewLRU cannot fail.
		panic(err)
	}
	c.lru = lru

	go c.runSweep()
	return c
}

// BuildKey computes the default cache key format: "<topic>:<hash>" where
// hash is a stable 32-bit digest of the serialized payload. A nil payload
// yields the topic alone. A payload that cannot be serialized falls back
// to a timestamped key so it still caches, but never collides with a
// serializable payload's key.
func BuildKey(topic string, payload any) string {
	if payload == nil {
		return topic
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%s:ts-%d", topic, time.Now().UnixNano())
	}
	sum := xxhash.Sum64(data)
	return fmt.Sprintf("%s:%08x", topic, uint32(sum))
}

// Get returns a deep copy of the cached value for key, or ok=false if
// absent or expired. An expired entry is deleted on discovery.
func (c *Cache) Get(key string) (value any, ok bool) {
	c.mu.Lock()
	e, found := c.lru.Get(key)
	if found && time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		c.recordEvictionLocked("ttl")
		found = false
	}
	c.mu.Unlock()

	if !found {
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.RecordCacheMiss(c.bus)
		}
		return nil, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.RecordCacheHit(c.bus)
	}
	return clone.Deep(e.value), true
}

// Set stores a deep copy of value under key with the given ttl (or the
// configured default when ttl is zero). Inserting a new key when the
// cache is already at capacity evicts the least-recently-used entry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	e := &entry{value: clone.Deep(value), expiresAt: time.Now().Add(ttl)}

	c.mu.Lock()
	wasNew := !c.lru.Contains(key)
	evicted := c.lru.Add(key, e)
	size := c.lru.Len()
	c.mu.Unlock()

	c.sets.Add(1)
	if evicted && wasNew {
		c.recordEviction("lru")
	}
	if c.metrics != nil {
		c.metrics.SetCacheSize(c.bus, size)
	}
}

// Invalidate removes key, if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	removed := c.lru.Remove(key)
	c.mu.Unlock()
	if removed {
		c.invalidations.Add(1)
	}
}

// InvalidatePattern removes every key matching pattern, where "*" means
// "any run of characters" and the whole pattern is anchored. Returns the
// number of keys removed.
func (c *Cache) InvalidatePattern(pattern string) (int, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return 0, errs.BadRequestf("invalid invalidation pattern %q: %v", pattern, err)
	}

	c.mu.Lock()
	var matched []string
	for _, key := range c.lru.Keys() {
		if re.MatchString(key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.lru.Remove(key)
	}
	c.mu.Unlock()

	if len(matched) > 0 {
		c.invalidations.Add(int64(len(matched)))
	}
	return len(matched), nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(quoted, ".*") + "$")
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// GetSize returns the current number of entries.
func (c *Cache) GetSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// GetStats returns a snapshot of cumulative activity.
func (c *Cache) GetStats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = math.Round(float64(hits)/float64(total)*100) / 100
	}

	c.mu.Lock()
	size := c.lru.Len()
	var memory int64
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok {
			if data, err := json.Marshal(e.value); err == nil {
				memory += int64(len(data))
			}
		}
	}
	c.mu.Unlock()

	return Stats{
		Hits:           hits,
		Misses:         misses,
		Sets:           c.sets.Load(),
		Evictions:      c.evictions.Load(),
		Invalidations:  c.invalidations.Load(),
		Size:           size,
		HitRate:        hitRate,
		MemoryEstimate: memory,
	}
}

// HandleRequest dispatches key through the given strategy, invoking
// compute as needed.
func (c *Cache) HandleRequest(ctx context.Context, key string, compute ComputeFunc, strategy Strategy, ttl time.Duration) (any, error) {
	if strategy == "" {
		strategy = c.cfg.Strategy
	}

	switch strategy {
	case CacheOnly:
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		return nil, errs.NotFoundf("cache-only strategy miss for key %q", key)

	case NetworkFirst:
		v, err := compute(ctx)
		if err == nil {
			c.Set(key, v, ttl)
			return v, nil
		}
		if cached, ok := c.Get(key); ok {
			return cached, nil
		}
		return nil, err

	case StaleWhileRevalidate:
		if v, ok := c.Get(key); ok {
			go c.revalidate(key, compute, ttl)
			return v, nil
		}
		return c.cacheFirstMiss(ctx, key, compute, ttl)

	case CacheFirst:
		fallthrough
	default:
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		return c.cacheFirstMiss(ctx, key, compute, ttl)
	}
}

func (c *Cache) cacheFirstMiss(ctx context.Context, key string, compute ComputeFunc, ttl time.Duration) (any, error) {
	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// revalidate runs compute in the background for stale-while-revalidate.
// Failures are swallowed with a warning log and never surfaced to the
// foreground caller, per the spec's background-revalidation design note.
func (c *Cache) revalidate(key string, compute ComputeFunc, ttl time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{"bus": c.bus, "key": key, "recovered": r}).
				Warn("background cache revalidation panicked")
		}
	}()
	v, err := compute(context.Background())
	if err != nil {
		c.log.WithFields(logrus.Fields{"bus": c.bus, "key": key}).WithError(err).
			Warn("background cache revalidation failed")
		return
	}
	c.Set(key, v, ttl)
}

func (c *Cache) recordEviction(reason string) {
	c.evictions.Add(1)
	if c.metrics != nil {
		c.metrics.RecordCacheEviction(c.bus, reason)
	}
}

// recordEvictionLocked must be called with c.mu held.
func (c *Cache) recordEvictionLocked(reason string) {
	c.evictions.Add(1)
	if c.metrics != nil {
		c.metrics.RecordCacheEviction(c.bus, reason)
	}
}

func (c *Cache) runSweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.closeCh:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	var expired []string
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && now.After(e.expiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.lru.Remove(key)
	}
	c.mu.Unlock()

	for range expired {
		c.recordEviction("ttl")
	}
}

// Close stops the background sweep goroutine. Safe to call more than
// once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}
