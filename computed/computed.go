// Package computed implements Computed/Derived State: cells that
// auto-track the shared-state cells they read during evaluation and
// recompute reactively when any tracked dependency changes.
//
// Per the spec's explicit design note against hot monkey-patching a
// dependency tracker, dependency discovery here uses an explicit *Scope*
// value threaded into the compute function — not ambient goroutine-local
// state. A shared-state read only counts as a dependency when it goes
// through Scope.Get.
package computed

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cohortlabs/meshbus/clone"
	"github.com/cohortlabs/meshbus/errs"
	"github.com/cohortlabs/meshbus/kernel"
	"github.com/cohortlabs/meshbus/state"
)

// trackedCell is anything a Scope can read and subscribe to: the surface
// of state.Cell actually used during dependency tracking.
type trackedCell interface {
	Get(ctx context.Context) (any, error)
	Subscribe(cb func(any)) kernel.Unsubscribe
}

// Scope is installed for the duration of one computation. Any cell read
// through Scope.Get is recorded as a dependency of that computation.
type Scope struct {
	ctx     context.Context
	mu      sync.Mutex
	read    []trackedCell
	seen    map[trackedCell]bool
}

func newScope(ctx context.Context) *Scope {
	return &Scope{ctx: ctx, seen: make(map[trackedCell]bool)}
}

// Get reads cell's current value and records cell as a dependency of the
// computation this scope belongs to.
func (s *Scope) Get(cell *state.Cell) (any, error) {
	v, err := cell.Get(s.ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if !s.seen[cell] {
		s.seen[cell] = true
		s.read = append(s.read, cell)
	}
	s.mu.Unlock()
	return v, nil
}

func (s *Scope) dependencies() []trackedCell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trackedCell(nil), s.read...)
}

// Func computes a derived value, reading its dependencies exclusively
// through scope.
type Func func(scope *Scope) (any, error)

// Cell is a derived/computed value.
type Cell struct {
	fn  Func
	log logrus.FieldLogger

	mu           sync.Mutex
	value        any
	stale        bool
	computing    bool
	deps         map[trackedCell]kernel.Unsubscribe
	subscribers  map[uint64]func(any)
	nextSubID    uint64
	destroyed    bool
	computations uint64

	debounce      time.Duration
	debounceTimer *time.Timer
}

// Option configures a computed Cell at construction time.
type Option func(*Cell)

// WithLogger attaches a logger for recompute failures.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cell) { c.log = log }
}

// defaultDebounce is the microtask-scale deferral spec.md calls for: short
// enough that a burst of synchronous upstream Set calls coalesces into one
// recompute, long enough to not fire mid-burst.
const defaultDebounce = time.Millisecond

// WithDebounce overrides the coalescing window applied once subscribers
// exist. The default is a microtask-scale deferral; a longer window
// batches bursts of upstream changes more aggressively at the cost of
// subscriber latency.
func WithDebounce(d time.Duration) Option {
	return func(c *Cell) { c.debounce = d }
}

// New constructs a Cell, running fn once under a fresh tracking scope to
// discover its initial dependency set and subscribe to each.
func New(fn Func, opts ...Option) (*Cell, error) {
	c := &Cell{
		fn:          fn,
		log:         logrus.StandardLogger(),
		deps:        make(map[trackedCell]kernel.Unsubscribe),
		subscribers: make(map[uint64]func(any)),
		debounce:    defaultDebounce,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.recompute(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cell) checkAlive() error {
	if c.destroyed {
		return errs.Gonef("computed cell is destroyed")
	}
	return nil
}

// Get returns the cached value if not stale, or recomputes first. Recompute
// is re-entrancy guarded: a recompute triggered from within its own
// evaluation (directly or transitively) fails with an Internal
// "circular dependency" error instead of deadlocking.
func (c *Cell) Get(ctx context.Context) (any, error) {
	c.mu.Lock()
	if err := c.checkAlive(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	stale := c.stale
	c.mu.Unlock()

	if stale {
		if err := c.recompute(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return clone.Deep(c.value), nil
}

// Refresh explicitly invalidates the cache and re-reads, the first-class
// force-recompute hook the spec's own debounce helper left unwired.
func (c *Cell) Refresh(ctx context.Context) (any, error) {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
	return c.Get(ctx)
}

func (c *Cell) recompute(ctx context.Context) error {
	c.mu.Lock()
	if c.computing {
		c.mu.Unlock()
		return errs.Internalf("circular dependency: computed cell re-entered during its own evaluation")
	}
	c.computing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.computing = false
		c.mu.Unlock()
	}()

	scope := newScope(ctx)
	newValue, err := c.fn(scope)
	if err != nil {
		return errs.FromError(err)
	}

	c.rewireDependencies(scope.dependencies())

	c.mu.Lock()
	oldValue := c.value
	c.value = newValue
	c.stale = false
	c.computations++
	changed := !clone.Equal(oldValue, newValue)
	notify := c.snapshotSubscribersLocked()
	c.mu.Unlock()

	if changed {
		for _, cb := range notify {
			c.safeInvoke(cb, newValue)
		}
	}
	return nil
}

// rewireDependencies unsubscribes from dependencies no longer read and
// subscribes to newly discovered ones, diffing against the previous
// dependency set.
func (c *Cell) rewireDependencies(fresh []trackedCell) {
	freshSet := make(map[trackedCell]bool, len(fresh))
	for _, dep := range fresh {
		freshSet[dep] = true
	}

	c.mu.Lock()
	toRemove := make([]trackedCell, 0)
	for dep := range c.deps {
		if !freshSet[dep] {
			toRemove = append(toRemove, dep)
		}
	}
	toAdd := make([]trackedCell, 0)
	for _, dep := range fresh {
		if _, ok := c.deps[dep]; !ok {
			toAdd = append(toAdd, dep)
		}
	}
	c.mu.Unlock()

	for _, dep := range toRemove {
		c.mu.Lock()
		unsub := c.deps[dep]
		delete(c.deps, dep)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}
	for _, dep := range toAdd {
		unsub := dep.Subscribe(func(any) { c.markStale() })
		c.mu.Lock()
		c.deps[dep] = unsub
		c.mu.Unlock()
	}
}

// markStale invalidates the cache. Invalidation is O(1) and idempotent.
// If subscribers exist, a debounced recompute is scheduled so a burst of
// upstream changes collapses into one recompute; otherwise recompute is
// deferred to the next Get.
func (c *Cell) markStale() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.stale = true
	hasSubscribers := len(c.subscribers) > 0
	debounce := c.debounce
	c.mu.Unlock()

	if !hasSubscribers || debounce <= 0 {
		return
	}

	c.mu.Lock()
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(debounce, func() {
		c.mu.Lock()
		stillStale := c.stale
		c.mu.Unlock()
		if !stillStale {
			return
		}
		if err := c.recompute(context.Background()); err != nil {
			c.log.WithError(err).Warn("debounced computed recompute failed")
		}
	})
	c.mu.Unlock()
}

// Subscribe appends cb to the subscriber set, invoked whenever a
// recompute produces a structurally different value. Returns an
// idempotent unsubscribe.
func (c *Cell) Subscribe(cb func(any)) kernel.Unsubscribe {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = cb
	c.mu.Unlock()

	var fired bool
	var mu sync.Mutex
	return func() {
		mu.Lock()
		defer mu.Unlock()
		if fired {
			return
		}
		fired = true
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (c *Cell) snapshotSubscribersLocked() []func(any) {
	out := make([]func(any), 0, len(c.subscribers))
	for _, cb := range c.subscribers {
		out = append(out, cb)
	}
	return out
}

func (c *Cell) safeInvoke(cb func(any), value any) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("recovered", r).Warn("computed subscriber panicked")
		}
	}()
	cb(clone.Deep(value))
}

// ComputationCount returns the number of successful recomputes performed
// so far, exposed mainly for tests.
func (c *Cell) ComputationCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.computations
}

// Destroy unsubscribes from every tracked dependency and clears the
// subscriber set and cache. Safe to call more than once.
func (c *Cell) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	deps := c.deps
	c.deps = nil
	c.subscribers = make(map[uint64]func(any))
	c.value = nil
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.mu.Unlock()

	for _, unsub := range deps {
		if unsub != nil {
			unsub()
		}
	}
}
