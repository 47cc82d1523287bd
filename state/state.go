// Package state implements the Shared State Registry and Shared Cell:
// named reactive values broadcast across co-resident holders via the
// Event Kernel, with sequence-based conflict resolution.
//
// Grounded on the teacher's infrastructure/state/state.go (mutex-guarded
// map of entries, change-hook list, key-prefix convention), generalized
// from a persistence-backed store (no persistence backend here — a
// non-goal) to kernel-broadcast reactive cells.
package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cohortlabs/meshbus/clone"
	"github.com/cohortlabs/meshbus/errs"
	"github.com/cohortlabs/meshbus/internal/metrics"
	"github.com/cohortlabs/meshbus/kernel"
)

type visitingKey struct{}

// withVisiting pushes key onto the per-call-chain visiting stack carried
// in ctx, returning an error if key is already present (a cycle). This is
// the Go rendering of the spec's "per-thread stack" cycle detector: Go has
// no ambient thread-local storage, so the stack travels explicitly via
// context.Context instead.
func withVisiting(ctx context.Context, key string) (context.Context, error) {
	visiting, _ := ctx.Value(visitingKey{}).([]string)
	for _, k := range visiting {
		if k == key {
			return ctx, errs.BadRequestf("circular dependency detected while accessing state key %q", key).WithDetails("key", key)
		}
	}
	next := make([]string, len(visiting)+1)
	copy(next, visiting)
	next[len(visiting)] = key
	return context.WithValue(ctx, visitingKey{}, next), nil
}

// Cell is a named reactive value broadcast over the Event Kernel.
type Cell struct {
	key          string
	k            *kernel.Kernel
	log          logrus.FieldLogger
	metrics      *metrics.Metrics
	bus          string
	changedTopic string

	mu                    sync.Mutex
	value                 any
	localSeq              uint64
	lastAcceptedRemoteSeq uint64
	subscribers           map[uint64]func(any)
	nextSubID             uint64
	suppressEcho          bool
	destroyed             bool

	unsubChanged kernel.Unsubscribe
}

// NewCell constructs a standalone cell bound to k, broadcasting under the
// reserved `state:<key>:*` topics. Most callers go through a Registry
// instead, which tracks cells by key so at most one exists per key.
func NewCell(bus string, k *kernel.Kernel, key string, initial any, opts ...Option) *Cell {
	c := &Cell{
		key:          key,
		k:            k,
		bus:          bus,
		log:          logrus.StandardLogger(),
		changedTopic: fmt.Sprintf("state:%s:changed", key),
		value:        clone.Deep(initial),
		subscribers:  make(map[uint64]func(any)),
	}
	for _, opt := range opts {
		opt(c)
	}

	unsub, err := k.On(c.changedTopic, c.onRemoteChanged)
	if err == nil {
		c.unsubChanged = unsub
	}
	return c
}

// Option configures a Cell at construction time.
type Option func(*Cell)

// WithLogger attaches a logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cell) { c.log = log }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cell) { c.metrics = m }
}

// Key returns the cell's key.
func (c *Cell) Key() string { return c.key }

func (c *Cell) checkAlive() error {
	if c.destroyed {
		return errs.Gonef("state cell %q is destroyed", c.key).WithDetails("key", c.key)
	}
	return nil
}

// Get returns a deep copy of the current value.
func (c *Cell) Get(ctx context.Context) (any, error) {
	if _, err := withVisiting(ctx, c.key); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	return clone.Deep(c.value), nil
}

// Set stores a deep copy of newValue if it differs structurally from the
// current value. On change: the local sequence advances, local
// subscribers are notified, and a `state:<key>:changed` event is emitted
// on the kernel for cross-holder convergence. No-ops (no sequence
// advance, no notification) when newValue is structurally equal to the
// current value.
func (c *Cell) Set(ctx context.Context, newValue any) error {
	if _, err := withVisiting(ctx, c.key); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.checkAlive(); err != nil {
		c.mu.Unlock()
		return err
	}
	if clone.Equal(c.value, newValue) {
		c.mu.Unlock()
		return nil
	}
	c.localSeq++
	seq := c.localSeq
	c.value = clone.Deep(newValue)
	c.suppressEcho = true
	notify := c.snapshotSubscribersLocked()
	c.mu.Unlock()

	c.fanOut(notify, c.value)

	if c.metrics != nil {
		c.metrics.RecordStateUpdate(c.bus, c.key)
	}
	if err := c.k.Emit(c.changedTopic, map[string]any{
		"value":     newValue,
		"sequence":  seq,
		"timestamp": time.Now().UnixMilli(),
		"source":    "local",
	}); err != nil {
		c.log.WithFields(logrus.Fields{"key": c.key}).WithError(err).Warn("failed to broadcast state change")
	}
	return nil
}

// UpdateFunc computes the next value from the current one. ctx carries
// the reentrancy stack so nested cell access from within fn is still
// cycle-checked.
type UpdateFunc func(ctx context.Context, current any) (any, error)

// Update performs a read-modify-write using the same structural-diff
// guard as Set.
func (c *Cell) Update(ctx context.Context, fn UpdateFunc) error {
	next, err := withVisiting(ctx, c.key)
	if err != nil {
		return err
	}
	current, err := c.Get(ctx)
	if err != nil {
		return err
	}
	newValue, err := fn(next, current)
	if err != nil {
		return errs.FromError(err).WithDetails("key", c.key)
	}
	return c.Set(ctx, newValue)
}

// Subscribe appends cb to the subscriber set and returns an idempotent
// unsubscribe thunk.
func (c *Cell) Subscribe(cb func(any)) kernel.Unsubscribe {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = cb
	c.mu.Unlock()

	var fired atomic.Bool
	return func() {
		if fired.CompareAndSwap(false, true) {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		}
	}
}

func (c *Cell) snapshotSubscribersLocked() []func(any) {
	out := make([]func(any), 0, len(c.subscribers))
	for _, cb := range c.subscribers {
		out = append(out, cb)
	}
	return out
}

func (c *Cell) fanOut(subs []func(any), value any) {
	for _, cb := range subs {
		c.safeInvoke(cb, clone.Deep(value))
	}
}

func (c *Cell) safeInvoke(cb func(any), value any) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{"key": c.key, "recovered": r}).Warn("state subscriber panicked")
		}
	}()
	cb(value)
}

// onRemoteChanged handles a `state:<key>:changed` kernel event, including
// the synchronous echo of this cell's own Set call.
func (c *Cell) onRemoteChanged(payload any) {
	c.mu.Lock()
	if c.suppressEcho {
		c.suppressEcho = false
		c.mu.Unlock()
		return
	}
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	m, ok := payload.(map[string]any)
	if !ok {
		c.mu.Unlock()
		return
	}
	seq := sequenceOf(m["sequence"])
	if seq <= c.lastAcceptedRemoteSeq {
		c.mu.Unlock()
		return
	}
	c.lastAcceptedRemoteSeq = seq

	newValue := m["value"]
	if clone.Equal(c.value, newValue) {
		c.mu.Unlock()
		return
	}
	c.value = clone.Deep(newValue)
	notify := c.snapshotSubscribersLocked()
	value := c.value
	c.mu.Unlock()

	c.fanOut(notify, value)
}

func sequenceOf(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int:
		return uint64(n)
	case float64:
		return uint64(n)
	default:
		return 0
	}
}

// Destroy unsubscribes from the kernel, clears the value and subscriber
// set, and notifies subscribers with a nil sentinel. Safe to call more
// than once.
func (c *Cell) Destroy() {
	c.destroy("destroyed")
}

func (c *Cell) destroy(reason string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	notify := c.snapshotSubscribersLocked()
	c.subscribers = make(map[uint64]func(any))
	c.value = nil
	c.mu.Unlock()

	if c.unsubChanged != nil {
		c.unsubChanged()
	}
	c.fanOut(notify, nil)
	c.k.Emit(fmt.Sprintf("state:%s:%s", c.key, reason), nil)
}

// Registry is the Shared State Registry: a name-keyed directory of cells
// for one bus instance.
type Registry struct {
	bus     string
	k       *kernel.Kernel
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	cells map[string]*Cell
}

// NewRegistry constructs an empty Registry for the given bus's kernel.
func NewRegistry(bus string, k *kernel.Kernel, opts ...RegistryOption) *Registry {
	r := &Registry{bus: bus, k: k, log: logrus.StandardLogger(), cells: make(map[string]*Cell)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegistryOption configures a Registry at construction time.
type RegistryOption func(*Registry)

// WithRegistryLogger attaches a logger.
func WithRegistryLogger(log logrus.FieldLogger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithRegistryMetrics attaches a metrics collector.
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// CreateState returns the cell for key, creating it with initial if it
// does not already exist. At most one cell exists per key: a second call
// with a different initial value on an existing key is a no-op with
// respect to the existing value.
func (r *Registry) CreateState(key string, initial any) *Cell {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cells[key]; ok {
		return c
	}
	c := NewCell(r.bus, r.k, key, initial, WithLogger(r.log), WithMetrics(r.metrics))
	r.cells[key] = c
	if r.metrics != nil {
		r.metrics.SetStateCells(r.bus, len(r.cells))
	}
	return c
}

// GetState returns the cell for key, if it exists.
func (r *Registry) GetState(key string) (*Cell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cells[key]
	return c, ok
}

// GetStateValue is a shortcut for GetState(key) followed by Cell.Get.
func (r *Registry) GetStateValue(ctx context.Context, key string) (any, bool, error) {
	c, ok := r.GetState(key)
	if !ok {
		return nil, false, nil
	}
	v, err := c.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// SetState creates the cell for key if it is unknown, then sets its
// value.
func (r *Registry) SetState(ctx context.Context, key string, value any) error {
	c := r.CreateState(key, nil)
	return c.Set(ctx, value)
}

// RemoveState destroys the cell for key, if present, and emits
// `state:<key>:removed` instead of the generic `:destroyed` topic Destroy
// uses on its own, so observers can distinguish explicit removal from
// teardown.
func (r *Registry) RemoveState(key string) {
	r.mu.Lock()
	c, ok := r.cells[key]
	if ok {
		delete(r.cells, key)
	}
	count := len(r.cells)
	r.mu.Unlock()

	if !ok {
		return
	}
	if r.metrics != nil {
		r.metrics.SetStateCells(r.bus, count)
	}
	c.destroy("removed")
}

// Keys returns every currently tracked key.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.cells))
	for k := range r.cells {
		keys = append(keys, k)
	}
	return keys
}

// Destroy tears down every cell the registry tracks.
func (r *Registry) Destroy() {
	r.mu.Lock()
	cells := r.cells
	r.cells = make(map[string]*Cell)
	r.mu.Unlock()

	for _, c := range cells {
		c.Destroy()
	}
}
