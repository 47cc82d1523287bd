// Package registry implements the Bus Registry: a process-wide directory
// keyed by bus name, so independently-loaded components that ask for the
// same name obtain the same instance.
//
// Grounded on the teacher's global-singleton pattern
// (infrastructure/metrics/metrics.go Init/Global: a mutex-guarded package
// variable with a double-checked nil read, no busy loop), generalized
// from one fixed global to a name-keyed map. This is the Go rendering of
// spec.md's "ambient global object" discovery mechanism, which spec.md
// itself allows falling back to a module-scope map when no ambient
// global is available — the case Go is always in.
package registry

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cohortlabs/meshbus/errs"
)

// Instance is the minimal surface a bus instance must expose to be
// tracked by the registry.
type Instance interface {
	Name() string
	Destroy()
	Destroyed() bool
}

// StatsProvider is an optional extension Instance implementations may
// satisfy to participate in GetAllStats.
type StatsProvider interface {
	Stats() any
}

type wrapped struct {
	name  string
	inner Instance
	once  sync.Once
}

func (w *wrapped) Name() string    { return w.name }
func (w *wrapped) Destroyed() bool { return w.inner.Destroyed() }
func (w *wrapped) Stats() any {
	if sp, ok := w.inner.(StatsProvider); ok {
		return sp.Stats()
	}
	return nil
}

// Unwrap returns the concrete instance a factory built, letting a caller
// that knows its own concrete type recover it from the Instance the
// registry hands back.
func (w *wrapped) Unwrap() Instance { return w.inner }

// Destroy tears down the wrapped instance and removes it from the
// registry, so registry cleanup happens automatically on teardown rather
// than requiring a separate Remove call.
func (w *wrapped) Destroy() {
	w.once.Do(func() {
		w.inner.Destroy()
		removeIfCurrent(w.name, w)
	})
}

var (
	mu     sync.Mutex
	byName map[string]*wrapped
	log    logrus.FieldLogger = logrus.StandardLogger()
)

func ensureInit() {
	if byName == nil {
		byName = make(map[string]*wrapped)
	}
}

// Create returns the existing, non-destroyed instance registered under
// name, or else calls factory to build one and registers it. A
// previously-destroyed entry under the same name is purged first. A
// warning is logged when an existing live instance is returned instead
// of a freshly built one, since the caller's factory (and any config it
// closed over) is silently discarded in that case.
func Create(name string, factory func() Instance) (Instance, error) {
	if name == "" {
		return nil, errs.BadRequestf("bus registry: name must not be empty")
	}

	mu.Lock()
	defer mu.Unlock()
	ensureInit()

	if existing, ok := byName[name]; ok {
		if !existing.Destroyed() {
			log.WithField("bus", name).Warn("bus registry: returning existing instance for a name already in use")
			return existing, nil
		}
		delete(byName, name)
	}

	inst := factory()
	if inst == nil {
		return nil, errs.Internalf("bus registry: factory for %q returned nil", name)
	}
	w := &wrapped{name: name, inner: inst}
	byName[name] = w
	return w, nil
}

// Unwrap recovers the concrete instance a factory built from the Instance
// Create or Get returned, peeling off the registry's own wrapper. Passing
// an Instance this package did not hand out returns it unchanged.
func Unwrap(i Instance) Instance {
	if w, ok := i.(*wrapped); ok {
		return w.inner
	}
	return i
}

// Get returns the instance registered under name, if any.
func Get(name string) (Instance, bool) {
	mu.Lock()
	defer mu.Unlock()
	ensureInit()
	w, ok := byName[name]
	return w, ok
}

// Has reports whether name is currently registered.
func Has(name string) bool {
	_, ok := Get(name)
	return ok
}

// Remove destroys and unregisters the instance under name, if present.
// Safe to call on an unknown name (a no-op).
func Remove(name string) {
	mu.Lock()
	w, ok := byName[name]
	mu.Unlock()
	if ok {
		w.Destroy()
	}
}

// removeIfCurrent deletes name from the registry only if its current
// entry is exactly w, so a stale wrapper's delayed Destroy() cannot evict
// a newer instance created under the same name after it was removed.
func removeIfCurrent(name string, w *wrapped) {
	mu.Lock()
	defer mu.Unlock()
	if current, ok := byName[name]; ok && current == w {
		delete(byName, name)
	}
}

// GetAll returns a snapshot of every currently registered instance.
func GetAll() map[string]Instance {
	mu.Lock()
	defer mu.Unlock()
	ensureInit()
	out := make(map[string]Instance, len(byName))
	for name, w := range byName {
		out[name] = w
	}
	return out
}

// GetAllStats returns Stats() for every registered instance that
// implements StatsProvider; instances that don't are omitted.
func GetAllStats() map[string]any {
	mu.Lock()
	defer mu.Unlock()
	ensureInit()
	out := make(map[string]any, len(byName))
	for name, w := range byName {
		if s := w.Stats(); s != nil {
			out[name] = s
		}
	}
	return out
}

// Cleanup purges entries whose instance has already been destroyed
// through some path other than the registry's own Destroy wrapper (e.g.
// a caller holding a direct reference to the underlying instance).
func Cleanup() int {
	mu.Lock()
	defer mu.Unlock()
	ensureInit()
	removed := 0
	for name, w := range byName {
		if w.Destroyed() {
			delete(byName, name)
			removed++
		}
	}
	return removed
}

// Clear destroys and unregisters every tracked instance. Intended mainly
// for test teardown between cases that each plant bus names into the
// shared process-wide registry.
func Clear() {
	mu.Lock()
	snapshot := make([]*wrapped, 0, len(byName))
	for _, w := range byName {
		snapshot = append(snapshot, w)
	}
	mu.Unlock()

	for _, w := range snapshot {
		w.Destroy()
	}
}
