// Package bus composes the Event Kernel, Interceptor Pipeline, Responder
// Middleware Chain, Cache Engine, Request/Response Engine, Shared State
// Registry, and Computed State into one addressable instance, and
// registers it with the process-wide Bus Registry.
//
// Grounded on the teacher's top-level service wiring (cmd/server's
// construct-in-order/teardown-in-reverse-order composition of its
// infrastructure singletons), generalized from an HTTP server's
// dependency graph to a bus instance's subsystem graph.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cohortlabs/meshbus/cache"
	"github.com/cohortlabs/meshbus/computed"
	"github.com/cohortlabs/meshbus/errs"
	"github.com/cohortlabs/meshbus/interceptor"
	"github.com/cohortlabs/meshbus/internal/logging"
	"github.com/cohortlabs/meshbus/internal/metrics"
	"github.com/cohortlabs/meshbus/kernel"
	"github.com/cohortlabs/meshbus/middleware"
	"github.com/cohortlabs/meshbus/registry"
	"github.com/cohortlabs/meshbus/request"
	"github.com/cohortlabs/meshbus/state"
)

// cacheRoute adapts *cache.Cache to request.CacheRoute: BuildKey is a
// package-level function on cache (not a method), and cache.Strategy is a
// distinct string type from request's plain string, so *cache.Cache does
// not satisfy request.CacheRoute without this shim.
type cacheRoute struct {
	c *cache.Cache
}

func (r cacheRoute) HandleRequest(ctx context.Context, key string, compute func(context.Context) (any, error), strategy string, ttl time.Duration) (any, error) {
	return r.c.HandleRequest(ctx, key, compute, cache.Strategy(strategy), ttl)
}

func (r cacheRoute) BuildKey(topic string, payload any) string {
	return cache.BuildKey(topic, payload)
}

// Config configures a Bus at construction time.
type Config struct {
	Debug bool
	Cache cache.Config
}

// DefaultConfig returns the enumerated bus-level defaults.
func DefaultConfig() Config {
	return Config{Cache: cache.DefaultConfig()}
}

// Bus is one meshbus instance: the Event Kernel plus every subsystem
// layered on top of it, addressable by name through the Bus Registry.
type Bus struct {
	name string
	id   uuid.UUID
	log  logrus.FieldLogger
	cfg  Config

	Kernel      *kernel.Kernel
	Interceptor *interceptor.Pipeline
	Cache       *cache.Cache
	Requests    *request.Engine
	State       *state.Registry

	mu        sync.Mutex
	computed  map[string]*computed.Cell
	responder map[string]*middleware.Chain
	destroyed bool
}

// Option configures a Bus at construction time.
type Option func(*options)

type options struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// WithConfig overrides the default bus/cache configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger attaches a logger shared by every subsystem of the bus.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics attaches a metrics collector shared by every subsystem of
// the bus that records one.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New constructs a Bus named name and registers it with the process-wide
// registry. Construction order mirrors teardown order in reverse: Kernel
// first (everything else depends on it), then the independent subsystems
// layered on top, then the Request Engine last since it is the only
// subsystem that depends on another (the cache, when configured).
func New(name string, opts ...Option) (*Bus, error) {
	o := &options{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logging.NewFromEnv(name).Logger
	}
	if o.metrics == nil && metrics.Enabled() {
		o.metrics = metrics.Init(name)
	}
	log := o.log.WithField("bus", name)

	inst, err := registry.Create(name, func() registry.Instance {
		b := &Bus{
			name:      name,
			id:        uuid.New(),
			log:       log,
			cfg:       o.cfg,
			computed:  make(map[string]*computed.Cell),
			responder: make(map[string]*middleware.Chain),
		}

		kernelOpts := []kernel.Option{kernel.WithLogger(log)}
		if o.metrics != nil {
			kernelOpts = append(kernelOpts, kernel.WithMetrics(o.metrics))
		}
		b.Kernel = kernel.New(name, kernelOpts...)

		b.Interceptor = interceptor.New()

		cacheOpts := []cache.Option{cache.WithLogger(log)}
		if o.metrics != nil {
			cacheOpts = append(cacheOpts, cache.WithMetrics(o.metrics))
		}
		b.Cache = cache.New(name, o.cfg.Cache, cacheOpts...)

		stateOpts := []state.RegistryOption{state.WithRegistryLogger(log)}
		if o.metrics != nil {
			stateOpts = append(stateOpts, state.WithRegistryMetrics(o.metrics))
		}
		b.State = state.NewRegistry(name, b.Kernel, stateOpts...)

		requestOpts := []request.Option{request.WithLogger(log), request.WithCache(cacheRoute{c: b.Cache})}
		if o.metrics != nil {
			requestOpts = append(requestOpts, request.WithMetrics(o.metrics))
		}
		b.Requests = request.New(name, b.Kernel, requestOpts...)

		return b
	})
	if err != nil {
		return nil, err
	}
	b, ok := registry.Unwrap(inst).(*Bus)
	if !ok {
		return nil, errs.Internalf("bus registry: entry %q is not a *bus.Bus", name)
	}
	return b, nil
}

// Name returns the bus's registry name.
func (b *Bus) Name() string { return b.name }

// ID returns the bus instance's unique identifier, stable for its
// lifetime.
func (b *Bus) ID() uuid.UUID { return b.id }

func (b *Bus) checkAlive() error {
	if b.Destroyed() {
		return errs.Gonef("bus %q is destroyed", b.name)
	}
	return nil
}

// Emit applies the request interceptor chain, then emits on the Event
// Kernel.
func (b *Bus) Emit(topic string, payload any) error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	transformed, err := b.Interceptor.ApplyRequestInterceptors(topic, payload)
	if err != nil {
		return err
	}
	return b.Kernel.Emit(topic, transformed)
}

// On subscribes handler to topic, applying the response interceptor
// chain to every delivered payload before handler sees it.
func (b *Bus) On(topic string, handler kernel.Handler) (kernel.Unsubscribe, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	return b.Kernel.On(topic, b.wrapWithResponseInterceptors(topic, handler))
}

func (b *Bus) wrapWithResponseInterceptors(topic string, handler kernel.Handler) kernel.Handler {
	return func(payload any) {
		transformed, err := b.Interceptor.ApplyResponseInterceptors(topic, payload)
		if err != nil {
			b.log.WithField("topic", topic).WithError(err).Warn("response interceptor chain rejected payload, handler skipped")
			return
		}
		handler(transformed)
	}
}

// Request performs a correlated request/response call through the
// Request/Response Engine.
func (b *Bus) Request(ctx context.Context, topic string, payload any, opts request.Options) (any, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	return b.Requests.Request(ctx, topic, payload, opts)
}

// RequestMany collects responses from every responder within the
// options' timeout window.
func (b *Bus) RequestMany(ctx context.Context, topic string, payload any, opts request.Options) ([]any, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	return b.Requests.RequestMany(ctx, topic, payload, opts)
}

// RequestBatch dispatches a batch of independent requests in parallel.
func (b *Bus) RequestBatch(ctx context.Context, items []request.BatchItem) ([]any, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	return b.Requests.RequestBatch(ctx, items)
}

// Respond installs a responder for topic, optionally guarded by a
// middleware chain: every stage of chain runs (in order) before the
// handler, and a cancel()'d stage turns into a Forbidden response
// instead of the handler ever running. A nil chain skips straight to fn.
func (b *Bus) Respond(topic string, chain *middleware.Chain, fn request.Responder) (kernel.Unsubscribe, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	if chain == nil {
		return b.Requests.Respond(topic, fn)
	}
	chain.Seal()
	b.mu.Lock()
	b.responder[topic] = chain
	b.mu.Unlock()

	return b.Requests.Respond(topic, func(ctx context.Context, payload any) (any, error) {
		if err := chain.Run(ctx, payload); err != nil {
			return nil, err
		}
		return fn(ctx, payload)
	})
}

// CreateState creates a shared state cell under key with an initial
// value.
func (b *Bus) CreateState(key string, initial any) (*state.Cell, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	return b.State.CreateState(key, initial), nil
}

// GetState returns the cell registered under key, if any.
func (b *Bus) GetState(key string) (*state.Cell, bool) {
	return b.State.GetState(key)
}

// CreateComputed creates a derived cell tracked under name, so it can be
// destroyed alongside the bus and looked up by DestroyComputed.
func (b *Bus) CreateComputed(name string, fn computed.Func, opts ...computed.Option) (*computed.Cell, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	c, err := computed.New(fn, opts...)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if existing, ok := b.computed[name]; ok {
		existing.Destroy()
	}
	b.computed[name] = c
	b.mu.Unlock()
	return c, nil
}

// GetComputed returns the computed cell registered under name, if any.
func (b *Bus) GetComputed(name string) (*computed.Cell, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.computed[name]
	return c, ok
}

// DestroyComputed tears down and unregisters the computed cell under
// name, if present.
func (b *Bus) DestroyComputed(name string) {
	b.mu.Lock()
	c, ok := b.computed[name]
	delete(b.computed, name)
	b.mu.Unlock()
	if ok {
		c.Destroy()
	}
}

// Stats reports a snapshot of every subsystem's own stats, satisfying
// registry.StatsProvider.
type Stats struct {
	Cache        cache.Stats `json:"cache"`
	StateKeys    int         `json:"stateKeys"`
	ComputedKeys int         `json:"computedKeys"`
}

// Stats returns a point-in-time snapshot across the bus's subsystems.
func (b *Bus) Stats() any {
	b.mu.Lock()
	computedCount := len(b.computed)
	b.mu.Unlock()
	return Stats{
		Cache:        b.Cache.GetStats(),
		StateKeys:    len(b.State.Keys()),
		ComputedKeys: computedCount,
	}
}

// Destroyed reports whether Destroy has already run.
func (b *Bus) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// Destroy tears down every subsystem in the reverse of their
// construction order, and is safe to call more than once. New returns the
// unwrapped *Bus, so a caller holding it and calling Destroy directly
// (rather than going through registry.Remove) would otherwise leave a
// torn-down entry behind for Get/Has to keep handing out; Destroy
// deregisters itself from the registry as its last step to close that
// gap.
func (b *Bus) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	computedCells := make([]*computed.Cell, 0, len(b.computed))
	for _, c := range b.computed {
		computedCells = append(computedCells, c)
	}
	b.computed = nil
	b.mu.Unlock()

	for _, c := range computedCells {
		c.Destroy()
	}
	b.Requests.Destroy()
	b.State.Destroy()
	b.Cache.Close()
	b.Interceptor.Destroy()
	b.Kernel.Destroy()

	registry.Remove(b.name)
}
