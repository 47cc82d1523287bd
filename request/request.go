// Package request implements the Request/Response Engine: correlated
// single-response, multi-response, and batched request dispatch over the
// Event Kernel, plus responder registration.
//
// Retry/backoff is grounded on the teacher's infrastructure/resilience
// retry.go (RetryConfig, exponential nextDelay, addJitter), generalized
// from a bare `func() error` loop into a correlation-ID-keyed
// request/response protocol layered on top of the Event Kernel.
package request

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/cohortlabs/meshbus/clone"
	"github.com/cohortlabs/meshbus/errs"
	"github.com/cohortlabs/meshbus/internal/metrics"
	"github.com/cohortlabs/meshbus/kernel"
)

// Priority hints responder scheduling; meshbus does not act on it beyond
// validating it, since responders are plain kernel subscribers.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Reserved payload fields, the wire-level contract co-resident peers rely
// on to speak the same correlation protocol.
const (
	FieldCorrelationID = "__correlationId"
	FieldExpectMulti   = "__expectMultiple"
	FieldError         = "__error"
	FieldResponse      = "response"
	FieldRetryCount    = "__retryCount"
	FieldIsRetry       = "__isRetry"
)

// Default backoff and window parameters.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultRetries   = 0
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 30 * time.Second
	DefaultJitter    = 0.1
)

// CacheRoute optionally routes a request through a cache. The engine
// depends only on this narrow interface, which *cache.Cache satisfies, so
// it does not import the cache package directly (the bus package wires the
// concrete *cache.Cache).
type CacheRoute interface {
	HandleRequest(ctx context.Context, key string, compute func(context.Context) (any, error), strategy string, ttl time.Duration) (any, error)
	BuildKey(topic string, payload any) string
}

// CacheOptions selects cache routing for a single request.
type CacheOptions struct {
	Strategy string
	TTL      time.Duration
}

// Options configures a single request/requestMany call.
type Options struct {
	Timeout      time.Duration
	Retries      int
	Priority     Priority
	Cache        *CacheOptions
	Cancel       context.Context
	MinResponses int
	MaxResponses int
}

// DefaultOptions returns the enumerated defaults: 10s timeout, no
// retries, normal priority.
func DefaultOptions() Options {
	return Options{
		Timeout:      DefaultTimeout,
		Retries:      DefaultRetries,
		Priority:     PriorityNormal,
		MinResponses: 1,
	}
}

func (o Options) validate() error {
	if o.Timeout <= 0 {
		return errs.BadRequestf("request timeout must be a finite positive duration, got %v", o.Timeout)
	}
	if o.Retries < 0 || o.Retries > 100 {
		return errs.BadRequestf("request retries must be in [0, 100], got %d", o.Retries)
	}
	switch o.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return errs.BadRequestf("request priority must be one of low, normal, high, got %q", o.Priority)
	}
	return nil
}

// normalize fills in the priority default. A non-positive Timeout is not
// defaulted: validate rejects it. MinResponses is left
// untouched: DefaultOptions already sets it to 1, and an explicit
// MinResponses = 0 is meaningful (RequestMany resolves at the timeout
// with whatever replies, if any, arrived).
func (o Options) normalize() Options {
	if o.Priority == "" {
		o.Priority = PriorityNormal
	}
	return o
}

// BatchItem is one independent entry of a requestBatch call.
type BatchItem struct {
	Topic   string
	Payload any
	Opts    Options
}

// Responder handles one request topic and returns a response payload or
// an error.
type Responder func(ctx context.Context, payload any) (any, error)

type pendingRequest struct {
	correlationID string
	resolve       func(any)
	reject        func(error)
	unsub         kernel.Unsubscribe
	timer         *time.Timer
}

// Engine is the Request/Response Engine bound to one Kernel.
type Engine struct {
	bus     string
	k       *kernel.Kernel
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	cache   CacheRoute

	baseDelay time.Duration
	maxDelay  time.Duration

	mu            sync.Mutex
	pending       map[string]*pendingRequest
	responders    map[string]map[uint64]kernel.Unsubscribe
	nextResponder uint64
	destroyed     bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCache attaches the cache routing dependency used when an Options.Cache
// is supplied.
func WithCache(c CacheRoute) Option {
	return func(e *Engine) { e.cache = c }
}

// WithBackoff overrides the base/max retry backoff delays, grounded on the
// teacher's configurable RetryConfig rather than hardcoded constants.
func WithBackoff(base, max time.Duration) Option {
	return func(e *Engine) { e.baseDelay, e.maxDelay = base, max }
}

// New constructs an Engine bound to k.
func New(bus string, k *kernel.Kernel, opts ...Option) *Engine {
	e := &Engine{
		bus:        bus,
		k:          k,
		log:        logrus.StandardLogger(),
		pending:    make(map[string]*pendingRequest),
		responders: make(map[string]map[uint64]kernel.Unsubscribe),
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) checkAlive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return errs.Gonef("request engine is destroyed")
	}
	return nil
}

func responseTopic(correlationID string) string {
	return fmt.Sprintf("response:%s", correlationID)
}

// Request dispatches a single correlated request and waits for one
// matching response, retrying up to opts.Retries additional times on a
// retryable failure with exponential backoff.
func (e *Engine) Request(ctx context.Context, topic string, payload any, opts Options) (any, error) {
	if err := e.checkAlive(); err != nil {
		return nil, err
	}
	opts = opts.normalize()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Cancel == nil {
		opts.Cancel = ctx
	}

	if opts.Cache != nil && e.cache != nil {
		key := e.cache.BuildKey(topic, payload)
		strategy := opts.Cache.Strategy
		if strategy == "" {
			strategy = "cache-first"
		}
		return e.cache.HandleRequest(ctx, key, func(ctx context.Context) (any, error) {
			return e.dispatch(ctx, topic, payload, opts)
		}, strategy, opts.Cache.TTL)
	}

	return e.dispatch(ctx, topic, payload, opts)
}

func (e *Engine) dispatch(ctx context.Context, topic string, payload any, opts Options) (any, error) {
	baseDelay, maxDelay := e.baseDelay, e.maxDelay

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		select {
		case <-opts.Cancel.Done():
			return nil, errs.AbortedErr(topic)
		default:
		}

		result, err := e.attempt(ctx, topic, payload, opts, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		asErr := errs.FromError(err)
		if !asErr.Retryable() {
			return nil, asErr
		}
		if attempt == opts.Retries {
			break
		}

		delay := backoffDelay(attempt, baseDelay, maxDelay)
		if e.metrics != nil {
			e.metrics.RecordRetry(e.bus, topic)
		}
		select {
		case <-time.After(delay):
		case <-opts.Cancel.Done():
			return nil, errs.AbortedErr(topic)
		}
	}
	return nil, lastErr
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(float64(base) * pow2(attempt))
	if d > max {
		d = max
	}
	delta := float64(d) * DefaultJitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

func (e *Engine) attempt(ctx context.Context, topic string, payload any, opts Options, attemptN int) (any, error) {
	correlationID := uuid.NewString()
	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	var once sync.Once

	resolve := func(v any) {
		once.Do(func() { resultCh <- v })
	}
	reject := func(err error) {
		once.Do(func() { errCh <- err })
	}

	unsub, err := e.k.On(responseTopic(correlationID), func(raw any) {
		m, ok := raw.(map[string]any)
		if !ok {
			reject(errs.Internalf("malformed response payload for correlation %q", correlationID))
			return
		}
		if errVal, ok := m[FieldError]; ok && errVal != nil {
			reject(errorFromWire(errVal).WithTopic(topic).WithDetails("correlationId", correlationID))
			return
		}
		resolve(m[FieldResponse])
	})
	if err != nil {
		return nil, err
	}

	pr := &pendingRequest{correlationID: correlationID, resolve: resolve, reject: reject, unsub: unsub}
	e.mu.Lock()
	e.pending[correlationID] = pr
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.pending, correlationID)
		e.mu.Unlock()
		unsub()
		if pr.timer != nil {
			pr.timer.Stop()
		}
	}
	defer cleanup()

	envelope := buildEnvelope(payload, correlationID, false, attemptN)
	if err := e.k.Emit(topic, envelope); err != nil {
		return nil, err
	}

	pr.timer = time.AfterFunc(opts.Timeout, func() {
		reject(errs.TimeoutErr(topic).WithDetails("correlationId", correlationID))
	})

	select {
	case v := <-resultCh:
		return v, nil
	case err := <-errCh:
		return nil, err
	case <-opts.Cancel.Done():
		return nil, errs.AbortedErr(topic).WithDetails("correlationId", correlationID)
	}
}

func buildEnvelope(payload any, correlationID string, expectMultiple bool, attemptN int) any {
	envelope := map[string]any{
		FieldCorrelationID: correlationID,
		"payload":          payload,
	}
	if expectMultiple {
		envelope[FieldExpectMulti] = true
	}
	if attemptN > 0 {
		envelope[FieldRetryCount] = attemptN
		envelope[FieldIsRetry] = true
	}
	return envelope
}

// errorFromWire reconstructs a responder's error from the `__error` field
// of a response envelope, preserving its original Code (and therefore its
// intrinsic retryability) when the responder supplied one. A plain string
// (or any other unrecognized shape) falls back to Internal.
func errorFromWire(errVal any) *errs.Error {
	m, ok := errVal.(map[string]any)
	if !ok {
		return errs.Internalf("%v", errVal)
	}
	code, _ := m["code"].(string)
	message, _ := m["message"].(string)
	if code == "" {
		return errs.Internalf("%v", errVal)
	}
	return errs.New(errs.Code(code), message)
}

// RequestMany dispatches a single correlated request and collects
// responses for opts.Timeout, resolving early once opts.MaxResponses is
// reached.
func (e *Engine) RequestMany(ctx context.Context, topic string, payload any, opts Options) ([]any, error) {
	if err := e.checkAlive(); err != nil {
		return nil, err
	}
	opts = opts.normalize()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Cancel == nil {
		opts.Cancel = ctx
	}

	correlationID := uuid.NewString()
	collected := make([]any, 0)
	var mu sync.Mutex
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	unsub, err := e.k.On(responseTopic(correlationID), func(raw any) {
		m, ok := raw.(map[string]any)
		if !ok {
			return
		}
		mu.Lock()
		collected = append(collected, m[FieldResponse])
		n := len(collected)
		mu.Unlock()

		if opts.MaxResponses > 0 && n >= opts.MaxResponses {
			closeDone()
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsub()

	envelope := buildEnvelope(payload, correlationID, true, 0)
	if err := e.k.Emit(topic, envelope); err != nil {
		return nil, err
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-opts.Cancel.Done():
		return nil, errs.AbortedErr(topic).WithDetails("correlationId", correlationID)
	}

	mu.Lock()
	result := append([]any(nil), collected...)
	mu.Unlock()

	if len(result) < opts.MinResponses {
		return nil, errs.TimeoutErr(topic).
			WithDetails("correlationId", correlationID).
			WithDetails("received", len(result)).
			WithDetails("minRequired", opts.MinResponses)
	}
	return result, nil
}

// RequestBatch evaluates every item independently and concurrently.
// Individual failures never abort the batch; they are materialized as a
// {__error, __index} placeholder at that item's position. Failures are
// also aggregated internally via hashicorp/go-multierror, surfaced
// through the returned error for logging, while the result vector itself
// always has one entry per input item in input order.
func (e *Engine) RequestBatch(ctx context.Context, items []BatchItem) ([]any, error) {
	if err := e.checkAlive(); err != nil {
		return nil, err
	}

	results := make([]any, len(items))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errAgg *multierror.Error

	for i, item := range items {
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			v, err := e.Request(ctx, item.Topic, item.Payload, item.Opts)
			if err != nil {
				mu.Lock()
				results[i] = map[string]any{FieldError: err.Error(), "__index": i}
				errAgg = multierror.Append(errAgg, fmt.Errorf("item %d (%s): %w", i, item.Topic, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			results[i] = v
			mu.Unlock()
		}(i, item)
	}
	wg.Wait()

	var errOut error
	if errAgg != nil {
		errOut = errAgg.ErrorOrNil()
	}
	return results, errOut
}

// Respond installs a responder for topic. Installing a second responder
// for a topic that already has one logs a warning; both remain installed
// and will both answer, since a responder is just a kernel subscriber.
func (e *Engine) Respond(topic string, fn Responder) (kernel.Unsubscribe, error) {
	if err := e.checkAlive(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.responders[topic]) > 0 {
		e.log.WithField("topic", topic).Warn("installing an additional responder for a topic that already has one")
	}
	e.mu.Unlock()

	unsub, err := e.k.On(topic, func(raw any) {
		envelope, ok := raw.(map[string]any)
		if !ok {
			return
		}
		correlationID, _ := envelope[FieldCorrelationID].(string)
		if correlationID == "" {
			return
		}
		payload := clone.Deep(envelope["payload"])

		result, err := fn(context.Background(), payload)
		if err != nil {
			asErr := errs.FromError(err)
			e.k.Emit(responseTopic(correlationID), map[string]any{
				FieldError: map[string]any{"code": string(asErr.Code), "message": asErr.Message},
			})
			return
		}
		e.k.Emit(responseTopic(correlationID), map[string]any{FieldResponse: result})
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.nextResponder++
	id := e.nextResponder
	if e.responders[topic] == nil {
		e.responders[topic] = make(map[uint64]kernel.Unsubscribe)
	}
	e.responders[topic][id] = unsub
	e.mu.Unlock()

	return func() {
		unsub()
		e.mu.Lock()
		delete(e.responders[topic], id)
		e.mu.Unlock()
	}, nil
}

// Destroy rejects every pending request with Gone, unsubscribes every
// response listener and responder, and clears all timeouts. Safe to call
// more than once.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	pending := e.pending
	e.pending = make(map[string]*pendingRequest)
	responders := e.responders
	e.responders = make(map[string]map[uint64]kernel.Unsubscribe)
	e.mu.Unlock()

	for _, pr := range pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.unsub()
		pr.reject(errs.Gonef("request engine destroyed while request was pending"))
	}
	for _, subs := range responders {
		for _, unsub := range subs {
			unsub()
		}
	}
}
