// Package metrics provides the Prometheus collectors a bus instance
// updates as it runs, grounded on the teacher's infrastructure/metrics
// package: the same NewWithRegistry/global-singleton shape, re-targeted
// at kernel, cache, request, and shared-state events instead of
// HTTP/database/blockchain ones.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cohortlabs/meshbus/internal/runtime"
)

// Metrics holds every collector a bus instance reports to.
type Metrics struct {
	EventsEmitted   *prometheus.CounterVec
	ListenersCalled *prometheus.CounterVec
	ListenerPanics  *prometheus.CounterVec

	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheSize      *prometheus.GaugeVec

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsPending  *prometheus.GaugeVec
	RequestRetries   *prometheus.CounterVec

	StateUpdates *prometheus.CounterVec
	StateCells   *prometheus.GaugeVec

	BusInfo *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registry.
func New(bus string) *Metrics {
	return NewWithRegistry(bus, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
// A nil registerer skips registration entirely, useful for tests that
// construct multiple bus instances in the same process.
func NewWithRegistry(bus string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshbus_events_emitted_total",
				Help: "Total number of kernel events emitted",
			},
			[]string{"bus", "topic"},
		),
		ListenersCalled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshbus_listeners_invoked_total",
				Help: "Total number of listener invocations",
			},
			[]string{"bus", "topic"},
		),
		ListenerPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshbus_listener_panics_total",
				Help: "Total number of listener invocations that recovered from a panic",
			},
			[]string{"bus", "topic"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshbus_cache_hits_total",
				Help: "Total number of cache lookups that were satisfied from the cache",
			},
			[]string{"bus"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshbus_cache_misses_total",
				Help: "Total number of cache lookups that missed",
			},
			[]string{"bus"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshbus_cache_evictions_total",
				Help: "Total number of cache entries evicted (LRU or TTL sweep)",
			},
			[]string{"bus", "reason"},
		),
		CacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshbus_cache_entries",
				Help: "Current number of entries held in the cache",
			},
			[]string{"bus"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshbus_requests_total",
				Help: "Total number of request/response round trips, by outcome",
			},
			[]string{"bus", "topic", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshbus_request_duration_seconds",
				Help:    "Request/response round trip duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"bus", "topic"},
		),
		RequestsPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshbus_requests_pending",
				Help: "Current number of requests awaiting a response",
			},
			[]string{"bus"},
		),
		RequestRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshbus_request_retries_total",
				Help: "Total number of request retry attempts",
			},
			[]string{"bus", "topic"},
		),
		StateUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshbus_state_updates_total",
				Help: "Total number of shared-state cell updates accepted",
			},
			[]string{"bus", "key"},
		),
		StateCells: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshbus_state_cells",
				Help: "Current number of live shared-state cells",
			},
			[]string{"bus"},
		),
		BusInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshbus_bus_info",
				Help: "Static information about a bus instance",
			},
			[]string{"bus", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.EventsEmitted,
			m.ListenersCalled,
			m.ListenerPanics,
			m.CacheHits,
			m.CacheMisses,
			m.CacheEvictions,
			m.CacheSize,
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsPending,
			m.RequestRetries,
			m.StateUpdates,
			m.StateCells,
			m.BusInfo,
		)
	}

	m.BusInfo.WithLabelValues(bus, string(runtime.Env())).Set(1)
	return m
}

// RecordEmit records one Emit call fanning out to listenerCount listeners.
func (m *Metrics) RecordEmit(bus, topic string, listenerCount int) {
	m.EventsEmitted.WithLabelValues(bus, topic).Inc()
	m.ListenersCalled.WithLabelValues(bus, topic).Add(float64(listenerCount))
}

// RecordListenerPanic records a recovered listener panic.
func (m *Metrics) RecordListenerPanic(bus, topic string) {
	m.ListenerPanics.WithLabelValues(bus, topic).Inc()
}

// RecordCacheHit records a cache lookup that was satisfied from the cache.
func (m *Metrics) RecordCacheHit(bus string) { m.CacheHits.WithLabelValues(bus).Inc() }

// RecordCacheMiss records a cache lookup that missed.
func (m *Metrics) RecordCacheMiss(bus string) { m.CacheMisses.WithLabelValues(bus).Inc() }

// RecordCacheEviction records a cache entry removed for the given reason
// ("lru" or "ttl"; the cache records no eviction on Invalidate).
func (m *Metrics) RecordCacheEviction(bus, reason string) {
	m.CacheEvictions.WithLabelValues(bus, reason).Inc()
}

// SetCacheSize sets the current entry count gauge.
func (m *Metrics) SetCacheSize(bus string, size int) {
	m.CacheSize.WithLabelValues(bus).Set(float64(size))
}

// RecordRequest records the terminal outcome of a request/response round
// trip: status is one of "resolved", "rejected", "timeout", "cancelled".
func (m *Metrics) RecordRequest(bus, topic, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(bus, topic, status).Inc()
	m.RequestDuration.WithLabelValues(bus, topic).Observe(duration.Seconds())
}

// RecordRetry records a single retry attempt.
func (m *Metrics) RecordRetry(bus, topic string) {
	m.RequestRetries.WithLabelValues(bus, topic).Inc()
}

// SetRequestsPending sets the current pending-request gauge.
func (m *Metrics) SetRequestsPending(bus string, count int) {
	m.RequestsPending.WithLabelValues(bus).Set(float64(count))
}

// RecordStateUpdate records an accepted shared-state cell update.
func (m *Metrics) RecordStateUpdate(bus, key string) {
	m.StateUpdates.WithLabelValues(bus, key).Inc()
}

// SetStateCells sets the current live-cell gauge.
func (m *Metrics) SetStateCells(bus string, count int) {
	m.StateCells.WithLabelValues(bus).Set(float64(count))
}

// Enabled reports whether Prometheus metrics should be collected.
//
// Defaults: disabled in production unless explicitly enabled via
// MESHBUS_METRICS_ENABLED; enabled everywhere else unless explicitly
// disabled.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("MESHBUS_METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init initializes (once) and returns the global Metrics instance.
func Init(bus string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(bus)
	}
	return global
}

// Global returns the global Metrics instance, initializing it with a
// placeholder name if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New("unnamed")
	}
	return global
}
