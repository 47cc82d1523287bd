package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-bus", reg)

	if m == nil {
		t.Fatal("expected a metrics instance, got nil")
	}
	if m.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if m.EventsEmitted == nil {
		t.Error("EventsEmitted should not be nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("expected collectors to be registered")
	}
}

func TestRecordEmit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-bus", reg)

	m.RecordEmit("test-bus", "order:created", 3)
	m.RecordListenerPanic("test-bus", "order:created")
}

func TestCacheCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-bus", reg)

	m.RecordCacheHit("test-bus")
	m.RecordCacheMiss("test-bus")
	m.RecordCacheEviction("test-bus", "ttl")
	m.SetCacheSize("test-bus", 12)
}

func TestRequestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-bus", reg)

	m.RecordRequest("test-bus", "user:get", "resolved", 25*time.Millisecond)
	m.RecordRequest("test-bus", "user:get", "timeout", 5*time.Second)
	m.RecordRetry("test-bus", "user:get")
	m.SetRequestsPending("test-bus", 2)
}

func TestStateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-bus", reg)

	m.RecordStateUpdate("test-bus", "cart:total")
	m.SetStateCells("test-bus", 7)
}

func TestInitAndGlobalReturnSameInstance(t *testing.T) {
	global = nil
	first := Init("svc")
	second := Global()
	if first != second {
		t.Error("Global() should return the instance created by Init()")
	}
}

func TestEnabledDefaultsByEnvironment(t *testing.T) {
	t.Setenv("MESHBUS_METRICS_ENABLED", "")
	t.Setenv("MESHBUS_ENV", "production")
	if Enabled() {
		t.Error("Enabled() should default to false in production")
	}

	t.Setenv("MESHBUS_ENV", "development")
	if !Enabled() {
		t.Error("Enabled() should default to true outside production")
	}

	t.Setenv("MESHBUS_METRICS_ENABLED", "true")
	t.Setenv("MESHBUS_ENV", "production")
	if !Enabled() {
		t.Error("Enabled() should honor an explicit override")
	}
}
