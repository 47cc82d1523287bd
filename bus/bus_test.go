package bus

import (
	"context"
	"testing"
	"time"

	"github.com/cohortlabs/meshbus/computed"
	"github.com/cohortlabs/meshbus/errs"
	"github.com/cohortlabs/meshbus/middleware"
	"github.com/cohortlabs/meshbus/registry"
	"github.com/cohortlabs/meshbus/request"
)

func newBus(t *testing.T) *Bus {
	t.Helper()
	t.Cleanup(registry.Clear)
	b, err := New(t.Name())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(b.Destroy)
	return b
}

func TestNewRegistersWithTheBusRegistry(t *testing.T) {
	b := newBus(t)
	got, ok := registry.Get(b.Name())
	if !ok || registry.Unwrap(got) != registry.Instance(b) {
		t.Fatal("New() should register the bus under its own name")
	}
}

func TestNewTwiceWithSameNameReturnsSameInstance(t *testing.T) {
	t.Cleanup(registry.Clear)
	first, err := New("shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(first.Destroy)

	second, err := New("shared")
	if err != nil {
		t.Fatalf("New() second call error = %v", err)
	}
	if second != first {
		t.Error("New() with a name already registered should return the existing bus")
	}
}

func TestEmitAppliesRequestInterceptorsBeforeDelivery(t *testing.T) {
	b := newBus(t)
	b.Interceptor.AddRequestInterceptor(func(topic string, payload any) (any, bool, error) {
		m := payload.(map[string]any)
		m["stamped"] = true
		return m, true, nil
	})

	received := make(chan map[string]any, 1)
	unsub, err := b.Kernel.On("topic", func(payload any) {
		received <- payload.(map[string]any)
	})
	if err != nil {
		t.Fatalf("On() error = %v", err)
	}
	defer unsub()

	if err := b.Emit("topic", map[string]any{"x": 1}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	select {
	case got := <-received:
		if got["stamped"] != true {
			t.Errorf("got = %v, want interceptor-stamped payload", got)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestOnAppliesResponseInterceptorsAndSkipsOnError(t *testing.T) {
	b := newBus(t)
	b.Interceptor.AddResponseInterceptor(func(topic string, payload any) (any, bool, error) {
		return nil, false, errs.BadRequestf("reject everything")
	})

	called := false
	unsub, err := b.On("topic", func(payload any) { called = true })
	if err != nil {
		t.Fatalf("On() error = %v", err)
	}
	defer unsub()

	if err := b.Kernel.Emit("topic", "payload"); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if called {
		t.Error("handler should not run when the response interceptor chain rejects the payload")
	}
}

func TestRequestRespondRoundTrip(t *testing.T) {
	b := newBus(t)
	unsub, err := b.Respond("double", nil, func(ctx context.Context, payload any) (any, error) {
		return payload.(float64) * 2, nil
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	defer unsub()

	got, err := b.Request(context.Background(), "double", 21, request.DefaultOptions())
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if got != float64(42) {
		t.Errorf("got = %v, want 42", got)
	}
}

func TestRespondWithMiddlewareCancelTurnsIntoForbidden(t *testing.T) {
	b := newBus(t)
	chain := middleware.New()
	chain.Use(func(ctx context.Context, payload any, next middleware.Next, cancel middleware.Cancel) {
		cancel("not authorized")
	})

	unsub, err := b.Respond("guarded", chain, func(ctx context.Context, payload any) (any, error) {
		t.Fatal("handler should not run once the chain cancels")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	defer unsub()

	_, err = b.Request(context.Background(), "guarded", nil, request.DefaultOptions())
	if !errs.Is(err, errs.Forbidden) {
		t.Fatalf("Request() error = %v, want Forbidden", err)
	}
}

func TestRequestRoutesThroughCacheWhenOptionsRequestIt(t *testing.T) {
	b := newBus(t)
	calls := 0
	unsub, err := b.Respond("priced", nil, func(ctx context.Context, payload any) (any, error) {
		calls++
		return "computed-once", nil
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	defer unsub()

	opts := request.DefaultOptions()
	opts.Cache = &request.CacheOptions{Strategy: "cache-first", TTL: time.Minute}

	for i := 0; i < 3; i++ {
		got, err := b.Request(context.Background(), "priced", "fixed-payload", opts)
		if err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		if got != "computed-once" {
			t.Errorf("got = %v, want computed-once", got)
		}
	}
	if calls != 1 {
		t.Errorf("responder calls = %d, want 1 (subsequent calls should be served from cache)", calls)
	}
}

func TestCreateStateRoundTrip(t *testing.T) {
	b := newBus(t)
	cell, err := b.CreateState("counter", 0)
	if err != nil {
		t.Fatalf("CreateState() error = %v", err)
	}
	if err := cell.Set(context.Background(), 5); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := b.GetState("counter")
	if !ok {
		t.Fatal("GetState() should find the cell CreateState() registered")
	}
	v, err := got.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v != float64(5) {
		t.Errorf("got = %v, want 5", v)
	}
}

func TestCreateComputedTracksSharedStateDependency(t *testing.T) {
	b := newBus(t)
	qty, err := b.CreateState("qty", 2)
	if err != nil {
		t.Fatalf("CreateState() error = %v", err)
	}

	total, err := b.CreateComputed("total", func(scope *computed.Scope) (any, error) {
		q, err := scope.Get(qty)
		if err != nil {
			return nil, err
		}
		return q.(float64) * 10, nil
	})
	if err != nil {
		t.Fatalf("CreateComputed() error = %v", err)
	}

	got, err := total.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != float64(20) {
		t.Fatalf("got = %v, want 20", got)
	}

	if err := qty.Set(context.Background(), 4); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err = total.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got != float64(40) {
		t.Errorf("got = %v, want 40 after dependency change", got)
	}

	if same, ok := b.GetComputed("total"); !ok || same != total {
		t.Error("GetComputed() should return the cell CreateComputed() registered")
	}
}

func TestStatsReportsSubsystemSnapshots(t *testing.T) {
	b := newBus(t)
	if _, err := b.CreateState("k", 1); err != nil {
		t.Fatalf("CreateState() error = %v", err)
	}
	stats, ok := b.Stats().(Stats)
	if !ok {
		t.Fatalf("Stats() = %T, want Stats", b.Stats())
	}
	if stats.StateKeys != 1 {
		t.Errorf("StateKeys = %d, want 1", stats.StateKeys)
	}
}

func TestDestroyIsIdempotentAndTearsDownSubsystems(t *testing.T) {
	t.Cleanup(registry.Clear)
	b, err := New("tearing-down")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b.Destroy()
	b.Destroy()

	if !b.Kernel.Destroyed() {
		t.Error("Destroy() should tear down the kernel")
	}
	if _, err := b.Request(context.Background(), "anything", nil, request.DefaultOptions()); !errs.Is(err, errs.Gone) {
		t.Errorf("Request() after Destroy() error = %v, want Gone", err)
	}
	if registry.Has("tearing-down") {
		t.Error("Destroy() should unregister the bus from the registry")
	}
}
