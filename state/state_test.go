package state

import (
	"context"
	"testing"

	"github.com/cohortlabs/meshbus/errs"
	"github.com/cohortlabs/meshbus/kernel"
)

func TestSetThenGetRoundTrips(t *testing.T) {
	k := kernel.New("test")
	r := NewRegistry("test", k)

	c := r.CreateState("cart", []any{})
	if err := c.Set(context.Background(), []any{map[string]any{"id": "x", "price": float64(10)}}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	arr := got.([]any)
	if len(arr) != 1 || arr[0].(map[string]any)["id"] != "x" {
		t.Errorf("got = %v, want [{id: x, price: 10}]", got)
	}
}

func TestSequenceAdvancesOnlyOnChange(t *testing.T) {
	k := kernel.New("test")
	r := NewRegistry("test", k)
	c := r.CreateState("counter", 0)

	for i := 1; i <= 3; i++ {
		if err := c.Set(context.Background(), i); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	if c.localSeq != 3 {
		t.Errorf("localSeq = %d, want 3", c.localSeq)
	}

	if err := c.Set(context.Background(), 3); err != nil {
		t.Fatalf("Set() with equal value error = %v", err)
	}
	if c.localSeq != 3 {
		t.Errorf("localSeq after a no-op Set = %d, want unchanged 3", c.localSeq)
	}
}

func TestSetWithEqualValueDoesNotNotify(t *testing.T) {
	k := kernel.New("test")
	r := NewRegistry("test", k)
	c := r.CreateState("key", map[string]any{"a": 1})

	notified := 0
	c.Subscribe(func(any) { notified++ })

	if err := c.Set(context.Background(), map[string]any{"a": float64(1)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if notified != 0 {
		t.Errorf("notified = %d, want 0 for a structurally-equal Set", notified)
	}
}

func TestSubscribeUnsubscribeLeavesNoResidualNotification(t *testing.T) {
	k := kernel.New("test")
	r := NewRegistry("test", k)
	c := r.CreateState("key", 0)

	called := false
	unsub := c.Subscribe(func(any) { called = true })
	unsub()

	c.Set(context.Background(), 1)
	if called {
		t.Error("unsubscribed callback should not fire")
	}
}

func TestCrossHolderConvergenceViaSharedCell(t *testing.T) {
	k := kernel.New("test")
	r := NewRegistry("test", k)

	a := r.CreateState("cart", []any{})
	b, ok := r.GetState("cart")
	if !ok || b != a {
		t.Fatal("registry should return the same cell instance for the same key")
	}

	notified := 0
	var lastValue any
	b.Subscribe(func(v any) {
		notified++
		lastValue = v
	})

	if err := a.Set(context.Background(), []any{map[string]any{"id": "x", "price": float64(10)}}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if notified != 1 {
		t.Errorf("notified = %d, want 1 (no duplicate echo notification)", notified)
	}
	arr := lastValue.([]any)
	if arr[0].(map[string]any)["id"] != "x" {
		t.Errorf("lastValue = %v", lastValue)
	}
}

func TestRemoveStateDestroysCellAndClearsRegistry(t *testing.T) {
	k := kernel.New("test")
	r := NewRegistry("test", k)
	c := r.CreateState("key", "v")

	destroyNotified := false
	c.Subscribe(func(v any) {
		if v == nil {
			destroyNotified = true
		}
	})

	r.RemoveState("key")

	if _, ok := r.GetState("key"); ok {
		t.Error("GetState() should not find a removed key")
	}
	if !destroyNotified {
		t.Error("subscribers should be notified with a nil sentinel on removal")
	}
	if _, err := c.Get(context.Background()); !errs.Is(err, errs.Gone) {
		t.Errorf("Get() on a destroyed cell error = %v, want Gone", err)
	}
}

func TestUpdateReadModifyWrite(t *testing.T) {
	k := kernel.New("test")
	r := NewRegistry("test", k)
	c := r.CreateState("counter", 1)

	err := c.Update(context.Background(), func(ctx context.Context, current any) (any, error) {
		n := current.(float64)
		return n + 1, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ := c.Get(context.Background())
	if got.(float64) != 2 {
		t.Errorf("got = %v, want 2", got)
	}
}

func TestUpdateDetectsReentrantCycle(t *testing.T) {
	k := kernel.New("test")
	r := NewRegistry("test", k)
	c := r.CreateState("counter", 1)

	err := c.Update(context.Background(), func(ctx context.Context, current any) (any, error) {
		return c.Get(ctx)
	})
	if !errs.Is(err, errs.BadRequest) {
		t.Fatalf("Update() with a self-referential Get error = %v, want BadRequest", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	k := kernel.New("test")
	r := NewRegistry("test", k)
	c := r.CreateState("key", "v")

	c.Destroy()
	c.Destroy()

	if _, err := c.Get(context.Background()); !errs.Is(err, errs.Gone) {
		t.Errorf("Get() after Destroy() error = %v, want Gone", err)
	}
}
