package interceptor

import (
	"errors"
	"testing"

	"github.com/cohortlabs/meshbus/errs"
)

func TestApplyRequestInterceptorsNoChangeKeepsPreviousValue(t *testing.T) {
	p := New()
	p.AddRequestInterceptor(func(topic string, payload any) (any, bool, error) {
		return nil, false, nil
	})

	got, err := p.ApplyRequestInterceptors("topic", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("ApplyRequestInterceptors() error = %v", err)
	}
	m := got.(map[string]any)
	if m["a"].(float64) != 1 {
		t.Errorf("payload = %v, want unchanged", got)
	}
}

func TestApplyRequestInterceptorsChainInOrder(t *testing.T) {
	p := New()
	p.AddRequestInterceptor(func(topic string, payload any) (any, bool, error) {
		m := payload.(map[string]any)
		m["step"] = float64(1)
		return m, true, nil
	})
	p.AddRequestInterceptor(func(topic string, payload any) (any, bool, error) {
		m := payload.(map[string]any)
		m["step"] = m["step"].(float64) + 1
		return m, true, nil
	})

	got, err := p.ApplyRequestInterceptors("topic", map[string]any{})
	if err != nil {
		t.Fatalf("ApplyRequestInterceptors() error = %v", err)
	}
	if got.(map[string]any)["step"].(float64) != 2 {
		t.Errorf("step = %v, want 2", got.(map[string]any)["step"])
	}
}

func TestApplyRequestInterceptorsErrorAbortsPipeline(t *testing.T) {
	p := New()
	called := false
	p.AddRequestInterceptor(func(topic string, payload any) (any, bool, error) {
		return nil, false, errors.New("rejected")
	})
	p.AddRequestInterceptor(func(topic string, payload any) (any, bool, error) {
		called = true
		return payload, true, nil
	})

	_, err := p.ApplyRequestInterceptors("topic", nil)
	if err == nil {
		t.Fatal("expected an error from the aborting interceptor")
	}
	if called {
		t.Error("pipeline should stop after the first error")
	}
}

func TestRemoveRequestInterceptor(t *testing.T) {
	p := New()
	called := false
	remove := p.AddRequestInterceptor(func(topic string, payload any) (any, bool, error) {
		called = true
		return payload, false, nil
	})
	remove()

	if _, err := p.ApplyRequestInterceptors("topic", "x"); err != nil {
		t.Fatalf("ApplyRequestInterceptors() error = %v", err)
	}
	if called {
		t.Error("removed interceptor should not run")
	}
}

func TestApplyResponseInterceptors(t *testing.T) {
	p := New()
	p.AddResponseInterceptor(func(topic string, payload any) (any, bool, error) {
		return "replaced", true, nil
	})

	got, err := p.ApplyResponseInterceptors("topic", "original")
	if err != nil {
		t.Fatalf("ApplyResponseInterceptors() error = %v", err)
	}
	if got != "replaced" {
		t.Errorf("payload = %v, want replaced", got)
	}
}

func TestClearRemovesBothChainsButKeepsPipelineUsable(t *testing.T) {
	p := New()
	p.AddRequestInterceptor(func(string, any) (any, bool, error) { return nil, false, nil })
	p.AddResponseInterceptor(func(string, any) (any, bool, error) { return nil, false, nil })
	p.Clear()

	if _, err := p.ApplyRequestInterceptors("topic", "x"); err != nil {
		t.Fatalf("ApplyRequestInterceptors() after Clear() error = %v", err)
	}
}

func TestDestroyIsIdempotentAndRejectsFurtherUse(t *testing.T) {
	p := New()
	p.Destroy()
	p.Destroy()

	if _, err := p.ApplyRequestInterceptors("topic", "x"); !errs.Is(err, errs.Gone) {
		t.Errorf("ApplyRequestInterceptors() after Destroy() error = %v, want Gone", err)
	}
}
