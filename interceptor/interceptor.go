// Package interceptor implements the Interceptor Pipeline: ordered
// pre-emit and post-receive payload transforms applied at the boundary of
// a bus instance.
//
// Grounded on the teacher's ordered-stage composition idiom
// (infrastructure/resilience retry/fallback chains apply a sequence of
// functions and stop on first unrecoverable error); generalized here into
// two independently ordered chains, one per direction, per the resolved
// "split, don't unify" design decision.
package interceptor

import (
	"sync"

	"github.com/cohortlabs/meshbus/clone"
	"github.com/cohortlabs/meshbus/errs"
)

// RequestInterceptor transforms a payload before it is emitted. Returning
// changed=false means "no change"; the pipeline keeps running the payload
// it already had.
type RequestInterceptor func(topic string, payload any) (newPayload any, changed bool, err error)

// ResponseInterceptor transforms a payload after it is received, with the
// same "no change" contract as RequestInterceptor.
type ResponseInterceptor func(topic string, payload any) (newPayload any, changed bool, err error)

type requestEntry struct {
	id uint64
	fn RequestInterceptor
}

type responseEntry struct {
	id uint64
	fn ResponseInterceptor
}

// Pipeline holds the ordered request and response interceptor chains for
// one bus instance.
type Pipeline struct {
	mu        sync.RWMutex
	requests  []requestEntry
	responses []responseEntry
	nextID    uint64
	destroyed bool
}

// New constructs an empty Pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// RemoveFunc removes a previously added interceptor, by the token AddRequestInterceptor/AddResponseInterceptor returned.
type RemoveFunc func()

// AddRequestInterceptor appends fn to the request chain and returns a
// token to remove it later.
func (p *Pipeline) AddRequestInterceptor(fn RequestInterceptor) RemoveFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.requests = append(p.requests, requestEntry{id: id, fn: fn})
	return func() { p.removeRequest(id) }
}

// AddResponseInterceptor appends fn to the response chain and returns a
// token to remove it later.
func (p *Pipeline) AddResponseInterceptor(fn ResponseInterceptor) RemoveFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.responses = append(p.responses, responseEntry{id: id, fn: fn})
	return func() { p.removeResponse(id) }
}

func (p *Pipeline) removeRequest(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.requests {
		if e.id == id {
			p.requests = append(p.requests[:i], p.requests[i+1:]...)
			return
		}
	}
}

func (p *Pipeline) removeResponse(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.responses {
		if e.id == id {
			p.responses = append(p.responses[:i], p.responses[i+1:]...)
			return
		}
	}
}

// ApplyRequestInterceptors runs the request chain over payload in order,
// on a deep-copied starting value so transforms may mutate freely. A
// transform error aborts the pipeline and is returned to the caller.
func (p *Pipeline) ApplyRequestInterceptors(topic string, payload any) (any, error) {
	return p.apply(topic, payload, func() []requestEntry {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return append([]requestEntry(nil), p.requests...)
	})
}

func (p *Pipeline) apply(topic string, payload any, snapshot func() []requestEntry) (any, error) {
	if p.isDestroyed() {
		return nil, errs.Gonef("interceptor pipeline is destroyed")
	}
	current := clone.Deep(payload)
	for _, e := range snapshot() {
		next, changed, err := e.fn(topic, current)
		if err != nil {
			return nil, errs.FromError(err).WithTopic(topic)
		}
		if changed {
			current = next
		}
	}
	return current, nil
}

// ApplyResponseInterceptors runs the response chain over payload in
// order, with the same deep-copy and "no change" semantics as
// ApplyRequestInterceptors.
func (p *Pipeline) ApplyResponseInterceptors(topic string, payload any) (any, error) {
	if p.isDestroyed() {
		return nil, errs.Gonef("interceptor pipeline is destroyed")
	}
	current := clone.Deep(payload)

	p.mu.RLock()
	entries := append([]responseEntry(nil), p.responses...)
	p.mu.RUnlock()

	for _, e := range entries {
		next, changed, err := e.fn(topic, current)
		if err != nil {
			return nil, errs.FromError(err).WithTopic(topic)
		}
		if changed {
			current = next
		}
	}
	return current, nil
}

// Clear removes every interceptor from both chains without destroying
// the pipeline.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = nil
	p.responses = nil
}

func (p *Pipeline) isDestroyed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.destroyed
}

// Destroy clears both chains and marks the pipeline permanently
// unusable. Safe to call more than once.
func (p *Pipeline) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = nil
	p.responses = nil
	p.destroyed = true
}
