// Package kernel implements the Event Kernel: a topic-indexed publish/
// subscribe core with bounded fan-out, emission isolation, and namespaced
// views. Every higher-level meshbus component communicates through a
// Kernel instance.
//
// Grounded on the teacher's sync.RWMutex-guarded map idiom
// (infrastructure/cache/cache.go, infrastructure/state/state.go), crossed
// with the subscriber-map shape of an in-process pub/sub core.
package kernel

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cohortlabs/meshbus/clone"
	"github.com/cohortlabs/meshbus/errs"
	"github.com/cohortlabs/meshbus/internal/metrics"
)

// Handler receives one payload. Handlers must not block indefinitely: an
// Emit call invokes every subscriber synchronously, in subscription order.
type Handler func(payload any)

// Unsubscribe removes the handler it was returned for. Safe to call more
// than once; the second and later calls are no-ops.
type Unsubscribe func()

// DefaultMaxListeners is the per-topic subscriber cap applied unless a
// Kernel is constructed with a different value.
const DefaultMaxListeners = 100

type subscriber struct {
	id      uint64
	handler Handler
	once    bool
}

// Kernel is the Event Kernel. The zero value is not usable; construct one
// with New.
type Kernel struct {
	name        string
	maxListener int
	log         logrus.FieldLogger
	metrics     *metrics.Metrics

	mu     sync.RWMutex
	topics map[string][]*subscriber
	nextID uint64

	destroyed atomic.Bool
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithMaxListeners overrides the default per-topic subscriber cap.
func WithMaxListeners(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.maxListener = n
		}
	}
}

// WithLogger attaches a logger used for subscriber-panic warnings.
func WithLogger(log logrus.FieldLogger) Option {
	return func(k *Kernel) { k.log = log }
}

// WithMetrics attaches a metrics collector for emit/panic counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// New constructs a Kernel named bus, used only to label metrics and logs.
func New(bus string, opts ...Option) *Kernel {
	k := &Kernel{
		name:        bus,
		maxListener: DefaultMaxListeners,
		log:         logrus.StandardLogger(),
		topics:      make(map[string][]*subscriber),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// validateTopic enforces the 1..255 character, no-leading/trailing-
// whitespace topic naming rule.
func validateTopic(topic string) error {
	if len(topic) == 0 || len(topic) > 255 {
		return errs.BadRequestf("topic must be 1..255 characters, got %d", len(topic)).WithTopic(topic)
	}
	if topic != strings.TrimSpace(topic) {
		return errs.BadRequestf("topic must not have leading/trailing whitespace").WithTopic(topic)
	}
	return nil
}

// Destroyed reports whether Destroy has already been called.
func (k *Kernel) Destroyed() bool {
	return k.destroyed.Load()
}

func (k *Kernel) checkAlive() error {
	if k.destroyed.Load() {
		return errs.Gonef("kernel %q is destroyed", k.name)
	}
	return nil
}

// Emit delivers payload to every current subscriber of topic, in
// subscription order. A deep copy of payload is handed to each subscriber
// so one subscriber's mutation cannot affect another's view or the
// emitter's own copy. Panics inside a subscriber are recovered, logged,
// and counted; they never prevent the remaining subscribers from running.
func (k *Kernel) Emit(topic string, payload any) error {
	if err := k.checkAlive(); err != nil {
		return err
	}
	if err := validateTopic(topic); err != nil {
		return err
	}

	k.mu.RLock()
	subs := append([]*subscriber(nil), k.topics[topic]...)
	k.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	var fired []*subscriber
	for _, sub := range subs {
		k.invoke(topic, sub, clone.Deep(payload))
		if sub.once {
			fired = append(fired, sub)
		}
	}
	if k.metrics != nil {
		k.metrics.RecordEmit(k.name, topic, len(subs))
	}
	for _, sub := range fired {
		k.removeSubscriber(topic, sub.id)
	}
	return nil
}

func (k *Kernel) invoke(topic string, sub *subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			k.log.WithFields(logrus.Fields{"bus": k.name, "topic": topic, "recovered": r}).
				Warn("kernel subscriber panicked")
			if k.metrics != nil {
				k.metrics.RecordListenerPanic(k.name, topic)
			}
		}
	}()
	sub.handler(payload)
}

// On registers handler for topic and returns a thunk that removes it.
// Fails with Internal once the topic already holds maxListeners
// subscribers.
func (k *Kernel) On(topic string, handler Handler) (Unsubscribe, error) {
	return k.subscribe(topic, handler, false)
}

// Once registers a handler that fires at most once. The returned
// Unsubscribe, if invoked before the handler fires, prevents it from ever
// firing.
func (k *Kernel) Once(topic string, handler Handler) (Unsubscribe, error) {
	return k.subscribe(topic, handler, true)
}

func (k *Kernel) subscribe(topic string, handler Handler, once bool) (Unsubscribe, error) {
	if err := k.checkAlive(); err != nil {
		return nil, err
	}
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errs.BadRequestf("handler must not be nil").WithTopic(topic)
	}

	k.mu.Lock()
	if len(k.topics[topic]) >= k.maxListener {
		k.mu.Unlock()
		return nil, errs.Internalf("topic %q already has the maximum of %d listeners", topic, k.maxListener).WithTopic(topic)
	}
	k.nextID++
	sub := &subscriber{id: k.nextID, handler: handler, once: once}
	k.topics[topic] = append(k.topics[topic], sub)
	k.mu.Unlock()

	var fired atomic.Bool
	return func() {
		if fired.CompareAndSwap(false, true) {
			k.removeSubscriber(topic, sub.id)
		}
	}, nil
}

func (k *Kernel) removeSubscriber(topic string, id uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	subs := k.topics[topic]
	for i, s := range subs {
		if s.id == id {
			k.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(k.topics[topic]) == 0 {
		delete(k.topics, topic)
	}
}

// Off idempotently removes handler from topic, comparing handlers by
// their underlying function pointer since Go function values are not
// otherwise comparable.
func (k *Kernel) Off(topic string, handler Handler) error {
	if err := k.checkAlive(); err != nil {
		return err
	}
	target := reflect.ValueOf(handler).Pointer()

	k.mu.Lock()
	defer k.mu.Unlock()
	subs := k.topics[topic]
	for i, s := range subs {
		if reflect.ValueOf(s.handler).Pointer() == target {
			k.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(k.topics[topic]) == 0 {
		delete(k.topics, topic)
	}
	return nil
}

// RemoveAllListeners prunes every subscriber of topic. If topic is empty,
// every topic is pruned.
func (k *Kernel) RemoveAllListeners(topic string) error {
	if err := k.checkAlive(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if topic == "" {
		k.topics = make(map[string][]*subscriber)
		return nil
	}
	delete(k.topics, topic)
	return nil
}

// GetListenerCount returns the number of subscribers currently registered
// for topic.
func (k *Kernel) GetListenerCount(topic string) int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.topics[topic])
}

// HasListeners reports whether topic has at least one subscriber.
func (k *Kernel) HasListeners(topic string) bool {
	return k.GetListenerCount(topic) > 0
}

// GetEventNames returns every topic that currently has subscribers.
func (k *Kernel) GetEventNames() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.topics))
	for name := range k.topics {
		names = append(names, name)
	}
	return names
}

// CreateNamespace returns a Namespace view that prepends prefix+":" to
// every topic passed to its methods. No Namespace method returns or
// reports topic names, so nothing is stripped on the way out.
func (k *Kernel) CreateNamespace(prefix string) *Namespace {
	return &Namespace{kernel: k, prefix: prefix}
}

// Destroy prunes every subscriber and marks the kernel destroyed. Safe to
// call more than once.
func (k *Kernel) Destroy() {
	if !k.destroyed.CompareAndSwap(false, true) {
		return
	}
	k.mu.Lock()
	k.topics = make(map[string][]*subscriber)
	k.mu.Unlock()
}

// Namespace is a transparent view over a Kernel that joins a fixed prefix
// onto every topic name.
type Namespace struct {
	kernel *Kernel
	prefix string
}

func (n *Namespace) join(topic string) string {
	return fmt.Sprintf("%s:%s", n.prefix, topic)
}

// Emit emits on the namespaced topic.
func (n *Namespace) Emit(topic string, payload any) error {
	return n.kernel.Emit(n.join(topic), payload)
}

// On subscribes on the namespaced topic.
func (n *Namespace) On(topic string, handler Handler) (Unsubscribe, error) {
	return n.kernel.On(n.join(topic), handler)
}

// Once subscribes once on the namespaced topic.
func (n *Namespace) Once(topic string, handler Handler) (Unsubscribe, error) {
	return n.kernel.Once(n.join(topic), handler)
}

// Off unsubscribes from the namespaced topic.
func (n *Namespace) Off(topic string, handler Handler) error {
	return n.kernel.Off(n.join(topic), handler)
}

// Close removes every listener this namespace could plausibly have
// installed, scoped by its prefix, without tearing down the parent
// kernel's unrelated topics.
func (n *Namespace) Close() error {
	n.kernel.mu.Lock()
	prefix := n.prefix + ":"
	var toDelete []string
	for topic := range n.kernel.topics {
		if strings.HasPrefix(topic, prefix) {
			toDelete = append(toDelete, topic)
		}
	}
	for _, topic := range toDelete {
		delete(n.kernel.topics, topic)
	}
	n.kernel.mu.Unlock()
	return nil
}
