// Package pubsub provides typed in-process topics. Each topic keeps its
// latest value and delivers updates to subscribers in publish order.
package pubsub

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives values published on a topic.
type Handler[T any] func(T)

// Token cancels a subscription. Calling Unsubscribe more than once is safe.
type Token struct {
	once  sync.Once
	unsub func()
}

// Unsubscribe removes the handler from its topic.
func (t *Token) Unsubscribe() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.unsub != nil {
			t.unsub()
		}
	})
}

// Option configures a Topic.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used when a handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Topic is a typed publish/subscribe subject.
type Topic[T any] struct {
	name string
	opts options

	// deliverMu serialises deliveries so handlers observe publish order.
	deliverMu sync.Mutex

	mu       sync.RWMutex
	latest   T
	hasValue bool
	subs     map[uint64]Handler[T]
	nextID   atomic.Uint64
}

// NewTopic creates an empty topic.
func NewTopic[T any](name string, opts ...Option) *Topic[T] {
	t := &Topic[T]{name: name, subs: make(map[uint64]Handler[T])}
	for _, opt := range opts {
		if opt != nil {
			opt(&t.opts)
		}
	}
	if t.opts.logger == nil {
		t.opts.logger = slog.Default()
	}
	return t
}

// Name returns the topic name.
func (t *Topic[T]) Name() string { return t.name }

// Publish stores v as the latest value and hands it to every subscriber.
func (t *Topic[T]) Publish(v T) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	t.latest = v
	t.hasValue = true
	handlers := make([]Handler[T], 0, len(t.subs))
	for _, h := range t.subs {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		t.deliver(h, v)
	}
}

// Subscribe registers h. With replay set and a value already published, h
// receives the latest value before any later update.
func (t *Topic[T]) Subscribe(h Handler[T], replay bool) *Token {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	id := t.nextID.Add(1)
	t.mu.Lock()
	t.subs[id] = h
	latest, has := t.latest, t.hasValue
	t.mu.Unlock()

	if replay && has {
		t.deliver(h, latest)
	}
	return &Token{unsub: func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}}
}

// Latest returns the most recent value and whether one was published.
func (t *Topic[T]) Latest() (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.hasValue
}

// Subscribers returns the number of live subscriptions.
func (t *Topic[T]) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Topic[T]) deliver(h Handler[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			t.opts.logger.Error("topic handler panicked", "topic", t.name, "panic", r)
		}
	}()
	h(v)
}
