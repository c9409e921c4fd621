// Package subscription binds topic sources to ports. Every subscription is
// keyed by (port, id) and ends on explicit unsubscribe or port disconnect,
// whichever comes first.
package subscription

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/observability/metrics"
	"OpenWallet-Core/internal/port"
	"OpenWallet-Core/pkg/logger"
)

// Emitter hands one update to a subscription. key groups updates for
// debouncing; non-debounced topics ignore it.
type Emitter func(key string, value any)

// Source starts producing updates for one subscription. It must stop
// emitting once ctx is done.
type Source func(ctx context.Context, params json.RawMessage, emit Emitter) error

// TopicOptions describes how a topic is delivered.
type TopicOptions struct {
	Debounced bool
	// AccountScoped topics are torn down on account switch.
	AccountScoped bool
}

type topic struct {
	source Source
	opts   TopicOptions
}

type subKey struct {
	portID string
	id     string
}

type subscription struct {
	key    subKey
	topic  string
	scoped bool
	port   port.Port
	cancel context.CancelFunc
	deb    *Debouncer

	mu     sync.Mutex
	closed bool
}

func (s *subscription) deliver(log *slog.Logger, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.port.Send(message.Push{ID: s.key.id, Subscription: v}); err != nil {
		log.Debug("push not delivered", slog.String("port", s.key.portID), slog.String("id", s.key.id), slog.Any("error", err))
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.deb != nil {
		s.deb.Stop()
	}
}

// Config tunes the debounce windows.
type Config struct {
	DebounceQuiet   time.Duration
	DebounceMaxWait time.Duration
}

// Manager owns every live subscription.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	topics  map[string]topic
	subs    map[subKey]*subscription
	watched map[string]bool
}

// NewManager creates a manager. Zero windows fall back to 300ms / 3s.
func NewManager(cfg Config) *Manager {
	if cfg.DebounceQuiet <= 0 {
		cfg.DebounceQuiet = 300 * time.Millisecond
	}
	if cfg.DebounceMaxWait <= 0 {
		cfg.DebounceMaxWait = 3 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		log:     logger.Named("subscription"),
		topics:  make(map[string]topic),
		subs:    make(map[subKey]*subscription),
		watched: make(map[string]bool),
	}
}

// Register adds a topic. Registering a name twice replaces the source for
// later subscriptions.
func (m *Manager) Register(name string, src Source, opts TopicOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[name] = topic{source: src, opts: opts}
}

// Subscribe starts topic for port p under id.
func (m *Manager) Subscribe(ctx context.Context, p port.Port, id, topicName string, params json.RawMessage) error {
	if !p.Connected() {
		return port.ErrDisconnected
	}
	key := subKey{portID: p.ID(), id: id}

	m.mu.Lock()
	t, ok := m.topics[topicName]
	if !ok {
		m.mu.Unlock()
		return xerrors.Newf(xerrors.CodeInvalidArgument, "unknown subscription topic %s", topicName)
	}
	if _, exists := m.subs[key]; exists {
		m.mu.Unlock()
		return xerrors.Newf(xerrors.CodeState, "subscription %s already exists on this port", id)
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{key: key, topic: topicName, scoped: t.opts.AccountScoped, port: p, cancel: cancel}
	if t.opts.Debounced {
		sub.deb = NewDebouncer(m.cfg.DebounceQuiet, m.cfg.DebounceMaxWait, func(_ string, v any) {
			sub.deliver(m.log, v)
		})
	}
	m.subs[key] = sub
	watch := !m.watched[key.portID]
	m.watched[key.portID] = true
	count := len(m.subs)
	m.mu.Unlock()

	metrics.SetGauge("subscriptions", float64(count))
	if watch {
		p.OnDisconnect(func() { m.UnsubscribePort(key.portID) })
	}

	emit := func(k string, v any) {
		if sub.deb != nil {
			sub.deb.Push(k, v)
			return
		}
		sub.deliver(m.log, v)
	}
	if err := t.source(subCtx, params, emit); err != nil {
		m.remove(key)
		return err
	}
	return nil
}

// Unsubscribe ends the subscription id on p. Unknown ids are a logged no-op.
func (m *Manager) Unsubscribe(p port.Port, id string) bool {
	if !m.remove(subKey{portID: p.ID(), id: id}) {
		m.log.Debug("unsubscribe for unknown subscription", slog.String("port", p.ID()), slog.String("id", id))
		return false
	}
	return true
}

// UnsubscribePort ends every subscription owned by the port.
func (m *Manager) UnsubscribePort(portID string) int {
	m.mu.Lock()
	var doomed []*subscription
	for key, sub := range m.subs {
		if key.portID == portID {
			doomed = append(doomed, sub)
			delete(m.subs, key)
		}
	}
	delete(m.watched, portID)
	count := len(m.subs)
	m.mu.Unlock()
	return m.closeAll(doomed, count)
}

// UnsubscribeScoped ends every account-scoped subscription.
func (m *Manager) UnsubscribeScoped() int {
	m.mu.Lock()
	var doomed []*subscription
	for key, sub := range m.subs {
		if sub.scoped {
			doomed = append(doomed, sub)
			delete(m.subs, key)
		}
	}
	count := len(m.subs)
	m.mu.Unlock()
	return m.closeAll(doomed, count)
}

// Count returns the number of live subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Topics lists registered topic names.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

func (m *Manager) remove(key subKey) bool {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if ok {
		delete(m.subs, key)
	}
	count := len(m.subs)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.closeAll([]*subscription{sub}, count)
	return true
}

func (m *Manager) closeAll(subs []*subscription, remaining int) int {
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("subscription teardown panicked", slog.String("id", sub.key.id), slog.Any("panic", r))
				}
			}()
			sub.close()
		}()
	}
	metrics.SetGauge("subscriptions", float64(remaining))
	return len(subs)
}
