// Package chainstate holds the per-chain state pushed to the wallet UI
// (balances, prices, staking, crowdloans, NFTs) and the jobs that refresh it.
package chainstate

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/pubsub"
	"OpenWallet-Core/internal/subscription"
	"OpenWallet-Core/pkg/logger"
)

// Snapshot is an immutable view of a feed. Changed lists the keys touched
// by the update that produced it.
type Snapshot[T any] struct {
	Entries map[string]T
	Changed []string
}

// Feed is a keyed state table whose updates are published in order.
type Feed[T any] struct {
	name    string
	chainOf func(T) string
	ownerOf func(T) string

	// publishMu keeps snapshot construction and publication in one order.
	publishMu sync.Mutex
	mu        sync.RWMutex
	entries   map[string]T
	topic     *pubsub.Topic[Snapshot[T]]

	// owner is the account the feed is bound to. Once bound, values of other
	// accounts are neither stored nor delivered.
	owner string
	bound bool
}

// NewFeed creates an empty feed. chainOf extracts the chain key used by
// subscription filters.
func NewFeed[T any](name string, chainOf func(T) string) *Feed[T] {
	f := &Feed[T]{
		name:    name,
		chainOf: chainOf,
		entries: make(map[string]T),
		topic:   pubsub.NewTopic[Snapshot[T]](name, pubsub.WithLogger(logger.Named("chainstate"))),
	}
	f.topic.Publish(Snapshot[T]{Entries: map[string]T{}})
	return f
}

// OwnedBy marks the feed as account scoped. ownerOf extracts the account a
// value belongs to.
func (f *Feed[T]) OwnedBy(ownerOf func(T) string) *Feed[T] {
	f.ownerOf = ownerOf
	return f
}

// Bind restricts the feed to account. Entries of other accounts are dropped.
func (f *Feed[T]) Bind(account string) {
	if f.ownerOf == nil {
		return
	}
	f.publishMu.Lock()
	defer f.publishMu.Unlock()

	f.mu.Lock()
	f.owner, f.bound = account, true
	entries := make(map[string]T, len(f.entries))
	for k, v := range f.entries {
		if f.ownedLocked(v) {
			entries[k] = v
		}
	}
	dropped := len(entries) != len(f.entries)
	f.entries = entries
	f.mu.Unlock()

	if dropped {
		f.topic.Publish(Snapshot[T]{Entries: entries})
	}
}

func (f *Feed[T]) ownedLocked(v T) bool {
	return f.ownerOf == nil || !f.bound || strings.EqualFold(f.ownerOf(v), f.owner)
}

func (f *Feed[T]) owned(v T) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ownedLocked(v)
}

// Name returns the feed name.
func (f *Feed[T]) Name() string { return f.name }

// Put stores v under key and publishes the change.
func (f *Feed[T]) Put(ctx context.Context, key string, v T) bool {
	return f.Update(ctx, key, func(T, bool) (T, bool) { return v, true })
}

// Update applies fn to the current value of key and reports whether the feed
// changed. Returning false from fn leaves the feed unchanged. Writes whose ctx
// is already done are dropped: a job of a torn down scope must not leak into
// the next one.
func (f *Feed[T]) Update(ctx context.Context, key string, fn func(old T, ok bool) (T, bool)) bool {
	f.publishMu.Lock()
	defer f.publishMu.Unlock()
	if ctx.Err() != nil {
		return false
	}

	f.mu.Lock()
	old, ok := f.entries[key]
	next, changed := fn(old, ok)
	if !changed || !f.ownedLocked(next) {
		f.mu.Unlock()
		return false
	}
	entries := make(map[string]T, len(f.entries)+1)
	for k, v := range f.entries {
		entries[k] = v
	}
	entries[key] = next
	f.entries = entries
	f.mu.Unlock()

	f.topic.Publish(Snapshot[T]{Entries: entries, Changed: []string{key}})
	return true
}

// Reset drops every entry.
func (f *Feed[T]) Reset() {
	f.publishMu.Lock()
	defer f.publishMu.Unlock()
	f.mu.Lock()
	f.entries = make(map[string]T)
	f.mu.Unlock()
	f.topic.Publish(Snapshot[T]{Entries: map[string]T{}})
}

// Get returns the value stored under key.
func (f *Feed[T]) Get(key string) (T, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.entries[key]
	return v, ok
}

// Values returns every value ordered by key.
func (f *Feed[T]) Values() []T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.entries[k])
	}
	return out
}

// Len returns the number of entries.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Filter narrows a subscription to some chains.
type Filter struct {
	Chains []string `json:"chains,omitempty"`
}

func parseFilter(params json.RawMessage) (map[string]bool, error) {
	if len(params) == 0 || string(params) == "null" {
		return nil, nil
	}
	var filter Filter
	if err := json.Unmarshal(params, &filter); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid subscription params")
	}
	if len(filter.Chains) == 0 {
		return nil, nil
	}
	set := make(map[string]bool, len(filter.Chains))
	for _, c := range filter.Chains {
		set[c] = true
	}
	return set, nil
}

// Source adapts the feed to the subscription manager. A new subscriber first
// receives every current entry, then each change as it happens. Only entries
// of the bound account are delivered.
func (f *Feed[T]) Source() subscription.Source {
	return func(ctx context.Context, params json.RawMessage, emit subscription.Emitter) error {
		chains, err := parseFilter(params)
		if err != nil {
			return err
		}
		accept := func(v T) bool {
			if !f.owned(v) {
				return false
			}
			return chains == nil || f.chainOf == nil || chains[f.chainOf(v)]
		}
		first := true
		token := f.topic.Subscribe(func(s Snapshot[T]) {
			if ctx.Err() != nil {
				return
			}
			keys := s.Changed
			if first {
				first = false
				keys = make([]string, 0, len(s.Entries))
				for k := range s.Entries {
					keys = append(keys, k)
				}
				sort.Strings(keys)
			}
			for _, k := range keys {
				if v, ok := s.Entries[k]; ok && accept(v) {
					emit(k, v)
				}
			}
		}, true)
		context.AfterFunc(ctx, token.Unsubscribe)
		return nil
	}
}
