package subscription

import (
	"sync"
	"time"
)

// Debouncer collapses bursts of updates per key. The latest value for a key
// is flushed after the quiet window elapses without a new update, or once
// maxWait has passed since the first update of the burst.
type Debouncer struct {
	quiet   time.Duration
	maxWait time.Duration
	flush   func(key string, v any)

	mu      sync.Mutex
	slots   map[string]*slot
	stopped bool

	// flushMu keeps flushes in the order their bursts closed.
	flushMu sync.Mutex
}

type slot struct {
	value any
	first time.Time
	timer *time.Timer
}

// NewDebouncer creates a debouncer. flush must not call Push.
func NewDebouncer(quiet, maxWait time.Duration, flush func(key string, v any)) *Debouncer {
	if maxWait < quiet {
		maxWait = quiet
	}
	return &Debouncer{quiet: quiet, maxWait: maxWait, flush: flush, slots: make(map[string]*slot)}
}

// Push records v as the latest value for key.
func (d *Debouncer) Push(key string, v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	now := time.Now()
	s := d.slots[key]
	if s == nil {
		s = &slot{value: v, first: now}
		d.slots[key] = s
		s.timer = time.AfterFunc(d.quiet, func() { d.fire(key, s) })
		return
	}
	s.value = v
	wait := d.quiet
	if remaining := d.maxWait - now.Sub(s.first); remaining < wait {
		wait = max(remaining, 0)
	}
	s.timer.Reset(wait)
}

func (d *Debouncer) fire(key string, s *slot) {
	d.mu.Lock()
	if d.stopped || d.slots[key] != s {
		d.mu.Unlock()
		return
	}
	delete(d.slots, key)
	v := s.value
	d.flushMu.Lock()
	d.mu.Unlock()

	defer d.flushMu.Unlock()
	d.flush(key, v)
}

// Pending returns the number of keys waiting to flush.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// Stop drops every pending value. No flush starts after Stop returns.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, s := range d.slots {
		s.timer.Stop()
		delete(d.slots, key)
	}
}
