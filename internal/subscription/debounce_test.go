package subscription

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushLog struct {
	mu     sync.Mutex
	values []any
	at     []time.Time
}

func (l *flushLog) record(_ string, v any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = append(l.values, v)
	l.at = append(l.at, time.Now())
}

func (l *flushLog) snapshot() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.values...)
}

func TestBurstCollapsesToLatest(t *testing.T) {
	log := &flushLog{}
	d := NewDebouncer(30*time.Millisecond, time.Second, log.record)

	for i := 1; i <= 5; i++ {
		d.Push("eth", i)
	}
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []any{5}, log.snapshot())
	assert.Equal(t, 0, d.Pending())
}

func TestKeysDebounceIndependently(t *testing.T) {
	log := &flushLog{}
	d := NewDebouncer(20*time.Millisecond, time.Second, log.record)

	d.Push("eth", "a1")
	d.Push("polygon", "b1")
	d.Push("eth", "a2")

	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []any{"a2", "b1"}, log.snapshot())
}

func TestMaxWaitForcesFlush(t *testing.T) {
	log := &flushLog{}
	quiet, maxWait := 40*time.Millisecond, 120*time.Millisecond
	d := NewDebouncer(quiet, maxWait, log.record)

	start := time.Now()
	stop := time.After(400 * time.Millisecond)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	i := 0
loop:
	for {
		select {
		case <-tick.C:
			i++
			d.Push("eth", i)
		case <-stop:
			break loop
		}
	}
	d.Stop()

	log.mu.Lock()
	defer log.mu.Unlock()
	require.NotEmpty(t, log.at, "updates that never quiesce must still flush")
	assert.Less(t, log.at[0].Sub(start), 300*time.Millisecond)
}

func TestStopDropsPending(t *testing.T) {
	log := &flushLog{}
	d := NewDebouncer(20*time.Millisecond, time.Second, log.record)
	d.Push("eth", 1)
	d.Stop()
	d.Push("eth", 2)
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, log.snapshot())
}
