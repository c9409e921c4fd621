package approval

import "sort"

type outcome struct {
	value any
	err   error
}

// entry 是一条待审批请求。resolve 与 reject 只能由从队列中取出它的一方调用一次。
type entry[T any] struct {
	id        string
	view      T
	portID    string
	originKey string
	seq       uint64

	result    chan outcome
	abandoned chan struct{}
}

func newEntry[T any](id string, view T, portID, originKey string, seq uint64) *entry[T] {
	return &entry[T]{
		id:        id,
		view:      view,
		portID:    portID,
		originKey: originKey,
		seq:       seq,
		result:    make(chan outcome, 1),
		abandoned: make(chan struct{}),
	}
}

func (e *entry[T]) resolve(v any)    { e.result <- outcome{value: v} }
func (e *entry[T]) reject(err error) { e.result <- outcome{err: err} }
func (e *entry[T]) abandon()         { close(e.abandoned) }

// queue 保存一种请求的全部待审批条目，调用方负责加锁。
type queue[T any] struct {
	entries map[string]*entry[T]
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{entries: make(map[string]*entry[T])}
}

func (q *queue[T]) add(e *entry[T]) { q.entries[e.id] = e }

func (q *queue[T]) get(id string) (*entry[T], bool) {
	e, ok := q.entries[id]
	return e, ok
}

func (q *queue[T]) take(id string) (*entry[T], bool) {
	e, ok := q.entries[id]
	if ok {
		delete(q.entries, id)
	}
	return e, ok
}

func (q *queue[T]) hasOrigin(originKey string) bool {
	for _, e := range q.entries {
		if e.originKey == originKey {
			return true
		}
	}
	return false
}

// dropPort 移除某端口的全部条目并返回它们，不调用 resolve/reject。
func (q *queue[T]) dropPort(portID string) []*entry[T] {
	var dropped []*entry[T]
	for id, e := range q.entries {
		if e.portID == portID {
			delete(q.entries, id)
			dropped = append(dropped, e)
		}
	}
	return dropped
}

func (q *queue[T]) len() int { return len(q.entries) }

func (q *queue[T]) list() []T {
	sorted := make([]*entry[T], 0, len(q.entries))
	for _, e := range q.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].seq < sorted[j].seq })
	out := make([]T, len(sorted))
	for i, e := range sorted {
		out[i] = e.view
	}
	return out
}
