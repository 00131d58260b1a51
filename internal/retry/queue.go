package retry

import (
	"container/heap"
	"time"
)

// Queue is a delay queue ordered by not-before time, FIFO among equal times.
// It is not safe for concurrent use; callers hold their own lock.
type Queue[T any] struct {
	items items[T]
	seq   uint64
}

type entry[T any] struct {
	at    time.Time
	seq   uint64
	value T
}

type items[T any] []entry[T]

func (h items[T]) Len() int { return len(h) }
func (h items[T]) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h items[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *items[T]) Push(x any)   { *h = append(*h, x.(entry[T])) }
func (h *items[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Push schedules value to become due at notBefore.
func (q *Queue[T]) Push(notBefore time.Time, value T) {
	q.seq++
	heap.Push(&q.items, entry[T]{at: notBefore, seq: q.seq, value: value})
}

// PopDue removes and returns up to limit values due at or before now, in
// not-before order. A limit <= 0 returns nothing.
func (q *Queue[T]) PopDue(now time.Time, limit int) []T {
	var out []T
	for len(out) < limit && len(q.items) > 0 && !q.items[0].at.After(now) {
		out = append(out, heap.Pop(&q.items).(entry[T]).value)
	}
	return out
}

// Due counts the values due at or before now.
func (q *Queue[T]) Due(now time.Time) int {
	n := 0
	for _, it := range q.items {
		if !it.at.After(now) {
			n++
		}
	}
	return n
}

// Peek returns the earliest not-before time.
func (q *Queue[T]) Peek() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}

// Remove drops every value matching pred and returns how many were removed.
func (q *Queue[T]) Remove(pred func(T) bool) int {
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if pred(it.value) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	var zero entry[T]
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	heap.Init(&q.items)
	return removed
}

// Drain removes and returns every value regardless of due time.
func (q *Queue[T]) Drain() []T {
	out := make([]T, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(entry[T]).value)
	}
	return out
}

// Len returns the number of scheduled values.
func (q *Queue[T]) Len() int {
	return len(q.items)
}
