// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

// Pending is a bounded FIFO that drops its oldest entry on overflow.
// Producers never block; stale entries are returned from Push so the
// caller can release whatever they hold.
type Pending[T any] struct {
	items []T
	head  int
	count int
}

// NewPending returns an empty queue holding at most capacity entries.
func NewPending[T any](capacity int) *Pending[T] {
	if capacity <= 0 {
		panic("relay: pending queue capacity must be positive")
	}
	return &Pending[T]{items: make([]T, capacity)}
}

// Push appends item. If the queue was full the oldest entry is evicted
// and returned with evicted set.
func (q *Pending[T]) Push(item T) (old T, evicted bool) {
	if q.count == len(q.items) {
		old = q.items[q.head]
		q.items[q.head] = item
		q.head = (q.head + 1) % len(q.items)
		return old, true
	}
	q.items[(q.head+q.count)%len(q.items)] = item
	q.count++
	return old, false
}

// Peek returns the oldest entry without removing it.
func (q *Pending[T]) Peek() (T, bool) {
	var zero T
	if q.count == 0 {
		return zero, false
	}
	return q.items[q.head], true
}

// Front returns a pointer to the oldest entry for in-place update, or
// nil when empty.
func (q *Pending[T]) Front() *T {
	if q.count == 0 {
		return nil
	}
	return &q.items[q.head]
}

// Pop removes and returns the oldest entry.
func (q *Pending[T]) Pop() (T, bool) {
	var zero T
	if q.count == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return item, true
}

// Clear empties the queue, passing each discarded entry to release if
// it is non-nil. It returns the number discarded.
func (q *Pending[T]) Clear(release func(T)) int {
	discarded := q.count
	for q.count > 0 {
		item, _ := q.Pop()
		if release != nil {
			release(item)
		}
	}
	q.head = 0
	return discarded
}

// Len is the number of queued entries.
func (q *Pending[T]) Len() int { return q.count }

// Cap is the queue capacity.
func (q *Pending[T]) Cap() int { return len(q.items) }
