// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"slices"
	"testing"
)

func drainAll[T any](q *Pending[T]) []T {
	var out []T
	for {
		item, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

func TestPendingDropsOldest(t *testing.T) {
	t.Parallel()

	q := NewPending[int](3)
	for i := 1; i <= 3; i++ {
		if _, evicted := q.Push(i); evicted {
			t.Fatalf("Push(%d) evicted below capacity", i)
		}
	}
	old, evicted := q.Push(4)
	if !evicted || old != 1 {
		t.Fatalf("Push over capacity = (%d, %v), want (1, true)", old, evicted)
	}
	if q.Len() != q.Cap() {
		t.Fatalf("len = %d, want capacity %d", q.Len(), q.Cap())
	}
	if got := drainAll(q); !slices.Equal(got, []int{2, 3, 4}) {
		t.Fatalf("contents = %v, want [2 3 4]", got)
	}
}

func TestPendingWrapsAround(t *testing.T) {
	t.Parallel()

	q := NewPending[int](2)
	var got []int
	for i := range 7 {
		q.Push(i)
		if i%2 == 1 {
			item, _ := q.Pop()
			got = append(got, item)
		}
	}
	got = append(got, drainAll(q)...)
	if !slices.Equal(got, []int{0, 2, 4, 5, 6}) {
		t.Fatalf("order = %v, want [0 2 4 5 6]", got)
	}
}

func TestPendingClearReleases(t *testing.T) {
	t.Parallel()

	q := NewPending[string](4)
	q.Push("a")
	q.Push("b")
	var released []string
	if n := q.Clear(func(s string) { released = append(released, s) }); n != 2 {
		t.Fatalf("Clear = %d, want 2", n)
	}
	if !slices.Equal(released, []string{"a", "b"}) {
		t.Fatalf("released %v, want [a b]", released)
	}
	if _, ok := q.Peek(); ok {
		t.Fatal("Peek on cleared queue returned an item")
	}
	q.Push("c")
	if item, _ := q.Peek(); item != "c" {
		t.Fatalf("Peek = %q after reuse, want c", item)
	}
}

func TestPendingFrontUpdatesInPlace(t *testing.T) {
	t.Parallel()

	q := NewPending[alignRequest](2)
	if q.Front() != nil {
		t.Fatal("Front of empty queue is not nil")
	}
	q.Push(alignRequest{})
	q.Front().posted = true
	if item, _ := q.Pop(); !item.posted {
		t.Fatal("update through Front was lost")
	}
}
