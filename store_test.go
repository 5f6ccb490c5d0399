package genqueue

import (
	"container/heap"
	"testing"
)

func TestTaskHeap_popOrder(t *testing.T) {
	var h taskHeap
	push := func(priority int, seq uint64) *Task {
		task := &Task{priority: priority, seq: seq}
		heap.Push(&h, task)
		return task
	}

	// Priority ascending wins; equal priorities are FIFO by sequence.
	d := push(10, 4)
	b := push(1, 2)
	a := push(5, 1)
	c := push(5, 3)

	for i, want := range []*Task{b, a, c, d} {
		if got := h.popHighest(); got != want {
			t.Fatalf(`pop %d: expected priority=%d seq=%d, got %+v`, i, want.priority, want.seq, got)
		}
	}
	if h.popHighest() != nil {
		t.Fatal(`expected empty heap`)
	}
}

func TestTaskHeap_popSkipsTombstones(t *testing.T) {
	var h taskHeap
	a := &Task{priority: 1, seq: 1}
	b := &Task{priority: 5, seq: 2}
	heap.Push(&h, a)
	heap.Push(&h, b)

	a.terminal = true
	if got := h.popHighest(); got != b {
		t.Fatalf(`expected tombstone skipped, got %+v`, got)
	}
	if h.popHighest() != nil {
		t.Fatal(`expected empty heap`)
	}
	if h.Len() != 0 {
		t.Fatalf(`expected drained heap, got length %d`, h.Len())
	}
}
