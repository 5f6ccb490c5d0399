package genqueue

import "container/heap"

// taskHeap is the priority job store: a min-heap ordered by normalized
// priority ascending, ties broken by admission sequence (FIFO within a
// priority class). Tasks cancelled while queued stay in the heap as
// tombstones and are discarded on pop. All access is serialized by the
// manager lock.
type taskHeap []*Task

func (x taskHeap) Len() int { return len(x) }

func (x taskHeap) Less(i, j int) bool {
	if x[i].priority != x[j].priority {
		return x[i].priority < x[j].priority
	}
	return x[i].seq < x[j].seq
}

func (x taskHeap) Swap(i, j int) { x[i], x[j] = x[j], x[i] }

func (x *taskHeap) Push(v any) { *x = append(*x, v.(*Task)) }

func (x *taskHeap) Pop() any {
	old := *x
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*x = old[:n-1]
	return v
}

// popHighest removes and returns the highest-priority live task, discarding
// tombstones, or nil if no live task remains.
func (x *taskHeap) popHighest() *Task {
	for x.Len() != 0 {
		if t := heap.Pop(x).(*Task); !t.terminal {
			return t
		}
	}
	return nil
}
