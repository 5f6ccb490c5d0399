package genqueue

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// ringBuffer is an ordered ring buffer used to back per-user rate-limit
// windows. Values are appended in non-decreasing order (admission stamps are
// monotonic), consumed from the front via RemoveBefore, and located with a
// binary Search. The buffer grows by doubling when full.
type ringBuffer[E constraints.Ordered] struct {
	s    []E
	r, w uint
}

func newRingBuffer[E constraints.Ordered](size int) *ringBuffer[E] {
	if size <= 0 || size&(size-1) != 0 {
		panic(`genqueue: ring: size must be a power of 2`)
	}
	return &ringBuffer[E]{s: make([]E, size)}
}

func (x *ringBuffer[E]) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

func (x *ringBuffer[E]) bounds() (i1, l1, l2 int) {
	if x.r == x.w {
		return
	}
	i1 = int(x.mask(x.r))
	l1 = int(x.mask(x.w))
	if l1 <= i1 {
		l2 = l1
		l1 = len(x.s)
	}
	return
}

func (x *ringBuffer[E]) Len() int {
	return int(x.w - x.r)
}

func (x *ringBuffer[E]) Cap() int {
	return len(x.s)
}

func (x *ringBuffer[E]) Get(i int) E {
	if i < 0 || i >= x.Len() {
		panic(`genqueue: ring: get: index out of range`)
	}
	return x.s[x.mask(x.r+uint(i))]
}

func (x *ringBuffer[E]) Slice() (b []E) {
	if l := x.Len(); l != 0 {
		b = make([]E, l)
		i1, l1, l2 := x.bounds()
		copy(b, x.s[i1:l1])
		copy(b[l1-i1:], x.s[:l2])
	}
	return b
}

// RemoveBefore discards the first index elements.
func (x *ringBuffer[E]) RemoveBefore(index int) {
	if index < 0 || index > x.Len() {
		panic(`genqueue: ring: remove before: index out of range`)
	}
	x.r += uint(index)
}

// Search returns the index of the first element >= value, or Len if none.
func (x *ringBuffer[E]) Search(value E) int {
	return sort.Search(x.Len(), func(i int) bool {
		return x.Get(i) >= value
	})
}

// Append writes value at the end, growing the buffer if full.
func (x *ringBuffer[E]) Append(value E) {
	if x.Len() == len(x.s) {
		s := make([]E, uint(len(x.s))<<1)
		if len(s) == 0 {
			panic(`genqueue: ring: append: overflow`)
		}
		i1, l1, l2 := x.bounds()
		n := copy(s, x.s[i1:l1])
		n += copy(s[n:], x.s[:l2])
		x.r = 0
		x.w = uint(n)
		x.s = s
	}
	x.s[x.mask(x.w)] = value
	x.w++
}
