package genqueue

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (x *fakeClock) Now() time.Time {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.now
}

func (x *fakeClock) Advance(d time.Duration) {
	x.mu.Lock()
	x.now = x.now.Add(d)
	x.mu.Unlock()
}

type (
	// fakeTimers implements the manager's timer construction with manually
	// fired timers, for deterministic deadline and backoff control.
	fakeTimers struct {
		mu      sync.Mutex
		pending []*fakeTimer
	}

	fakeTimer struct {
		c       chan time.Time
		d       time.Duration
		stopped bool
	}
)

func (x *fakeTimers) newTimer(d time.Duration) (<-chan time.Time, func() bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ft := &fakeTimer{c: make(chan time.Time, 1), d: d}
	x.pending = append(x.pending, ft)
	return ft.c, func() bool {
		x.mu.Lock()
		defer x.mu.Unlock()
		if ft.stopped {
			return false
		}
		ft.stopped = true
		return true
	}
}

// fire fires the oldest live timer, waiting for one to be created if
// necessary, and returns its configured duration.
func (x *fakeTimers) fire(t *testing.T) time.Duration {
	t.Helper()
	return x.fireUpTo(t, 1<<62)
}

// fireUpTo fires the oldest live timer whose duration is at most max, leaving
// longer ones (e.g. an attempt deadline) pending.
func (x *fakeTimers) fireUpTo(t *testing.T, max time.Duration) time.Duration {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		x.mu.Lock()
		for i, ft := range x.pending {
			if ft.stopped || ft.d > max {
				continue
			}
			ft.stopped = true
			x.pending = append(x.pending[:i], x.pending[i+1:]...)
			x.mu.Unlock()
			ft.c <- time.Time{}
			return ft.d
		}
		x.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal(`no pending timer to fire`)
		}
		time.Sleep(time.Millisecond)
	}
}

func mustManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func noopWork() Runnable {
	return RunnableFunc(func(ctx context.Context, payload any) (Result, error) {
		return payload, nil
	})
}

// waitSettled blocks until the task reaches its terminal state, failing the
// test if it does not settle within a generous bound.
func waitSettled(t *testing.T, task *Task) (Result, error) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal(`task did not settle in time`)
	}
	return task.Wait(context.Background())
}

// actionsFor returns the event actions recorded for the request id, oldest
// first.
func actionsFor(m *Manager, requestID string) []string {
	var out []string
	for _, e := range m.Events(0) {
		if e.RequestID == requestID {
			out = append(out, e.Action)
		}
	}
	return out
}

func findEvent(m *Manager, action string) (Event, bool) {
	for _, e := range m.Events(0) {
		if e.Action == action {
			return e, true
		}
	}
	return Event{}, false
}

func countEvents(m *Manager, action string) int {
	var n int
	for _, e := range m.Events(0) {
		if e.Action == action {
			n++
		}
	}
	return n
}

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal(`expected panic`)
		}
	}()
	fn()
}
