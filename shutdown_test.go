package genqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-genqueue/generr"
)

// Two running tasks are aborted and three queued tasks dropped; accepting
// again afterwards re-arms the manager.
func TestManager_shutdownAbortsAndDrops(t *testing.T) {
	m := mustManager(t, WithConcurrency(2))

	started := make(chan struct{}, 2)
	work := RunnableFunc(func(ctx context.Context, _ any) (Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var tasks []*Task
	for i := 0; i < 5; i++ {
		task, err := m.Submit(context.Background(), work, SubmitOptions{})
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, task)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal(`running tasks never started`)
		}
	}

	outcome, err := m.Shutdown(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Clean || outcome.TimedOut {
		t.Fatalf(`expected unclean, un-timed-out outcome: %+v`, outcome)
	}
	if outcome.AbortedInFlight != 2 || outcome.DroppedQueued != 3 {
		t.Fatalf(`expected 2 aborted / 3 dropped, got %+v`, outcome)
	}

	for i, task := range tasks {
		_, err := waitSettled(t, task)
		if kind := generr.KindOf(err); kind != generr.Cancelled {
			t.Fatalf(`task %d: expected cancelled, got kind %s (%v)`, i, kind, err)
		}
	}

	e, ok := findEvent(m, actionShutdownAbortedInflight)
	if !ok || e.Count != 2 {
		t.Fatalf(`expected shutdown_aborted_inflight count 2, got %+v (%v)`, e, ok)
	}
	e, ok = findEvent(m, actionShutdownDroppedQueued)
	if !ok || e.Count != 3 {
		t.Fatalf(`expected shutdown_dropped_queued count 3, got %+v (%v)`, e, ok)
	}
	if _, ok := findEvent(m, actionShutdownCompletedUnclean); !ok {
		t.Fatal(`expected shutdown_completed_unclean event`)
	}
	e, _ = findEvent(m, actionCancelledBeforeStart)
	if e.Reason != `shutdown` {
		t.Fatalf(`expected shutdown reason on dropped tasks, got %q`, e.Reason)
	}

	// Admission is gated off until explicitly re-armed.
	_, err = m.Submit(context.Background(), noopWork(), SubmitOptions{})
	if kind := generr.KindOf(err); kind != generr.Shutdown {
		t.Fatalf(`expected shutdown kind, got %s (%v)`, kind, err)
	}
	if d, ok := generr.KindOf(err).RetryAfter(); !ok || d != 30*time.Second {
		t.Fatalf(`expected 30s retry-after hint, got %v (%v)`, d, ok)
	}

	m.SetAccepting(true)
	task, err := m.Submit(context.Background(), noopWork(), SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitSettled(t, task); err != nil {
		t.Fatal(err)
	}
}

func TestManager_shutdownCleanWhenIdle(t *testing.T) {
	m := mustManager(t)

	outcome, err := m.Shutdown(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Clean || outcome.TimedOut || outcome.AbortedInFlight != 0 || outcome.DroppedQueued != 0 {
		t.Fatalf(`expected clean outcome, got %+v`, outcome)
	}
	if _, ok := findEvent(m, actionShutdownStarted); !ok {
		t.Fatal(`expected shutdown_started event`)
	}
	if _, ok := findEvent(m, actionShutdownCompletedClean); !ok {
		t.Fatal(`expected shutdown_completed_clean event`)
	}
}

// A second Shutdown while one is in flight joins the existing coordination
// and reports the same outcome.
func TestManager_shutdownConcurrentSharesOutcome(t *testing.T) {
	m := mustManager(t, WithConcurrency(1))

	gate := make(chan struct{})
	started := make(chan struct{})
	task, err := m.Submit(context.Background(), RunnableFunc(func(ctx context.Context, _ any) (Result, error) {
		close(started)
		<-gate
		return nil, nil
	}), SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	first := make(chan ShutdownOutcome, 1)
	go func() {
		outcome, err := m.Shutdown(context.Background(), 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		first <- outcome
	}()

	// Join only once the first call owns the coordination.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := findEvent(m, actionShutdownStarted); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal(`shutdown never started`)
		}
		time.Sleep(time.Millisecond)
	}
	second := make(chan ShutdownOutcome, 1)
	go func() {
		outcome, err := m.Shutdown(context.Background(), 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		second <- outcome
	}()

	close(gate)
	o1 := <-first
	o2 := <-second
	if o1 != o2 {
		t.Fatalf(`expected shared outcome, got %+v and %+v`, o1, o2)
	}
	if o1.Clean || o1.AbortedInFlight != 1 {
		t.Fatalf(`unexpected outcome: %+v`, o1)
	}

	// The task's late result is discarded; it settles cancelled.
	_, err = waitSettled(t, task)
	if kind := generr.KindOf(err); kind != generr.Cancelled {
		t.Fatalf(`expected cancelled, got kind %s (%v)`, kind, err)
	}
}

// Work that outlives the drain timeout forces the registry clear; the request
// id frees up immediately even though the work function is still stuck.
func TestManager_shutdownTimeoutForceClears(t *testing.T) {
	m := mustManager(t, WithConcurrency(1))

	gate := make(chan struct{})
	started := make(chan struct{})
	task, err := m.Submit(context.Background(), RunnableFunc(func(ctx context.Context, _ any) (Result, error) {
		close(started)
		<-gate
		return nil, nil
	}), SubmitOptions{RequestID: `stuck`})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	outcome, err := m.Shutdown(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.TimedOut || outcome.AbortedInFlight != 1 {
		t.Fatalf(`expected timed-out outcome, got %+v`, outcome)
	}
	if _, ok := findEvent(m, actionShutdownTimeout); !ok {
		t.Fatal(`expected shutdown_timeout event`)
	}
	if m.Cancel(`stuck`) {
		t.Fatal(`expected registry force-cleared`)
	}

	close(gate)
	_, err = waitSettled(t, task)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf(`expected late result discarded as cancelled, got %v`, err)
	}
}

func TestManager_shutdownCallerContext(t *testing.T) {
	m := mustManager(t, WithConcurrency(1))

	gate := make(chan struct{})
	started := make(chan struct{})
	_, err := m.Submit(context.Background(), RunnableFunc(func(ctx context.Context, _ any) (Result, error) {
		close(started)
		<-gate
		return nil, nil
	}), SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	defer close(gate)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := m.Shutdown(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf(`expected ctx error, got %v`, err)
	}
	if !outcome.TimedOut {
		t.Fatalf(`abandoned wait must report timed out, got %+v`, outcome)
	}
}
