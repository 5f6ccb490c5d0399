package genqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-genqueue/generr"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

func TestManager_submitRunsTask(t *testing.T) {
	m := mustManager(t)

	task, err := m.Submit(context.Background(), noopWork(), SubmitOptions{
		UserID:  `u`,
		Payload: `hello`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.RequestID() == `` {
		t.Fatal(`expected generated request id`)
	}
	if task.UserID() != `u` {
		t.Fatalf(`expected user id passthrough, got %q`, task.UserID())
	}

	result, err := waitSettled(t, task)
	if err != nil {
		t.Fatal(err)
	}
	if result != `hello` {
		t.Fatalf(`expected payload passthrough, got %v`, result)
	}

	want := []string{actionQueueAdd, actionTaskStart, actionTaskComplete, actionTaskFinally}
	if got := actionsFor(m, task.RequestID()); !slices.Equal(got, want) {
		t.Fatalf(`expected trace %v, got %v`, want, got)
	}
	finally, _ := findEvent(m, actionTaskFinally)
	if !finally.Success || finally.Attempts != 1 {
		t.Fatalf(`unexpected finally event: %+v`, finally)
	}
}

func TestManager_nilWorkPanics(t *testing.T) {
	m := mustManager(t)
	expectPanic(t, func() {
		_, _ = m.Submit(context.Background(), nil, SubmitOptions{})
	})
}

// Forty tasks fill the waiting room at concurrency 2; the forty-first is
// refused with backpressure, and the admitted set drains to a perfect success
// rate once unblocked.
func TestManager_backpressure(t *testing.T) {
	m := mustManager(t, WithConcurrency(2))

	gate := make(chan struct{})
	work := RunnableFunc(func(ctx context.Context, payload any) (Result, error) {
		<-gate
		return nil, nil
	})

	var tasks []*Task
	for i := 0; i < 40; i++ {
		task, err := m.Submit(context.Background(), work, SubmitOptions{
			UserID: fmt.Sprintf(`u%d`, i),
		})
		if err != nil {
			t.Fatalf(`submission %d: %v`, i, err)
		}
		tasks = append(tasks, task)
	}
	if m.ActiveJobs() != 2 || m.QueueSize() != 38 {
		t.Fatalf(`expected 2 active / 38 queued, got %d / %d`, m.ActiveJobs(), m.QueueSize())
	}

	_, err := m.Submit(context.Background(), work, SubmitOptions{UserID: `overflow`})
	if kind := generr.KindOf(err); kind != generr.Backpressure {
		t.Fatalf(`expected backpressure, got kind %s (%v)`, kind, err)
	}
	if d, ok := generr.KindOf(err).RetryAfter(); !ok || d != time.Minute {
		t.Fatalf(`expected 60s retry-after hint, got %v (%v)`, d, ok)
	}
	if _, ok := findEvent(m, actionBackpressureBlocked); !ok {
		t.Fatal(`expected backpressure_blocked event`)
	}

	close(gate)
	for i, task := range tasks {
		if _, err := waitSettled(t, task); err != nil {
			t.Fatalf(`task %d: %v`, i, err)
		}
	}

	o := m.Overview()
	if o.SuccessRate != 1 {
		t.Fatalf(`expected success rate 1.0, got %v`, o.SuccessRate)
	}
	if o.Status != HealthHealthy {
		t.Fatalf(`expected healthy status, got %s`, o.Status)
	}
}

// With a single busy slot, queued tasks start strictly by (priority, FIFO)
// order regardless of submission order.
func TestManager_priorityOrder(t *testing.T) {
	m := mustManager(t, WithConcurrency(1))

	gate := make(chan struct{})
	blocker, err := m.Submit(context.Background(), RunnableFunc(func(ctx context.Context, _ any) (Result, error) {
		<-gate
		return nil, nil
	}), SubmitOptions{RequestID: `blocker`})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []string
	record := RunnableFunc(func(ctx context.Context, payload any) (Result, error) {
		mu.Lock()
		order = append(order, payload.(string))
		mu.Unlock()
		return nil, nil
	})

	var tasks []*Task
	for _, sub := range []struct {
		id       string
		priority float64
	}{
		{`a`, 5},
		{`b`, 1},
		{`c`, 5},
		{`d`, 10},
	} {
		task, err := m.Submit(context.Background(), record, SubmitOptions{
			RequestID: sub.id,
			Payload:   sub.id,
			Priority:  sub.priority,
		})
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, task)
	}
	if m.QueueSize() != 4 {
		t.Fatalf(`expected 4 queued, got %d`, m.QueueSize())
	}

	close(gate)
	if _, err := waitSettled(t, blocker); err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if _, err := waitSettled(t, task); err != nil {
			t.Fatal(err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []string{`b`, `a`, `c`, `d`}; !slices.Equal(order, want) {
		t.Fatalf(`expected start order %v, got %v`, want, order)
	}
}

// Ten admissions exhaust a user's window; the eleventh is refused until the
// window slides past the oldest stamp.
func TestManager_rateLimit(t *testing.T) {
	clock := newFakeClock()
	m := mustManager(t, WithClock(clock))

	for i := 0; i < 10; i++ {
		task, err := m.Submit(context.Background(), noopWork(), SubmitOptions{UserID: `u`})
		if err != nil {
			t.Fatalf(`submission %d: %v`, i, err)
		}
		if _, err := waitSettled(t, task); err != nil {
			t.Fatalf(`task %d: %v`, i, err)
		}
	}

	_, err := m.Submit(context.Background(), noopWork(), SubmitOptions{UserID: `u`})
	if kind := generr.KindOf(err); kind != generr.RateLimit {
		t.Fatalf(`expected rate limit, got kind %s (%v)`, kind, err)
	}
	if d, ok := generr.KindOf(err).RetryAfter(); !ok || d != time.Minute {
		t.Fatalf(`expected 60s retry-after hint, got %v (%v)`, d, ok)
	}
	if _, ok := findEvent(m, actionRateLimitBlocked); !ok {
		t.Fatal(`expected rate_limit_blocked event`)
	}

	// Other users are unaffected.
	task, err := m.Submit(context.Background(), noopWork(), SubmitOptions{UserID: `v`})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitSettled(t, task); err != nil {
		t.Fatal(err)
	}

	clock.Advance(61 * time.Second)
	task, err = m.Submit(context.Background(), noopWork(), SubmitOptions{UserID: `u`})
	if err != nil {
		t.Fatalf(`expected re-admission after window slide: %v`, err)
	}
	if _, err := waitSettled(t, task); err != nil {
		t.Fatal(err)
	}
}

func TestManager_duplicateCancelPrevious(t *testing.T) {
	m := mustManager(t)
	m.Pause()

	first, err := m.Submit(context.Background(), noopWork(), SubmitOptions{RequestID: `r`})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Submit(context.Background(), noopWork(), SubmitOptions{RequestID: `r`})
	if err != nil {
		t.Fatalf(`expected replacement admitted: %v`, err)
	}

	_, err = waitSettled(t, first)
	if kind := generr.KindOf(err); kind != generr.Cancelled {
		t.Fatalf(`expected previous task cancelled, got kind %s (%v)`, kind, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatal(`expected context.Canceled equivalence`)
	}
	e, ok := findEvent(m, actionCancelledBeforeStart)
	if !ok || e.Reason != `duplicate-policy` {
		t.Fatalf(`expected duplicate-policy reason, got %+v (%v)`, e, ok)
	}

	m.Resume()
	if _, err := waitSettled(t, second); err != nil {
		t.Fatal(err)
	}
}

func TestManager_duplicateRejectNew(t *testing.T) {
	m := mustManager(t, WithDuplicatePolicy(DuplicateRejectNew))
	m.Pause()

	first, err := m.Submit(context.Background(), noopWork(), SubmitOptions{RequestID: `r`})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Submit(context.Background(), noopWork(), SubmitOptions{RequestID: `r`})
	if kind := generr.KindOf(err); kind != generr.Validation {
		t.Fatalf(`expected validation reject, got kind %s (%v)`, kind, err)
	}
	select {
	case <-first.Done():
		t.Fatal(`original task must be unaffected`)
	default:
	}

	m.Resume()
	if _, err := waitSettled(t, first); err != nil {
		t.Fatal(err)
	}
}

func TestManager_duplicateAllow(t *testing.T) {
	m := mustManager(t, WithDuplicatePolicy(DuplicateAllow))
	m.Pause()

	first, err := m.Submit(context.Background(), noopWork(), SubmitOptions{RequestID: `r`})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Submit(context.Background(), noopWork(), SubmitOptions{RequestID: `r`})
	if err != nil {
		t.Fatal(err)
	}
	if m.QueueSize() != 2 {
		t.Fatalf(`expected both queued, got %d`, m.QueueSize())
	}

	m.Resume()
	for _, task := range []*Task{first, second} {
		if _, err := waitSettled(t, task); err != nil {
			t.Fatal(err)
		}
	}
}

func TestManager_cancelQueued(t *testing.T) {
	m := mustManager(t)
	m.Pause()

	task, err := m.Submit(context.Background(), noopWork(), SubmitOptions{RequestID: `r`})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Cancel(`r`) {
		t.Fatal(`expected cancel to find the task`)
	}
	_, err = waitSettled(t, task)
	if kind := generr.KindOf(err); kind != generr.Cancelled {
		t.Fatalf(`expected cancelled, got kind %s (%v)`, kind, err)
	}
	if m.Cancel(`r`) {
		t.Fatal(`expected second cancel to miss`)
	}

	want := []string{actionQueueAdd, actionCancelledBeforeStart, actionTaskFinally}
	if got := actionsFor(m, `r`); !slices.Equal(got, want) {
		t.Fatalf(`expected trace %v, got %v`, want, got)
	}
	e, _ := findEvent(m, actionCancelledBeforeStart)
	if e.Reason != `user` {
		t.Fatalf(`expected user reason, got %q`, e.Reason)
	}
}

func TestManager_cancelRunning(t *testing.T) {
	m := mustManager(t)

	started := make(chan struct{})
	task, err := m.Submit(context.Background(), RunnableFunc(func(ctx context.Context, _ any) (Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if !task.Cancel() {
		t.Fatal(`expected first cancel to win`)
	}
	if task.Cancel() {
		t.Fatal(`expected second cancel to lose`)
	}
	_, err = waitSettled(t, task)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf(`expected cancellation, got %v`, err)
	}
	e, ok := findEvent(m, actionCancelledAfterStart)
	if !ok || e.Reason != `user` {
		t.Fatalf(`expected cancelled_after_start with user reason, got %+v (%v)`, e, ok)
	}
}

func TestManager_callerSignalCancels(t *testing.T) {
	m := mustManager(t)
	m.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	task, err := m.Submit(ctx, noopWork(), SubmitOptions{RequestID: `r`})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	_, err = waitSettled(t, task)
	if kind := generr.KindOf(err); kind != generr.Cancelled {
		t.Fatalf(`expected cancelled, got kind %s (%v)`, kind, err)
	}
	e, _ := findEvent(m, actionCancelledBeforeStart)
	if e.Reason != `signal` {
		t.Fatalf(`expected signal reason, got %q`, e.Reason)
	}
}

func TestManager_preAbortedContext(t *testing.T) {
	m := mustManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Submit(ctx, noopWork(), SubmitOptions{RequestID: `pre`})
	if kind := generr.KindOf(err); kind != generr.Cancelled {
		t.Fatalf(`expected cancelled, got kind %s (%v)`, kind, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatal(`expected context.Canceled equivalence`)
	}

	// Nothing was enqueued: the sole trace entry records the refusal.
	if got := actionsFor(m, `pre`); !slices.Equal(got, []string{actionCancelledBeforeEnqueue}) {
		t.Fatalf(`expected only cancelled_before_enqueue, got %v`, got)
	}
	if m.QueueSize() != 0 || m.ActiveJobs() != 0 {
		t.Fatal(`expected no queue residue`)
	}
}

func TestNormalizePriority(t *testing.T) {
	for _, tc := range []struct {
		in   float64
		want int
	}{
		{0, 0},
		{5, 5},
		{7.9, 7},
		{-2.5, -2},
		{1500, 1000},
		{-1500, -1000},
		{math.NaN(), 0},
		{math.Inf(1), 0},
		{math.Inf(-1), 0},
	} {
		if got := normalizePriority(tc.in); got != tc.want {
			t.Errorf(`normalizePriority(%v): expected %d, got %d`, tc.in, tc.want, got)
		}
	}
}

func TestManager_boundaryClamps(t *testing.T) {
	m := mustManager(t)
	m.Pause()

	task, err := m.Submit(context.Background(), noopWork(), SubmitOptions{
		RequestID:  `n`,
		Priority:   math.NaN(),
		Timeout:    200 * time.Millisecond,
		MaxRetries: 99,
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.Priority() != 0 {
		t.Fatalf(`expected NaN priority normalized to 0, got %d`, task.Priority())
	}

	e, ok := findEvent(m, actionTimeoutClamped)
	if !ok || e.TimeoutMS != 1000 {
		t.Fatalf(`expected timeout clamped to 1s, got %+v (%v)`, e, ok)
	}
	e, ok = findEvent(m, actionMaxRetriesClamped)
	if !ok || e.Count != maxRetriesLimit {
		t.Fatalf(`expected max retries clamped to %d, got %+v (%v)`, maxRetriesLimit, e, ok)
	}
	if _, ok := findEvent(m, actionPriorityNormalized); !ok {
		t.Fatal(`expected priority_normalized event`)
	}

	m.Resume()
	if _, err := waitSettled(t, task); err != nil {
		t.Fatal(err)
	}
}

func TestManager_updateConcurrency(t *testing.T) {
	m := mustManager(t)

	for _, n := range []int{0, 11, -1} {
		err := m.UpdateConcurrency(n)
		if kind := generr.KindOf(err); kind != generr.Validation {
			t.Fatalf(`UpdateConcurrency(%d): expected validation, got kind %s (%v)`, n, kind, err)
		}
		if phase := generr.Phase(err); phase != `config` {
			t.Fatalf(`expected config phase, got %q`, phase)
		}
	}

	// Setting the current value is a no-op.
	if err := m.UpdateConcurrency(DefaultConcurrency); err != nil {
		t.Fatal(err)
	}
	if n := countEvents(m, actionConcurrencyUpdated); n != 0 {
		t.Fatalf(`no-op update must not emit, got %d events`, n)
	}

	if err := m.UpdateConcurrency(3); err != nil {
		t.Fatal(err)
	}
	if m.Concurrency() != 3 {
		t.Fatalf(`expected concurrency 3, got %d`, m.Concurrency())
	}
	e, ok := findEvent(m, actionConcurrencyUpdated)
	if !ok || e.Count != 3 {
		t.Fatalf(`expected concurrency_updated with count 3, got %+v (%v)`, e, ok)
	}
}

func TestManager_pauseResume(t *testing.T) {
	m := mustManager(t)

	m.Pause()
	m.Pause()
	if n := countEvents(m, actionQueuePaused); n != 1 {
		t.Fatalf(`pause must be idempotent, got %d events`, n)
	}

	task, err := m.Submit(context.Background(), noopWork(), SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if m.QueueSize() != 1 || m.ActiveJobs() != 0 {
		t.Fatalf(`paused queue must not dispatch, got %d queued / %d active`, m.QueueSize(), m.ActiveJobs())
	}

	m.Resume()
	m.Resume()
	if n := countEvents(m, actionQueueResumed); n != 1 {
		t.Fatalf(`resume must be idempotent, got %d events`, n)
	}
	if _, err := waitSettled(t, task); err != nil {
		t.Fatal(err)
	}
}

func TestManager_setAccepting(t *testing.T) {
	m := mustManager(t)

	m.SetAccepting(false)
	_, err := m.Submit(context.Background(), noopWork(), SubmitOptions{})
	if kind := generr.KindOf(err); kind != generr.Shutdown {
		t.Fatalf(`expected shutdown kind, got %s (%v)`, kind, err)
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

func TestManager_setDuplicatePolicy(t *testing.T) {
	m := mustManager(t)

	if err := m.SetDuplicatePolicy(DuplicatePolicy(9)); generr.KindOf(err) != generr.Validation {
		t.Fatalf(`expected validation, got %v`, err)
	}
	// No-op when unchanged.
	if err := m.SetDuplicatePolicy(DuplicateCancelPrevious); err != nil {
		t.Fatal(err)
	}
	if n := countEvents(m, actionDuplicatePolicyChanged); n != 0 {
		t.Fatalf(`no-op policy change must not emit, got %d events`, n)
	}

	if err := m.SetDuplicatePolicy(DuplicateRejectNew); err != nil {
		t.Fatal(err)
	}
	e, ok := findEvent(m, actionDuplicatePolicyChanged)
	if !ok || e.Reason != `reject_new` {
		t.Fatalf(`expected policy change event, got %+v (%v)`, e, ok)
	}
}

func TestManager_closeRefusesAdmission(t *testing.T) {
	m := mustManager(t)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := m.Submit(context.Background(), noopWork(), SubmitOptions{})
	if kind := generr.KindOf(err); kind != generr.Shutdown {
		t.Fatalf(`expected shutdown kind, got %s (%v)`, kind, err)
	}
}

func TestManager_logsWithStumpy(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	).Logger()

	m := mustManager(t, WithLogger(logger))
	if err := m.UpdateConcurrency(3); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, `"msg":"concurrency updated"`) {
		t.Fatalf(`expected structured log line, got %q`, out)
	}
	if !strings.Contains(out, `"concurrency":3`) {
		t.Fatalf(`expected concurrency field, got %q`, out)
	}
}
