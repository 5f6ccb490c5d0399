package genqueue

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/joeycumines/go-genqueue/generr"
)

// Retry backoff bounds: attempt k waits min(base<<k, cap) plus up to 10%
// jitter.
const (
	backoffBase = time.Second
	backoffCap  = 10 * time.Second
)

// execute runs a dispatched task to its terminal state: the attempt loop
// with per-attempt deadlines, retry backoff, and cancellation observation.
// It owns the slot consumed by dispatch and frees it on the terminal
// transition.
func (x *Manager) execute(t *Task) {
	x.mu.Lock()
	if source, ok := t.ctrl.trippedSource(); ok {
		// Cancelled between the dispatch decision and here; skip the work
		// entirely.
		x.emitLocked(Event{
			Action:    actionCancelledBeforeStart,
			RequestID: t.requestID,
			UserID:    t.userID,
			ErrorType: generr.Cancelled.String(),
			Reason:    source.String(),
		})
		x.finishLocked(t, nil, &cancelError{source: source})
		x.mu.Unlock()
		return
	}
	t.started = true
	queueWait := x.clock.Now().Sub(t.enqueuedAt)
	x.mu.Unlock()

	var lastErr error
	for k := 0; k <= t.maxRetries; k++ {
		x.mu.Lock()
		t.attempts = k + 1
		x.emitLocked(Event{
			Action:      actionTaskStart,
			RequestID:   t.requestID,
			UserID:      t.userID,
			QueueWaitMS: queueWait.Milliseconds(),
			Attempts:    t.attempts,
		})
		x.mu.Unlock()

		result, elapsed, err := x.attempt(t)
		if err == nil {
			x.mu.Lock()
			x.capacity.sample(elapsed)
			x.emitLocked(Event{
				Action:     actionTaskComplete,
				RequestID:  t.requestID,
				UserID:     t.userID,
				DurationMS: elapsed.Milliseconds(),
				Attempts:   t.attempts,
			})
			x.finishLocked(t, result, nil)
			x.mu.Unlock()
			return
		}
		lastErr = err

		var cancel *cancelError
		if errors.As(err, &cancel) && cancel.source != sourceTimeout {
			x.mu.Lock()
			x.emitLocked(Event{
				Action:     actionCancelledAfterStart,
				RequestID:  t.requestID,
				UserID:     t.userID,
				ErrorType:  generr.Cancelled.String(),
				Reason:     cancel.source.String(),
				DurationMS: elapsed.Milliseconds(),
				Attempts:   t.attempts,
			})
			x.finishLocked(t, nil, err)
			x.mu.Unlock()
			return
		}

		kind := generr.KindOf(err)
		x.mu.Lock()
		if kind == generr.Timeout {
			// Timed-out attempts consumed a full deadline of processing;
			// they count toward the capacity average.
			x.capacity.sample(elapsed)
		}
		x.emitLocked(Event{
			Action:     actionTaskError,
			RequestID:  t.requestID,
			UserID:     t.userID,
			ErrorType:  kind.String(),
			Reason:     errorReason(kind),
			DurationMS: elapsed.Milliseconds(),
			Attempts:   t.attempts,
		})
		x.mu.Unlock()
		x.logger.Err().
			Str(`request_id`, t.requestID).
			Int(`attempt`, t.attempts).
			Err(err).
			Log(`task attempt failed`)

		if !kind.Retriable() || k == t.maxRetries {
			break
		}

		timerC, stop := x.newTimer(backoffDelay(k))
		select {
		case <-timerC:
		case <-t.ctrl.done:
			stop()
			source, _ := t.ctrl.trippedSource()
			x.mu.Lock()
			x.emitLocked(Event{
				Action:    actionCancelledAfterStart,
				RequestID: t.requestID,
				UserID:    t.userID,
				ErrorType: generr.Cancelled.String(),
				Reason:    source.String(),
				Attempts:  t.attempts,
			})
			x.finishLocked(t, nil, &cancelError{source: source})
			x.mu.Unlock()
			return
		}
	}

	x.mu.Lock()
	x.finishLocked(t, nil, lastErr)
	x.mu.Unlock()
}

// attempt runs a single work invocation under a combined cancellation
// context: the first of the task controller (user, shutdown, duplicate,
// signal) and the per-attempt deadline wins and becomes the cause. The work
// runs in its own goroutine; the first settle wins, and a late result from
// a cancelled attempt is discarded, so a cancelled task can never reach
// succeeded.
func (x *Manager) attempt(t *Task) (Result, time.Duration, error) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	start := x.clock.Now()

	watchdogDone := make(chan struct{})
	watchdogExited := make(chan struct{})
	defer func() {
		close(watchdogDone)
		<-watchdogExited
	}()
	go func() {
		defer close(watchdogExited)
		timerC, stop := x.newTimer(t.timeout)
		defer stop()
		select {
		case <-t.ctrl.done:
			source, _ := t.ctrl.trippedSource()
			cancel(&cancelError{source: source})
		case <-timerC:
			cancel(&cancelError{source: sourceTimeout})
		case <-watchdogDone:
		}
	}()

	type outcome struct {
		result Result
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				resCh <- outcome{err: &PanicError{Value: v, Stack: debug.Stack()}}
			}
		}()
		result, err := t.work.Run(ctx, t.payload)
		resCh <- outcome{result: result, err: err}
	}()

	select {
	case o := <-resCh:
		elapsed := x.clock.Now().Sub(start)
		if ctx.Err() != nil {
			// Cancellation won the race; a late result is discarded, so a
			// cancelled task can never settle succeeded.
			return nil, elapsed, context.Cause(ctx)
		}
		if o.err != nil && (errors.Is(o.err, context.Canceled) || errors.Is(o.err, context.DeadlineExceeded)) {
			// The work surfaced the abort; restore the cause for its
			// reason tag.
			var cause *cancelError
			if errors.As(context.Cause(ctx), &cause) {
				o.err = cause
			}
		}
		return o.result, elapsed, o.err
	case <-ctx.Done():
		return nil, x.clock.Now().Sub(start), context.Cause(ctx)
	}
}

// finishLocked frees the task's slot, finalizes it, and re-dispatches.
func (x *Manager) finishLocked(t *Task, result Result, err error) {
	x.settleLocked(t, result, err)
	t.running = false
	x.active--
	e := Event{
		Action:    actionTaskFinally,
		RequestID: t.requestID,
		UserID:    t.userID,
		Attempts:  t.attempts,
		Success:   err == nil,
	}
	if err != nil {
		e.ErrorType = generr.KindOf(err).String()
	}
	x.emitLocked(e)
	x.dispatchLocked()
}

func errorReason(kind generr.Kind) string {
	switch kind {
	case generr.Timeout:
		return `timeout`
	case generr.Validation, generr.ContentPolicy:
		return `validation`
	default:
		return ``
	}
}

// backoffDelay computes the sleep before re-attempting after failed attempt
// k (0-based): min(1s<<k, 10s) plus jitter in [0, 10%).
func backoffDelay(k int) time.Duration {
	delay := backoffCap
	if k < 8 {
		if d := backoffBase << k; d < delay {
			delay = d
		}
	}
	return delay + time.Duration(rand.Int64N(int64(delay)/10))
}
