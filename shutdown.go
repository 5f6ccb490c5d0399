package genqueue

import (
	"context"
	"time"
)

// ShutdownOutcome reports how a graceful shutdown finished.
type ShutdownOutcome struct {
	// Clean is true when no work was abandoned: nothing was running and
	// nothing was queued when shutdown began.
	Clean bool
	// TimedOut is true when in-flight tasks outlived the drain timeout
	// and the registry was force-cleared.
	TimedOut bool
	// AbortedInFlight counts the running tasks aborted with the shutdown
	// reason tag.
	AbortedInFlight int
	// DroppedQueued counts the queued tasks dropped without starting.
	DroppedQueued int
}

// Shutdown gracefully stops the manager: admission is gated off, the
// rate-limiter cleanup stops, queued tasks are dropped (settling cancelled,
// never started), in-flight tasks are aborted with the shutdown reason tag,
// and the call waits up to timeout for them to drain. On timeout the
// registry is force-cleared and the outcome reports TimedOut.
//
// Shutdown is idempotent: concurrent calls share one in-flight coordination
// and return the same outcome. ctx bounds only the caller's wait; a done ctx
// abandons the drain wait (force-clearing, like a timeout) and returns
// ctx.Err alongside the outcome so far.
//
// A completed shutdown is not terminal: [Manager.SetAccepting] with true
// re-arms admission and the rate-limiter cleanup.
func (x *Manager) Shutdown(ctx context.Context, timeout time.Duration) (ShutdownOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	x.mu.Lock()
	if ch := x.shutdownCh; ch != nil {
		// Coordination already in flight; share its outcome.
		x.mu.Unlock()
		select {
		case <-ch:
			x.mu.Lock()
			defer x.mu.Unlock()
			return x.lastOutcome, nil
		case <-ctx.Done():
			return ShutdownOutcome{}, ctx.Err()
		}
	}
	ch := make(chan struct{})
	x.shutdownCh = ch

	x.accepting = false
	x.stopGCLocked()
	x.emitLocked(Event{Action: actionShutdownStarted, TimeoutMS: timeout.Milliseconds()})
	x.logger.Info().Dur(`timeout`, timeout).Log(`shutdown started`)

	aborted := x.active
	dropped := x.queued
	if aborted > 0 {
		x.emitLocked(Event{Action: actionShutdownAbortedInflight, Count: aborted})
	}
	if dropped > 0 {
		x.emitLocked(Event{Action: actionShutdownDroppedQueued, Count: dropped})
	}

	// Drop the queued set; each settles cancelled without starting.
	for {
		t := x.heap.popHighest()
		if t == nil {
			break
		}
		x.queued--
		t.ctrl.trip(sourceShutdown)
		x.settleQueuedCancelLocked(t, sourceShutdown)
	}

	// Abort the in-flight set; each executor observes the signal and
	// settles cancelled.
	for _, t := range x.reg.all() {
		t.ctrl.trip(sourceShutdown)
	}

	var drained chan struct{}
	if x.active > 0 {
		drained = make(chan struct{})
		x.drained = drained
	}
	x.mu.Unlock()

	outcome := ShutdownOutcome{
		Clean:           aborted == 0 && dropped == 0,
		AbortedInFlight: aborted,
		DroppedQueued:   dropped,
	}

	var waitErr error
	if drained != nil {
		timerC, stop := x.newTimer(timeout)
		select {
		case <-drained:
			stop()
		case <-timerC:
			outcome.TimedOut = true
			x.forceClear()
		case <-ctx.Done():
			stop()
			waitErr = ctx.Err()
			outcome.TimedOut = true
			x.forceClear()
		}
	}

	x.mu.Lock()
	if outcome.Clean {
		x.emitLocked(Event{Action: actionShutdownCompletedClean})
	} else {
		x.emitLocked(Event{Action: actionShutdownCompletedUnclean})
	}
	x.lastOutcome = outcome
	x.shutdownCh = nil
	x.mu.Unlock()
	close(ch)

	x.logger.Info().
		Bool(`clean`, outcome.Clean).
		Bool(`timed_out`, outcome.TimedOut).
		Int(`aborted_in_flight`, outcome.AbortedInFlight).
		Int(`dropped_queued`, outcome.DroppedQueued).
		Log(`shutdown completed`)

	return outcome, waitErr
}

// forceClear abandons the drain wait: registry entries are cleared so the
// request ids free up immediately. The stuck executors still settle their
// tasks whenever the work functions return.
func (x *Manager) forceClear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.emitLocked(Event{Action: actionShutdownTimeout})
	x.logger.Warning().Int(`active_jobs`, x.active).Log(`shutdown drain timed out`)
	x.reg.clearAll()
	x.drained = nil
}
