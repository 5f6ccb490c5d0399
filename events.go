package genqueue

import "time"

// eventRingSize bounds the in-memory event log; on overflow the oldest event
// is overwritten.
const eventRingSize = 1000

// Event actions, in the order they can appear for a single task:
// queue_add, then task_start or cancelled_before_start, then task_complete,
// task_error, or cancelled_after_start, then task_finally. The remaining
// actions record admission rejects, configuration changes, and lifecycle
// transitions.
const (
	actionQueueAdd                 = `queue_add`
	actionTaskStart                = `task_start`
	actionTaskComplete             = `task_complete`
	actionTaskError                = `task_error`
	actionTaskFinally              = `task_finally`
	actionCancelledBeforeStart     = `cancelled_before_start`
	actionCancelledAfterStart      = `cancelled_after_start`
	actionCancelledBeforeEnqueue   = `cancelled_before_enqueue`
	actionBackpressureBlocked      = `backpressure_blocked`
	actionRateLimitBlocked         = `rate_limit_blocked`
	actionTimeoutClamped           = `timeout_clamped`
	actionMaxRetriesClamped        = `max_retries_clamped`
	actionPriorityNormalized       = `priority_normalized`
	actionDuplicatePolicyChanged   = `duplicate_requestid_policy_changed`
	actionQueuePaused              = `queue_paused`
	actionQueueResumed             = `queue_resumed`
	actionConcurrencyUpdated       = `concurrency_updated`
	actionShutdownStarted          = `shutdown_started`
	actionShutdownAbortedInflight  = `shutdown_aborted_inflight`
	actionShutdownDroppedQueued    = `shutdown_dropped_queued`
	actionShutdownTimeout          = `shutdown_timeout`
	actionShutdownCompletedClean   = `shutdown_completed_clean`
	actionShutdownCompletedUnclean = `shutdown_completed_unclean`
)

type (
	// Event is one structured entry in the metrics log. The manager stamps
	// the timestamp (epoch clock) and the queue gauges on every event it
	// records; the remaining fields are populated per action.
	Event struct {
		Timestamp          time.Time `json:"timestamp"`
		Action             string    `json:"action"`
		RequestID          string    `json:"request_id,omitempty"`
		UserID             string    `json:"user_id,omitempty"`
		Phase              string    `json:"phase,omitempty"`
		ErrorType          string    `json:"error_type,omitempty"`
		Reason             string    `json:"reason,omitempty"`
		PriorityOriginal   float64   `json:"priority_original,omitempty"`
		DurationMS         int64     `json:"duration_ms,omitempty"`
		QueueWaitMS        int64     `json:"queue_wait_ms,omitempty"`
		TimeoutMS          int64     `json:"timeout_ms,omitempty"`
		PriorityNormalized int       `json:"priority_normalized,omitempty"`
		QueueSize          int       `json:"queue_size"`
		ActiveJobs         int       `json:"active_jobs"`
		Concurrency        int       `json:"concurrency"`
		Attempts           int       `json:"attempts,omitempty"`
		Count              int       `json:"count,omitempty"`
		Success            bool      `json:"success"`
	}

	// eventRing is the bounded append-only event log. Writes occur under
	// the manager lock; reads take a snapshot copy.
	eventRing struct {
		buf []Event
		idx int
	}
)

func newEventRing() *eventRing {
	return &eventRing{buf: make([]Event, 0, eventRingSize)}
}

func (x *eventRing) append(e Event) {
	if len(x.buf) < eventRingSize {
		x.buf = append(x.buf, e)
		return
	}
	x.buf[x.idx] = e
	x.idx++
	if x.idx == eventRingSize {
		x.idx = 0
	}
}

func (x *eventRing) len() int {
	return len(x.buf)
}

// snapshot copies the log oldest-first. A positive limit keeps only the
// newest limit events.
func (x *eventRing) snapshot(limit int) []Event {
	var out []Event
	if len(x.buf) < eventRingSize {
		out = make([]Event, len(x.buf))
		copy(out, x.buf)
	} else {
		out = make([]Event, 0, eventRingSize)
		out = append(out, x.buf[x.idx:]...)
		out = append(out, x.buf[:x.idx]...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
