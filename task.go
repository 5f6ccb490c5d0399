package genqueue

import (
	"context"
	"fmt"
	"time"
)

// Priority aliases. Lower numerical values are scheduled first.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 10
)

type (
	// Result is the opaque outcome of a work function, keyed by whatever
	// the caller's provider adapters produce.
	Result = any

	// Runnable is a unit of generation work. Run must observe ctx at its
	// suspension points and surface the cancellation cause as its error;
	// the manager enforces the per-attempt deadline, so implementations
	// must not apply their own.
	Runnable interface {
		Run(ctx context.Context, payload any) (Result, error)
	}

	// RunnableFunc adapts a function to [Runnable].
	RunnableFunc func(ctx context.Context, payload any) (Result, error)

	// SubmitOptions configure a single submission. The zero value of each
	// field selects the manager default; see [Manager.Submit].
	SubmitOptions struct {
		// RequestID identifies the logical user action. Generated when
		// empty. While a task is live its request id identifies at most
		// one task; the duplicate policy governs collisions.
		RequestID string
		// UserID attributes the task for rate limiting. Empty is
		// anonymous; anonymous tasks share one rate bucket.
		UserID string
		// Payload is passed through to the work function.
		Payload any
		// Priority is normalized at admission: non-finite values become
		// 0, the rest truncate to integer and clamp to [-1000, 1000].
		Priority float64
		// Timeout is the per-attempt deadline. Zero selects the manager
		// default; explicit values clamp to [1s, 1h].
		Timeout time.Duration
		// MaxRetries bounds re-attempts after a retriable failure. Zero
		// selects the default (3); negatives clamp to 0, values above 9
		// clamp to 9. Attempts = retries + 1.
		MaxRetries int
	}

	// Task is the caller's handle on an admitted submission: a result
	// future plus a cancel handle. The manager owns the task record; the
	// handle never pins queue resources past the terminal transition.
	//
	// # Thread Safety
	//
	// All methods are safe for concurrent use.
	Task struct {
		mgr     *Manager
		done    chan struct{}
		ctrl    *controller
		work    Runnable
		payload any
		result  Result
		err     error

		requestID        string
		userID           string
		enqueuedAt       time.Time
		timeout          time.Duration
		seq              uint64
		priorityOriginal float64
		priority         int
		maxRetries       int

		// guarded by the manager lock
		attempts int
		started  bool
		running  bool
		terminal bool
	}
)

// Run implements [Runnable].
func (x RunnableFunc) Run(ctx context.Context, payload any) (Result, error) {
	return x(ctx, payload)
}

// Wait blocks until the task reaches a terminal state, returning its result
// or terminal error, or until ctx is done. Waiting is passive: abandoning a
// Wait neither cancels nor detaches the task.
func (x *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-x.done:
		return x.result, x.err
	}
}

// Done returns a channel closed on the task's terminal transition.
func (x *Task) Done() <-chan struct{} {
	return x.done
}

// Cancel requests cancellation with the user reason tag. It reports whether
// this call was the first to cancel a non-terminal task. A queued task
// settles immediately; a running one settles when its work function observes
// the signal.
func (x *Task) Cancel() bool {
	return x.mgr.cancelTask(x, sourceUser)
}

// RequestID returns the task's request id (generated if the submission
// omitted one).
func (x *Task) RequestID() string { return x.requestID }

// UserID returns the submitting user id, or the empty string.
func (x *Task) UserID() string { return x.userID }

// Priority returns the normalized priority.
func (x *Task) Priority() int { return x.priority }

// PanicError wraps a panic recovered from a work function. The task fails
// with internal classification; the manager itself never crashes.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf(`genqueue: panic in work function: %v`, e.Value)
}
