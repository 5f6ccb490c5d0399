package genqueue

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"time"

	"github.com/joeycumines/go-genqueue/generr"
	"github.com/joeycumines/logiface"
	"github.com/rs/xid"
)

type (
	// DuplicatePolicy governs admission when a submission's request id
	// matches a live task.
	DuplicatePolicy uint8

	// Manager is the queue manager: it admits, schedules, executes,
	// retries, and cancels tasks while enforcing bounded concurrency,
	// backpressure, and per-user rate limits.
	//
	// # Thread Safety
	//
	// All methods are safe for concurrent use. Admission, dispatch,
	// registry, and metrics bookkeeping are serialized by a single mutex;
	// work functions run concurrently in their own goroutines, never more
	// than the configured concurrency.
	Manager struct {
		logger         *logiface.Logger[logiface.Event]
		clock          Clock
		newTimer       timerFunc
		newTicker      func(time.Duration) *time.Ticker
		sink           *sinkForwarder
		init           *initializer
		defaultTimeout time.Duration

		mu          sync.Mutex
		heap        taskHeap
		reg         *registry
		limiter     *rateLimiter
		ring        *eventRing
		capacity    capacityModel
		policy      DuplicatePolicy
		gcStop      chan struct{}
		drained     chan struct{}
		shutdownCh  chan struct{}
		lastOutcome ShutdownOutcome
		seq         uint64
		concurrency int
		queued      int
		active      int
		paused      bool
		accepting   bool
		closed      bool
	}
)

const (
	// DuplicateCancelPrevious cancels the live task and admits the new
	// one. The default.
	DuplicateCancelPrevious DuplicatePolicy = iota
	// DuplicateRejectNew fails the new admission with a validation error.
	DuplicateRejectNew
	// DuplicateAllow skips the check; the newest task owns the registry
	// entry.
	DuplicateAllow
)

// String returns the policy's stable wire token.
func (x DuplicatePolicy) String() string {
	switch x {
	case DuplicateRejectNew:
		return `reject_new`
	case DuplicateAllow:
		return `allow`
	default:
		return `cancel_previous`
	}
}

func (x DuplicatePolicy) valid() bool {
	return x <= DuplicateAllow
}

// New returns a started Manager. Close it when no longer needed.
func New(opts ...Option) (*Manager, error) {
	cfg, err := resolveManagerOptions(opts)
	if err != nil {
		return nil, err
	}
	x := &Manager{
		logger:         cfg.logger,
		clock:          cfg.clock,
		newTimer:       cfg.newTimer,
		newTicker:      cfg.newTicker,
		defaultTimeout: cfg.defaultTimeout,
		reg:            newRegistry(),
		limiter:        newRateLimiter(cfg.userRateLimit),
		ring:           newEventRing(),
		capacity: capacityModel{
			queueMultiplier: cfg.queueMultiplier,
			maxQueueTime:    cfg.maxQueueTime,
		},
		policy:      cfg.policy,
		concurrency: cfg.concurrency,
		accepting:   true,
	}
	if cfg.sink != nil {
		x.sink = newSinkForwarder(cfg.sink, cfg.sinkRates, cfg.sinkBuffer, cfg.logger)
	}
	if cfg.initializer != nil {
		x.init, err = newInitializer(cfg.initializer, cfg.clock, cfg.logger)
		if err != nil {
			return nil, err
		}
	}
	x.mu.Lock()
	x.startGCLocked()
	x.mu.Unlock()
	return x, nil
}

// Submit validates and admits work, returning its task handle. The zero
// values of opts select defaults; see [SubmitOptions]. A nil work panics.
//
// ctx is the caller's cancel signal: a ctx already done refuses admission
// without enqueueing, and a ctx done later cancels the task with the signal
// reason tag. ctx does not bound how long the task may run.
//
// Admission errors carry a [generr.Kind] of Shutdown, Initialization,
// Validation, Cancelled, Backpressure, or RateLimit.
func (x *Manager) Submit(ctx context.Context, work Runnable, opts SubmitOptions) (*Task, error) {
	if work == nil {
		panic(`genqueue: nil work`)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	x.mu.Lock()
	if x.closed || !x.accepting {
		x.mu.Unlock()
		return nil, generr.New(generr.Shutdown, `genqueue: not accepting tasks`).WithPhase(`admission`)
	}
	x.mu.Unlock()

	if x.init != nil {
		if err := x.EnsureInitialized(ctx); err != nil {
			return nil, err
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	// Re-checked: the gate may have closed while initializing.
	if x.closed || !x.accepting {
		return nil, generr.New(generr.Shutdown, `genqueue: not accepting tasks`).WithPhase(`admission`)
	}

	if err := ctx.Err(); err != nil {
		x.emitLocked(Event{
			Action:    actionCancelledBeforeEnqueue,
			RequestID: opts.RequestID,
			UserID:    opts.UserID,
			Reason:    sourceSignal.String(),
		})
		return nil, generr.Wrap(generr.Cancelled, err, `genqueue: caller signal aborted before enqueue`).WithPhase(`admission`)
	}

	t := &Task{
		mgr:              x,
		done:             make(chan struct{}),
		ctrl:             newController(),
		work:             work,
		payload:          opts.Payload,
		requestID:        opts.RequestID,
		userID:           opts.UserID,
		priorityOriginal: opts.Priority,
	}
	if t.requestID == `` {
		t.requestID = xid.New().String()
	}

	t.priority = normalizePriority(opts.Priority)
	if float64(t.priority) != opts.Priority {
		x.emitLocked(Event{
			Action:             actionPriorityNormalized,
			RequestID:          t.requestID,
			UserID:             t.userID,
			PriorityOriginal:   opts.Priority,
			PriorityNormalized: t.priority,
		})
	}

	t.timeout = opts.Timeout
	switch {
	case t.timeout == 0:
		t.timeout = x.defaultTimeout
	case t.timeout < minTimeout:
		t.timeout = minTimeout
		x.emitLocked(Event{Action: actionTimeoutClamped, RequestID: t.requestID, UserID: t.userID, TimeoutMS: t.timeout.Milliseconds()})
	case t.timeout > maxTimeout:
		t.timeout = maxTimeout
		x.emitLocked(Event{Action: actionTimeoutClamped, RequestID: t.requestID, UserID: t.userID, TimeoutMS: t.timeout.Milliseconds()})
	}

	t.maxRetries = opts.MaxRetries
	switch {
	case t.maxRetries == 0:
		t.maxRetries = DefaultMaxRetries
	case t.maxRetries < 0:
		t.maxRetries = 0
		x.emitLocked(Event{Action: actionMaxRetriesClamped, RequestID: t.requestID, UserID: t.userID, Count: t.maxRetries})
	case t.maxRetries > maxRetriesLimit:
		t.maxRetries = maxRetriesLimit
		x.emitLocked(Event{Action: actionMaxRetriesClamped, RequestID: t.requestID, UserID: t.userID, Count: t.maxRetries})
	}

	// Duplicate policy is applied under the same critical section as the
	// enqueue, so cancel_previous can never cancel a record that has
	// already been replaced.
	if prev := x.reg.get(t.requestID); prev != nil {
		switch x.policy {
		case DuplicateRejectNew:
			return nil, generr.Errorf(generr.Validation, `genqueue: duplicate request id %q`, t.requestID).WithPhase(`admission`)
		case DuplicateCancelPrevious:
			x.cancelLocked(prev, sourceDuplicate)
		}
	}

	if x.queued >= x.capacity.waitingRoom(x.concurrency, x.active) {
		x.emitLocked(Event{Action: actionBackpressureBlocked, RequestID: t.requestID, UserID: t.userID})
		return nil, generr.New(generr.Backpressure, `genqueue: waiting room full`).WithPhase(`admission`)
	}

	if !x.limiter.allow(t.userID, x.clock.Now()) {
		x.emitLocked(Event{Action: actionRateLimitBlocked, RequestID: t.requestID, UserID: t.userID})
		return nil, generr.Errorf(generr.RateLimit, `genqueue: user %q exceeded %d admissions per %v`, t.userID, x.limiter.limit, rateWindow).WithPhase(`admission`)
	}

	x.seq++
	t.seq = x.seq
	t.enqueuedAt = x.clock.Now()
	heap.Push(&x.heap, t)
	x.queued++
	x.reg.register(t)
	x.emitLocked(Event{
		Action:             actionQueueAdd,
		RequestID:          t.requestID,
		UserID:             t.userID,
		PriorityOriginal:   t.priorityOriginal,
		PriorityNormalized: t.priority,
	})

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				x.cancelTask(t, sourceSignal)
			case <-t.done:
			}
		}()
	}

	x.dispatchLocked()
	return t, nil
}

// Cancel cancels the live task registered under requestID with the user
// reason tag, reporting whether a live task was found and cancelled.
func (x *Manager) Cancel(requestID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	t := x.reg.get(requestID)
	if t == nil {
		return false
	}
	return x.cancelLocked(t, sourceUser)
}

// Pause halts slot dispatch; in-flight tasks are unaffected. Idempotent.
func (x *Manager) Pause() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.paused {
		return
	}
	x.paused = true
	x.emitLocked(Event{Action: actionQueuePaused})
	x.logger.Info().Log(`queue paused`)
}

// Resume restarts slot dispatch. Idempotent.
func (x *Manager) Resume() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.paused {
		return
	}
	x.paused = false
	x.emitLocked(Event{Action: actionQueueResumed})
	x.logger.Info().Log(`queue resumed`)
	x.dispatchLocked()
}

// SetAccepting gates admission, e.g. for maintenance. Setting true after a
// completed shutdown re-arms the manager: the rate-limiter cleanup restarts
// and admission resumes.
func (x *Manager) SetAccepting(accepting bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	x.accepting = accepting
	if accepting && x.gcStop == nil {
		x.startGCLocked()
	}
}

// UpdateConcurrency sets the worker slot count, in [1, 10]. The new limit
// applies to future dispatches immediately; in-flight tasks finish normally,
// and when lowered below the active count no new task starts until
// completions drain under the new limit. Setting the current value is a
// no-op. The cold-start completion threshold follows to twice the new value.
func (x *Manager) UpdateConcurrency(n int) error {
	if n < MinConcurrency || n > MaxConcurrency {
		return generr.Errorf(generr.Validation, `genqueue: concurrency must be in [%d, %d], got %d`, MinConcurrency, MaxConcurrency, n).WithPhase(`config`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if n == x.concurrency {
		return nil
	}
	x.concurrency = n
	x.emitLocked(Event{Action: actionConcurrencyUpdated, Count: n})
	x.logger.Info().Int(`concurrency`, n).Log(`concurrency updated`)
	x.dispatchLocked()
	return nil
}

// SetDuplicatePolicy sets the duplicate request-id policy at runtime.
// Setting the current policy is a no-op.
func (x *Manager) SetDuplicatePolicy(p DuplicatePolicy) error {
	if !p.valid() {
		return generr.Errorf(generr.Validation, `genqueue: invalid duplicate policy %d`, p).WithPhase(`config`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if p == x.policy {
		return nil
	}
	x.policy = p
	x.emitLocked(Event{Action: actionDuplicatePolicyChanged, Reason: p.String()})
	x.logger.Info().Stringer(`policy`, p).Log(`duplicate request id policy changed`)
	return nil
}

// QueueSize returns the number of queued (not yet running) tasks.
func (x *Manager) QueueSize() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.queued
}

// ActiveJobs returns the number of running tasks.
func (x *Manager) ActiveJobs() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.active
}

// Concurrency returns the current worker slot count.
func (x *Manager) Concurrency() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.concurrency
}

// Events returns a snapshot of the event log, oldest first. A positive
// limit keeps only the newest limit events.
func (x *Manager) Events(limit int) []Event {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ring.snapshot(limit)
}

// Overview returns the live health summary.
func (x *Manager) Overview() Overview {
	x.mu.Lock()
	now := x.clock.Now()
	o := Overview{
		IsPaused:         x.paused,
		IsAcceptingTasks: x.accepting && !x.closed,
		IsInitialized:    true,
		QueueSize:        x.queued,
		ActiveJobs:       x.active,
		Concurrency:      x.concurrency,
		AvgProcessingMS:  x.capacity.avgProcessingMS,
	}
	events := x.ring.snapshot(0)
	x.mu.Unlock()

	if x.init != nil {
		o.IsInitialized = x.init.initialized()
		if err := x.init.lastError(); err != nil {
			o.LastError = err.Error()
		}
	}

	agg := aggregate(events, now)
	o.SuccessRate = agg.successRate
	o.ErrorRate = agg.errorRate
	o.ErrorTrend = agg.errorTrend
	o.TasksPerMinute = agg.tasksPerMinute
	o.GrowthRate = agg.growthRate
	o.applyHealth()
	return o
}

// SinkStats reports the attached sink's delivery counters: events recorded,
// events dropped on a full buffer, and events dropped by the flood guard.
// All zero when no sink is attached.
func (x *Manager) SinkStats() (recorded, droppedFull, droppedLimited int64) {
	if x.sink == nil {
		return 0, 0, 0
	}
	return x.sink.stats()
}

// Close releases the manager's background resources: the rate-limiter
// cleanup ticker and the sink forwarder. It does not wait for tasks; call
// [Manager.Shutdown] first for a graceful stop. Idempotent.
func (x *Manager) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	x.accepting = false
	x.stopGCLocked()
	sink := x.sink
	x.mu.Unlock()
	if sink != nil {
		sink.close()
	}
	return nil
}

// cancelTask is the [Task.Cancel] and caller-signal entry point.
func (x *Manager) cancelTask(t *Task, source cancelSource) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cancelLocked(t, source)
}

// cancelLocked trips the task's controller. A task still queued settles
// immediately, leaving a heap tombstone; a running task settles when its
// executor observes the signal.
func (x *Manager) cancelLocked(t *Task, source cancelSource) bool {
	if t.terminal {
		return false
	}
	tripped := t.ctrl.trip(source)
	if !t.running && !t.started {
		x.queued--
		x.settleQueuedCancelLocked(t, source)
	}
	return tripped
}

// settleQueuedCancelLocked finalizes a task cancelled before dispatch. The
// caller has already adjusted the queued count.
func (x *Manager) settleQueuedCancelLocked(t *Task, source cancelSource) {
	x.emitLocked(Event{
		Action:    actionCancelledBeforeStart,
		RequestID: t.requestID,
		UserID:    t.userID,
		ErrorType: generr.Cancelled.String(),
		Reason:    source.String(),
	})
	x.settleLocked(t, nil, &cancelError{source: source})
	x.emitLocked(Event{
		Action:    actionTaskFinally,
		RequestID: t.requestID,
		UserID:    t.userID,
		ErrorType: generr.Cancelled.String(),
		Reason:    source.String(),
		Attempts:  t.attempts,
	})
}

// settleLocked performs the terminal transition: result assignment,
// registry release, and future resolution. Exactly once per task.
func (x *Manager) settleLocked(t *Task, result Result, err error) {
	if t.terminal {
		return
	}
	t.terminal = true
	t.result = result
	t.err = err
	x.reg.release(t)
	close(t.done)
}

// dispatchLocked fills open slots from the heap, highest priority first,
// and signals the shutdown coordinator once the last active task drains.
func (x *Manager) dispatchLocked() {
	for !x.paused && x.active < x.concurrency {
		t := x.heap.popHighest()
		if t == nil {
			break
		}
		x.queued--
		x.active++
		t.running = true
		go x.execute(t)
	}
	if x.drained != nil && x.active == 0 {
		close(x.drained)
		x.drained = nil
	}
}

// emitLocked stamps and records an event, mirroring it to the sink.
func (x *Manager) emitLocked(e Event) {
	e.Timestamp = x.clock.Now()
	e.QueueSize = x.queued
	e.ActiveJobs = x.active
	e.Concurrency = x.concurrency
	x.ring.append(e)
	if x.sink != nil {
		x.sink.publish(e)
	}
}

func (x *Manager) startGCLocked() {
	stop := make(chan struct{})
	x.gcStop = stop
	ticker := x.newTicker(rateGCInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := x.clock.Now()
				x.mu.Lock()
				x.limiter.sweep(now)
				x.mu.Unlock()
			}
		}
	}()
}

func (x *Manager) stopGCLocked() {
	if x.gcStop != nil {
		close(x.gcStop)
		x.gcStop = nil
	}
}

// normalizePriority maps the submission's priority to its scheduling value:
// non-finite inputs become 0, the rest truncate to integer and clamp to
// [-1000, 1000].
func normalizePriority(p float64) int {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0
	}
	n := int(p)
	if n < -1000 {
		return -1000
	}
	if n > 1000 {
		return 1000
	}
	return n
}
