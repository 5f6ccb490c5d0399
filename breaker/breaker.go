// Package breaker implements a per-service circuit breaker with the classic
// CLOSED / OPEN / HALF_OPEN state machine, plus a [Manager] that lazily
// provisions breakers per named service with preset configurations and
// aggregates their health.
//
// # Thread Safety
//
// All methods on [Breaker] and [Manager] are safe for concurrent use. State
// transitions occur under a per-breaker critical section; breakers for
// distinct services are fully independent.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// ErrOpen is returned without invoking the operation while a breaker is
// open, and by the half-open state while its single trial is in flight.
// Returned errors wrap it, so use [errors.Is] to test for it.
var ErrOpen = errors.New(`breaker: circuit open`)

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens a
	// breaker unless configured otherwise.
	DefaultFailureThreshold = 5
	// DefaultOpenTimeout is how long an open breaker fast-fails before
	// admitting a half-open trial, unless configured otherwise.
	DefaultOpenTimeout = time.Minute
)

type (
	// State is a circuit breaker state.
	State uint8

	// Clock abstracts the time source, for tests.
	Clock interface {
		Now() time.Time
	}

	// Breaker guards calls to a single named downstream service.
	//
	// In the CLOSED state calls pass through and consecutive failures are
	// counted; reaching the failure threshold opens the circuit. In the OPEN
	// state calls fail fast with [ErrOpen] until the open timeout elapses,
	// after which the next call is admitted as a HALF_OPEN trial. A
	// successful trial closes the circuit and resets the failure count; a
	// failed trial re-opens it with a fresh timeout. Calls that were
	// cancelled by the caller are recorded but count neither for nor against
	// the circuit.
	Breaker struct {
		clock            Clock
		logger           *logiface.Logger[logiface.Event]
		lastFailureTime  time.Time
		name             string
		failureThreshold int
		openTimeout      time.Duration
		mu               sync.Mutex
		state            State
		trialInFlight    bool
		failureCount     int
		successCount     int64
		failedRequests   int64
		totalRequests    int64
		lastResponseTime time.Duration
		avgResponseTime  time.Duration
	}

	// Status is a point-in-time snapshot of a breaker, shaped for the admin
	// status surface.
	Status struct {
		LastFailureTime    time.Time `json:"last_failure_time,omitzero"`
		Name               string    `json:"name"`
		State              string    `json:"state"`
		FailureCount       int       `json:"failure_count"`
		SuccessCount       int64     `json:"success_count"`
		FailedRequests     int64     `json:"failed_requests"`
		TotalRequests      int64     `json:"total_requests"`
		LastResponseTimeMS int64     `json:"last_response_time_ms"`
		AvgResponseTimeMS  int64     `json:"avg_response_time_ms"`
	}

	// Option configures a Breaker.
	Option interface {
		applyBreaker(*breakerOptions) error
	}

	breakerOptions struct {
		clock            Clock
		logger           *logiface.Logger[logiface.Event]
		failureThreshold int
		openTimeout      time.Duration
	}

	breakerOptionImpl struct {
		applyBreakerFunc func(*breakerOptions) error
	}

	realClock struct{}
)

const (
	// Closed is the healthy pass-through state.
	Closed State = iota
	// Open fast-fails all calls until the open timeout elapses.
	Open
	// HalfOpen admits a single trial call.
	HalfOpen
)

// String returns the conventional uppercase token for the state.
func (x State) String() string {
	switch x {
	case Open:
		return `OPEN`
	case HalfOpen:
		return `HALF_OPEN`
	default:
		return `CLOSED`
	}
}

func (realClock) Now() time.Time { return time.Now() }

func (x *breakerOptionImpl) applyBreaker(opts *breakerOptions) error {
	return x.applyBreakerFunc(opts)
}

// WithFailureThreshold sets the consecutive-failure count that opens the
// circuit. Must be at least 1.
func WithFailureThreshold(n int) Option {
	return &breakerOptionImpl{func(opts *breakerOptions) error {
		if n < 1 {
			return fmt.Errorf(`breaker: failure threshold must be at least 1, got %d`, n)
		}
		opts.failureThreshold = n
		return nil
	}}
}

// WithOpenTimeout sets how long the circuit stays open before admitting a
// half-open trial. Must be positive.
func WithOpenTimeout(d time.Duration) Option {
	return &breakerOptionImpl{func(opts *breakerOptions) error {
		if d <= 0 {
			return fmt.Errorf(`breaker: open timeout must be positive, got %v`, d)
		}
		opts.openTimeout = d
		return nil
	}}
}

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(clock Clock) Option {
	return &breakerOptionImpl{func(opts *breakerOptions) error {
		if clock == nil {
			return errors.New(`breaker: nil clock`)
		}
		opts.clock = clock
		return nil
	}}
}

// WithLogger sets the logger. State transitions are logged at warning
// (opening) and info (closing) levels. Defaults to no logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &breakerOptionImpl{func(opts *breakerOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveBreakerOptions(opts []Option) (*breakerOptions, error) {
	cfg := &breakerOptions{
		failureThreshold: DefaultFailureThreshold,
		openTimeout:      DefaultOpenTimeout,
		clock:            realClock{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyBreaker(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// New returns a breaker for the named service.
func New(name string, opts ...Option) (*Breaker, error) {
	if name == `` {
		return nil, errors.New(`breaker: empty service name`)
	}
	cfg, err := resolveBreakerOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Breaker{
		name:             name,
		failureThreshold: cfg.failureThreshold,
		openTimeout:      cfg.openTimeout,
		clock:            cfg.clock,
		logger:           cfg.logger,
	}, nil
}

// Name returns the service name the breaker guards.
func (x *Breaker) Name() string { return x.name }

// Do runs op under the breaker. If the circuit is open (or a half-open
// trial is already in flight) it returns an error wrapping [ErrOpen]
// without invoking op. Otherwise op's result is recorded and returned
// unchanged.
func (x *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := x.beforeCall(); err != nil {
		return err
	}
	start := x.clock.Now()
	err := op(ctx)
	x.afterCall(start, err)
	return err
}

// Execute runs op under the breaker, carrying a typed result. See
// [Breaker.Do] for semantics.
func Execute[T any](ctx context.Context, x *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := x.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

func (x *Breaker) beforeCall() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch x.state {
	case Open:
		if x.clock.Now().Sub(x.lastFailureTime) < x.openTimeout {
			return fmt.Errorf(`breaker: %s: %w`, x.name, ErrOpen)
		}
		x.state = HalfOpen
		x.trialInFlight = true
		x.logger.Info().
			Str(`service`, x.name).
			Log(`breaker half-open, admitting trial`)
		return nil
	case HalfOpen:
		if x.trialInFlight {
			return fmt.Errorf(`breaker: %s: %w`, x.name, ErrOpen)
		}
		x.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (x *Breaker) afterCall(start time.Time, err error) {
	now := x.clock.Now()
	elapsed := now.Sub(start)

	x.mu.Lock()
	defer x.mu.Unlock()

	x.totalRequests++
	x.lastResponseTime = elapsed
	x.avgResponseTime += (elapsed - x.avgResponseTime) / time.Duration(x.totalRequests)

	switch {
	case err == nil:
		x.successCount++
		if x.state == HalfOpen {
			x.state = Closed
			x.trialInFlight = false
			x.failureCount = 0
			x.logger.Info().
				Str(`service`, x.name).
				Log(`breaker closed after successful trial`)
		} else {
			x.failureCount = 0
		}

	case errors.Is(err, context.Canceled):
		// Caller-induced cancellation is inconclusive: it neither closes a
		// half-open circuit nor counts toward the failure threshold.
		if x.state == HalfOpen {
			x.trialInFlight = false
		}

	default:
		x.failedRequests++
		x.lastFailureTime = now
		if x.state == HalfOpen {
			x.state = Open
			x.trialInFlight = false
			x.logger.Warning().
				Str(`service`, x.name).
				Err(err).
				Log(`breaker re-opened after failed trial`)
		} else {
			x.failureCount++
			if x.state == Closed && x.failureCount >= x.failureThreshold {
				x.state = Open
				x.logger.Warning().
					Str(`service`, x.name).
					Int(`failure_count`, x.failureCount).
					Err(err).
					Log(`breaker opened`)
			}
		}
	}
}

// State returns the current state. Note that an elapsed open timeout is only
// observed by the next call, so an idle breaker may report [Open] after the
// timeout has passed.
func (x *Breaker) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Status returns a point-in-time snapshot.
func (x *Breaker) Status() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	return Status{
		Name:               x.name,
		State:              x.state.String(),
		FailureCount:       x.failureCount,
		SuccessCount:       x.successCount,
		FailedRequests:     x.failedRequests,
		TotalRequests:      x.totalRequests,
		LastFailureTime:    x.lastFailureTime,
		LastResponseTimeMS: x.lastResponseTime.Milliseconds(),
		AvgResponseTimeMS:  x.avgResponseTime.Milliseconds(),
	}
}

// Reset forces the breaker to CLOSED and zeroes all counters.
func (x *Breaker) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.state = Closed
	x.trialInFlight = false
	x.failureCount = 0
	x.successCount = 0
	x.failedRequests = 0
	x.totalRequests = 0
	x.lastFailureTime = time.Time{}
	x.lastResponseTime = 0
	x.avgResponseTime = 0
	x.logger.Info().
		Str(`service`, x.name).
		Log(`breaker reset`)
}
