package genqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joeycumines/logiface"
)

// Configuration defaults and bounds.
const (
	DefaultConcurrency = 2
	MinConcurrency     = 1
	MaxConcurrency     = 10

	// DefaultTimeout is the per-attempt deadline applied when a submission
	// leaves SubmitOptions.Timeout zero.
	DefaultTimeout = 5 * time.Minute
	minTimeout     = time.Second
	maxTimeout     = time.Hour

	DefaultMaxRetries = 3
	maxRetriesLimit   = 9

	// DefaultQueueMultiplier scales concurrency into the heuristic
	// waiting-room cap.
	DefaultQueueMultiplier = 20
	// DefaultMaxQueueTime bounds how long an admitted task should wait,
	// sizing the time-based cap once the processing average is primed.
	DefaultMaxQueueTime = 10 * time.Minute
	// DefaultUserRateLimit is the per-user admission budget per minute.
	DefaultUserRateLimit = 10

	defaultSinkBuffer = 256
)

type (
	// Option configures a Manager.
	Option interface {
		applyManager(*managerOptions) error
	}

	managerOptions struct {
		logger          *logiface.Logger[logiface.Event]
		clock           Clock
		newTimer        timerFunc
		newTicker       func(time.Duration) *time.Ticker
		sink            EventSink
		sinkRates       map[time.Duration]int
		initializer     func(context.Context) error
		defaultTimeout  time.Duration
		maxQueueTime    time.Duration
		concurrency     int
		queueMultiplier int
		userRateLimit   int
		sinkBuffer      int
		policy          DuplicatePolicy
	}

	managerOptionImpl struct {
		applyManagerFunc func(*managerOptions) error
	}

	// timerFunc constructs a one-shot timer, returning its channel and a
	// stop function. Injected for tests.
	timerFunc func(d time.Duration) (<-chan time.Time, func() bool)
)

func (x *managerOptionImpl) applyManager(opts *managerOptions) error {
	return x.applyManagerFunc(opts)
}

func stdTimer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// WithConcurrency sets the worker slot count, in [1, 10]. Defaults to 2.
func WithConcurrency(n int) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if n < MinConcurrency || n > MaxConcurrency {
			return fmt.Errorf(`genqueue: concurrency must be in [%d, %d], got %d`, MinConcurrency, MaxConcurrency, n)
		}
		opts.concurrency = n
		return nil
	}}
}

// WithLogger sets the logger. Defaults to no logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(clock Clock) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if clock == nil {
			return errors.New(`genqueue: nil clock`)
		}
		opts.clock = clock
		return nil
	}}
}

// WithDefaultTimeout sets the per-attempt deadline applied when a submission
// does not specify one. Must be in [1s, 1h]. Defaults to 5 minutes.
func WithDefaultTimeout(d time.Duration) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if d < minTimeout || d > maxTimeout {
			return fmt.Errorf(`genqueue: default timeout must be in [%v, %v], got %v`, minTimeout, maxTimeout, d)
		}
		opts.defaultTimeout = d
		return nil
	}}
}

// WithQueueMultiplier sets the heuristic waiting-room multiplier. Must be at
// least 1. Defaults to 20.
func WithQueueMultiplier(n int) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if n < 1 {
			return fmt.Errorf(`genqueue: queue multiplier must be at least 1, got %d`, n)
		}
		opts.queueMultiplier = n
		return nil
	}}
}

// WithMaxQueueTime sets the target bound on queue wait, sizing the
// time-based cap. Must be positive. Defaults to 10 minutes.
func WithMaxQueueTime(d time.Duration) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if d <= 0 {
			return fmt.Errorf(`genqueue: max queue time must be positive, got %v`, d)
		}
		opts.maxQueueTime = d
		return nil
	}}
}

// WithUserRateLimit sets the per-user admissions allowed per minute. Must be
// at least 1. Defaults to 10.
func WithUserRateLimit(n int) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if n < 1 {
			return fmt.Errorf(`genqueue: user rate limit must be at least 1, got %d`, n)
		}
		opts.userRateLimit = n
		return nil
	}}
}

// WithDuplicatePolicy sets the duplicate request-id policy applied at
// admission. Defaults to [DuplicateCancelPrevious].
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if !p.valid() {
			return fmt.Errorf(`genqueue: invalid duplicate policy %d`, p)
		}
		opts.policy = p
		return nil
	}}
}

// WithSink attaches a durable mirror for metric events. The sink is
// fire-and-forget: a slow or failing sink drops events, never blocking the
// control plane. See also [WithSinkRateLimits] and [WithSinkBuffer].
func WithSink(sink EventSink) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if sink == nil {
			return errors.New(`genqueue: nil sink`)
		}
		opts.sink = sink
		return nil
	}}
}

// WithSinkBuffer sets the sink forwarder's channel depth. Must be at least
// 1. Defaults to 256.
func WithSinkBuffer(n int) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if n < 1 {
			return fmt.Errorf(`genqueue: sink buffer must be at least 1, got %d`, n)
		}
		opts.sinkBuffer = n
		return nil
	}}
}

// WithSinkRateLimits sets per-action-category flood-guard rates for the
// sink, as sliding windows mapping duration to maximum events. Defaults to
// 600 events per minute per action. Rates must satisfy the catrate limiter's
// contract (positive, monotonic).
func WithSinkRateLimits(rates map[time.Duration]int) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if len(rates) == 0 {
			return errors.New(`genqueue: empty sink rate limits`)
		}
		opts.sinkRates = rates
		return nil
	}}
}

// WithInitializer registers a one-time initialization hook, run before the
// first admission (or via [Manager.EnsureInitialized]). Failures retry with
// exponential backoff behind a circuit breaker; while failing, admission
// fails with initialization classification.
func WithInitializer(fn func(ctx context.Context) error) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if fn == nil {
			return errors.New(`genqueue: nil initializer`)
		}
		opts.initializer = fn
		return nil
	}}
}

// withTimerFunc overrides timer construction, for tests.
func withTimerFunc(fn timerFunc) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.newTimer = fn
		return nil
	}}
}

// withTickerFunc overrides ticker construction, for tests.
func withTickerFunc(fn func(time.Duration) *time.Ticker) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.newTicker = fn
		return nil
	}}
}

func resolveManagerOptions(opts []Option) (*managerOptions, error) {
	cfg := &managerOptions{
		clock:           realClock{},
		newTimer:        stdTimer,
		newTicker:       time.NewTicker,
		concurrency:     DefaultConcurrency,
		defaultTimeout:  DefaultTimeout,
		queueMultiplier: DefaultQueueMultiplier,
		maxQueueTime:    DefaultMaxQueueTime,
		userRateLimit:   DefaultUserRateLimit,
		sinkBuffer:      defaultSinkBuffer,
		policy:          DuplicateCancelPrevious,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyManager(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// FromEnv returns options parsed from GENQUEUE_* environment variables:
// GENQUEUE_CONCURRENCY (int), GENQUEUE_DEFAULT_TIMEOUT (duration),
// GENQUEUE_QUEUE_MULTIPLIER (int), GENQUEUE_MAX_QUEUE_TIME (duration), and
// GENQUEUE_USER_RATE_LIMIT (int). Unset variables contribute nothing; a
// malformed value surfaces as an error from [New].
func FromEnv() []Option {
	var opts []Option
	if opt := envIntOption(`GENQUEUE_CONCURRENCY`, WithConcurrency); opt != nil {
		opts = append(opts, opt)
	}
	if opt := envDurationOption(`GENQUEUE_DEFAULT_TIMEOUT`, WithDefaultTimeout); opt != nil {
		opts = append(opts, opt)
	}
	if opt := envIntOption(`GENQUEUE_QUEUE_MULTIPLIER`, WithQueueMultiplier); opt != nil {
		opts = append(opts, opt)
	}
	if opt := envDurationOption(`GENQUEUE_MAX_QUEUE_TIME`, WithMaxQueueTime); opt != nil {
		opts = append(opts, opt)
	}
	if opt := envIntOption(`GENQUEUE_USER_RATE_LIMIT`, WithUserRateLimit); opt != nil {
		opts = append(opts, opt)
	}
	return opts
}

func envIntOption(key string, with func(int) Option) Option {
	v, ok := os.LookupEnv(key)
	if !ok || v == `` {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return envError(key, err)
	}
	return with(n)
}

func envDurationOption(key string, with func(time.Duration) Option) Option {
	v, ok := os.LookupEnv(key)
	if !ok || v == `` {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return envError(key, err)
	}
	return with(d)
}

func envError(key string, err error) Option {
	return &managerOptionImpl{func(*managerOptions) error {
		return fmt.Errorf(`genqueue: invalid %s: %w`, key, err)
	}}
}
