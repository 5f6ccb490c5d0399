package genqueue

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/joeycumines/go-genqueue/breaker"
	"github.com/joeycumines/go-genqueue/generr"
	"github.com/joeycumines/logiface"
)

// Initialization retry policy: up to three backoff attempts per call, with
// the attempt sequence guarded by a circuit breaker so persistent failures
// fast-fail until the open window elapses.
const (
	initAttempts         = 3
	initBackoffBase      = time.Second
	initBreakerThreshold = 3
	initBreakerTimeout   = 30 * time.Second
)

// initializer runs the optional one-time initialization hook. Concurrent
// callers share a single in-flight attempt sequence; success is permanent.
type initializer struct {
	fn       func(ctx context.Context) error
	breaker  *breaker.Breaker
	logger   *logiface.Logger[logiface.Event]
	mu       sync.Mutex
	inflight chan struct{}
	lastErr  error
	done     bool
}

func newInitializer(fn func(ctx context.Context) error, clock Clock, logger *logiface.Logger[logiface.Event]) (*initializer, error) {
	b, err := breaker.New(`initialization`,
		breaker.WithFailureThreshold(initBreakerThreshold),
		breaker.WithOpenTimeout(initBreakerTimeout),
		breaker.WithClock(clock),
		breaker.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return &initializer{fn: fn, breaker: b, logger: logger}, nil
}

// EnsureInitialized runs the configured initializer if it has not yet
// succeeded, sharing any in-flight attempt. A nil error means the manager
// is initialized; failures classify as Initialization. Without a configured
// initializer this is a no-op.
func (x *Manager) EnsureInitialized(ctx context.Context) error {
	if x.init == nil {
		return nil
	}
	return x.init.ensure(ctx, x)
}

func (x *initializer) ensure(ctx context.Context, m *Manager) error {
	x.mu.Lock()
	if x.done {
		x.mu.Unlock()
		return nil
	}
	if ch := x.inflight; ch != nil {
		x.mu.Unlock()
		select {
		case <-ch:
			x.mu.Lock()
			defer x.mu.Unlock()
			if x.done {
				return nil
			}
			return generr.Wrap(generr.Initialization, x.lastErr, `genqueue: initialization failed`)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	x.inflight = ch
	x.mu.Unlock()

	err := x.attempt(ctx, m)

	x.mu.Lock()
	if err == nil {
		x.done = true
		x.lastErr = nil
	} else {
		x.lastErr = err
	}
	x.inflight = nil
	x.mu.Unlock()
	close(ch)

	if err == nil {
		x.logger.Info().Log(`initialization complete`)
		return nil
	}
	x.logger.Err().Err(err).Log(`initialization failed`)
	return generr.Wrap(generr.Initialization, err, `genqueue: initialization failed`)
}

// attempt runs the breaker-guarded retry sequence: up to initAttempts calls
// with exponential backoff (1s, 2s, 4s plus jitter). An open breaker or a
// done ctx short-circuits.
func (x *initializer) attempt(ctx context.Context, m *Manager) error {
	var err error
	for i := 0; i < initAttempts; i++ {
		err = x.breaker.Do(ctx, x.fn)
		if err == nil || errors.Is(err, breaker.ErrOpen) || ctx.Err() != nil || i == initAttempts-1 {
			return err
		}
		delay := initBackoffBase << i
		delay += time.Duration(rand.Int64N(int64(delay) / 10))
		timerC, stop := m.newTimer(delay)
		select {
		case <-timerC:
		case <-ctx.Done():
			stop()
			return ctx.Err()
		}
	}
	return err
}

func (x *initializer) initialized() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.done
}

func (x *initializer) lastError() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastErr
}
