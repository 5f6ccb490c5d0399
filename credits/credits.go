// Package credits implements the credit and transaction guard for the
// generation control plane: a pre-flight admission check that validates a
// user's balance against a provider cost matrix, and a post-execution debit
// recorded if and only if the task succeeded.
//
// The guard never debits up front. A task that fails, times out, or is
// cancelled has had no balance change, so no refund path exists.
//
// # Thread Safety
//
// [Guard] is stateless apart from its injected collaborators and is safe for
// concurrent use. Atomicity of the debit-plus-transaction pair is the
// [Store] implementation's contract.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-genqueue/generr"
	"github.com/joeycumines/logiface"
)

type (
	// Transaction is one debit record, appended atomically with the balance
	// change that produced it.
	Transaction struct {
		Timestamp time.Time `json:"timestamp"`
		UserID    string    `json:"user_id"`
		Provider  string    `json:"provider"`
		Count     int       `json:"count"`
		Cost      int64     `json:"cost"`
	}

	// Store is the persistence the guard requires: a balance read, and a
	// debit that atomically verifies the balance, subtracts the amount, and
	// appends the transaction as a single logical write. Debit returns
	// [*InsufficientError] when the balance no longer covers the amount.
	Store interface {
		Balance(ctx context.Context, userID string) (int64, error)
		Debit(ctx context.Context, userID string, amount int64, txn Transaction) error
	}

	// Reservation is the outcome of a successful pre-flight check: the
	// computed cost, stashed so the post-execution debit uses the amount the
	// user was admitted under.
	Reservation struct {
		UserID    string
		Provider  string
		Modifiers Modifiers
		Required  int64
	}

	// InsufficientError reports a failed balance check.
	InsufficientError struct {
		UserID    string `json:"-"`
		Provider  string `json:"-"`
		Required  int64  `json:"required"`
		Current   int64  `json:"current"`
		Shortfall int64  `json:"shortfall"`
	}

	// Guard performs the pre-flight check and the post-execution debit.
	Guard struct {
		store  Store
		matrix Matrix
		logger *logiface.Logger[logiface.Event]
		clock  Clock
	}

	// Clock abstracts the time source, for tests.
	Clock interface {
		Now() time.Time
	}

	// GuardOption configures a Guard.
	GuardOption interface {
		applyGuard(*guardOptions) error
	}

	guardOptions struct {
		matrix Matrix
		logger *logiface.Logger[logiface.Event]
		clock  Clock
	}

	guardOptionImpl struct {
		applyGuardFunc func(*guardOptions) error
	}

	realClock struct{}
)

func (realClock) Now() time.Time { return time.Now() }

// Error implements the error interface.
func (e *InsufficientError) Error() string {
	return fmt.Sprintf(`credits: insufficient credits: required %d, current %d (shortfall %d)`, e.Required, e.Current, e.Shortfall)
}

// ErrorKind classifies the error for the HTTP surface (402).
func (e *InsufficientError) ErrorKind() generr.Kind {
	return generr.InsufficientCredits
}

func (x *guardOptionImpl) applyGuard(opts *guardOptions) error {
	return x.applyGuardFunc(opts)
}

// WithMatrix sets the cost matrix. Defaults to [DefaultMatrix].
func WithMatrix(m Matrix) GuardOption {
	return &guardOptionImpl{func(opts *guardOptions) error {
		if len(m) == 0 {
			return errors.New(`credits: empty cost matrix`)
		}
		opts.matrix = m
		return nil
	}}
}

// WithLogger sets the logger. Defaults to no logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) GuardOption {
	return &guardOptionImpl{func(opts *guardOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithClock sets the time source used to stamp transactions.
func WithClock(clock Clock) GuardOption {
	return &guardOptionImpl{func(opts *guardOptions) error {
		if clock == nil {
			return errors.New(`credits: nil clock`)
		}
		opts.clock = clock
		return nil
	}}
}

// NewGuard returns a guard backed by the given store.
func NewGuard(store Store, opts ...GuardOption) (*Guard, error) {
	if store == nil {
		return nil, errors.New(`credits: nil store`)
	}
	cfg := &guardOptions{
		matrix: DefaultMatrix(),
		clock:  realClock{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyGuard(cfg); err != nil {
			return nil, err
		}
	}
	return &Guard{
		store:  store,
		matrix: cfg.matrix,
		logger: cfg.logger,
		clock:  cfg.clock,
	}, nil
}

// Check performs the pre-flight balance check. On success it returns a
// reservation carrying the computed cost; nothing is debited. Anonymous
// callers are refused, unknown providers fail validation, and a balance
// below the computed cost returns [*InsufficientError].
func (x *Guard) Check(ctx context.Context, userID, provider string, m Modifiers) (*Reservation, error) {
	if userID == `` {
		return nil, generr.New(generr.Unauthorized, `credits: anonymous callers have no balance`)
	}
	required, err := x.matrix.Cost(provider, m)
	if err != nil {
		return nil, err
	}
	current, err := x.store.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf(`credits: balance lookup failed: %w`, err)
	}
	if current < required {
		x.logger.Debug().
			Str(`user_id`, userID).
			Str(`provider`, provider).
			Int64(`required`, required).
			Int64(`current`, current).
			Log(`credit check refused`)
		return nil, &InsufficientError{
			UserID:    userID,
			Provider:  provider,
			Required:  required,
			Current:   current,
			Shortfall: required - current,
		}
	}
	return &Reservation{
		UserID:    userID,
		Provider:  provider,
		Modifiers: m,
		Required:  required,
	}, nil
}

// Commit debits the reserved amount and appends the transaction record.
// Call it exactly once, and only for a task that reached its succeeded
// state. The debit re-verifies the balance atomically; a balance that
// shrank since the check surfaces as [*InsufficientError].
func (x *Guard) Commit(ctx context.Context, r *Reservation) error {
	if r == nil {
		panic(`credits: nil reservation`)
	}
	txn := Transaction{
		UserID:    r.UserID,
		Provider:  r.Provider,
		Count:     r.Modifiers.Count(),
		Cost:      r.Required,
		Timestamp: x.clock.Now(),
	}
	if err := x.store.Debit(ctx, r.UserID, r.Required, txn); err != nil {
		return fmt.Errorf(`credits: debit failed: %w`, err)
	}
	x.logger.Debug().
		Str(`user_id`, r.UserID).
		Str(`provider`, r.Provider).
		Int64(`cost`, r.Required).
		Log(`credits debited`)
	return nil
}
