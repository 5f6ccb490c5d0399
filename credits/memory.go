package credits

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore is an in-memory [Store] for tests, examples, and single-node
// deployments. The debit-plus-transaction pair is applied under one lock,
// satisfying the single-logical-write contract.
type MemoryStore struct {
	balances     map[string]int64
	transactions []Transaction
	mu           sync.Mutex
}

// NewMemoryStore returns an empty store. All balances start at zero.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]int64)}
}

// Balance implements [Store].
func (x *MemoryStore) Balance(ctx context.Context, userID string) (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.balances[userID], nil
}

// Debit implements [Store]. It verifies the balance, subtracts the amount,
// and appends the transaction atomically.
func (x *MemoryStore) Debit(ctx context.Context, userID string, amount int64, txn Transaction) error {
	if amount < 0 {
		return errors.New(`credits: negative debit amount`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	current := x.balances[userID]
	if current < amount {
		return &InsufficientError{
			UserID:    userID,
			Required:  amount,
			Current:   current,
			Shortfall: amount - current,
		}
	}
	x.balances[userID] = current - amount
	x.transactions = append(x.transactions, txn)
	return nil
}

// Credit adds to a user's balance, returning the new balance. Purchases and
// redemptions live outside the core; this exists to seed balances.
func (x *MemoryStore) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.New(`credits: credit amount must be positive`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.balances[userID] += amount
	return x.balances[userID], nil
}

// Transactions returns a copy of the recorded transactions for the user, in
// append order. An empty userID returns all transactions.
func (x *MemoryStore) Transactions(userID string) []Transaction {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Transaction, 0, len(x.transactions))
	for _, txn := range x.transactions {
		if userID == `` || txn.UserID == userID {
			out = append(out, txn)
		}
	}
	return out
}
