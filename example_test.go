package genqueue_test

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-genqueue"
	"github.com/joeycumines/go-genqueue/credits"
)

// Example wires the full control flow of one generation request: a pre-flight
// credit check, queued execution, and a debit committed only after success.
func Example() {
	ctx := context.Background()

	store := credits.NewMemoryStore()
	if _, err := store.Credit(ctx, `user-1`, 100); err != nil {
		panic(err)
	}
	guard, err := credits.NewGuard(store)
	if err != nil {
		panic(err)
	}

	m, err := genqueue.New(genqueue.WithConcurrency(1))
	if err != nil {
		panic(err)
	}
	defer m.Close()

	reservation, err := guard.Check(ctx, `user-1`, `openai`, credits.Modifiers{})
	if err != nil {
		panic(err)
	}

	work := genqueue.RunnableFunc(func(ctx context.Context, payload any) (genqueue.Result, error) {
		return fmt.Sprintf(`generated %v`, payload), nil
	})
	task, err := m.Submit(ctx, work, genqueue.SubmitOptions{
		RequestID: `req-1`,
		UserID:    `user-1`,
		Payload:   `a red bicycle`,
	})
	if err != nil {
		panic(err)
	}

	result, err := task.Wait(ctx)
	if err != nil {
		panic(err)
	}
	if err := guard.Commit(ctx, reservation); err != nil {
		panic(err)
	}

	balance, _ := store.Balance(ctx, `user-1`)
	fmt.Println(result)
	fmt.Println(`credits remaining:`, balance)

	// Output:
	// generated a red bicycle
	// credits remaining: 90
}
