package genqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeycumines/go-genqueue/generr"
)

type (
	// cancelSource identifies which party tripped a task's cancellation.
	// Exactly one source wins per task; later trips are no-ops.
	cancelSource uint8

	// controller is the per-task cancel signal. The first trip wins and
	// closes the done channel; the winning source is retained for the
	// event reason tag.
	controller struct {
		done    chan struct{}
		source  cancelSource
		mu      sync.Mutex
		tripped bool
	}

	// cancelError is the terminal error for cancelled and timed-out
	// attempts. It retains the source as the reason tag, classifies via
	// generr, and cooperates with stdlib idiom: cancellations match
	// [context.Canceled], timeouts match [context.DeadlineExceeded].
	cancelError struct {
		source cancelSource
	}
)

const (
	sourceInternal cancelSource = iota
	sourceSignal
	sourceShutdown
	sourceTimeout
	sourceDuplicate
	sourceUser
)

// String returns the reason tag recorded on cancellation events.
func (x cancelSource) String() string {
	switch x {
	case sourceSignal:
		return `signal`
	case sourceShutdown:
		return `shutdown`
	case sourceTimeout:
		return `timeout`
	case sourceDuplicate:
		return `duplicate-policy`
	case sourceUser:
		return `user`
	default:
		return `internal`
	}
}

func newController() *controller {
	return &controller{done: make(chan struct{})}
}

// trip cancels the controller with the given source. Only the first trip
// takes effect; it reports whether this call won.
func (x *controller) trip(source cancelSource) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.tripped {
		return false
	}
	x.tripped = true
	x.source = source
	close(x.done)
	return true
}

// trippedSource returns the winning source, if tripped.
func (x *controller) trippedSource() (cancelSource, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.source, x.tripped
}

// Error implements the error interface.
func (e *cancelError) Error() string {
	if e.source == sourceTimeout {
		return `genqueue: attempt deadline exceeded`
	}
	return fmt.Sprintf(`genqueue: task cancelled (%s)`, e.source)
}

// ErrorKind classifies the error for the taxonomy.
func (e *cancelError) ErrorKind() generr.Kind {
	if e.source == sourceTimeout {
		return generr.Timeout
	}
	return generr.Cancelled
}

// Is reports context-error equivalence, see the type doc.
func (e *cancelError) Is(target error) bool {
	if e.source == sourceTimeout {
		return target == context.DeadlineExceeded
	}
	return target == context.Canceled
}
