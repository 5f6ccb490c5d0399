package genqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// defaultSinkRatePerMinute caps each event action's throughput to the sink
// unless configured otherwise.
const defaultSinkRatePerMinute = 600

type (
	// EventSink receives a fire-and-forget mirror of the manager's metric
	// events, e.g. for a durable queue log. Record is called from a single
	// forwarder goroutine; it may block or panic without affecting the
	// control plane, though a slow sink causes events to be dropped.
	EventSink interface {
		Record(event Event)
	}

	// SinkFunc adapts a function to [EventSink].
	SinkFunc func(event Event)

	// sinkForwarder decouples the control plane from the sink: events are
	// published non-blocking onto a bounded channel, rate limited per
	// action category, and delivered by one goroutine with panic recovery.
	sinkForwarder struct {
		sink     EventSink
		limiter  *catrate.Limiter
		logger   *logiface.Logger[logiface.Event]
		ch       chan Event
		stop     chan struct{}
		done     chan struct{}
		stopOnce sync.Once

		recorded       atomic.Int64
		droppedFull    atomic.Int64
		droppedLimited atomic.Int64
	}
)

// Record implements [EventSink].
func (x SinkFunc) Record(event Event) { x(event) }

func newSinkForwarder(sink EventSink, rates map[time.Duration]int, buffer int, logger *logiface.Logger[logiface.Event]) *sinkForwarder {
	if len(rates) == 0 {
		rates = map[time.Duration]int{time.Minute: defaultSinkRatePerMinute}
	}
	x := &sinkForwarder{
		sink:    sink,
		limiter: catrate.NewLimiter(rates),
		logger:  logger,
		ch:      make(chan Event, buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go x.run()
	return x
}

// publish enqueues the event for delivery, dropping it if the buffer is
// full. Never blocks.
func (x *sinkForwarder) publish(event Event) {
	select {
	case x.ch <- event:
	default:
		x.droppedFull.Add(1)
	}
}

func (x *sinkForwarder) run() {
	defer close(x.done)
	for {
		select {
		case <-x.stop:
			// Drain what was already buffered before stopping.
			for {
				select {
				case event := <-x.ch:
					x.deliver(event)
				default:
					return
				}
			}
		case event := <-x.ch:
			x.deliver(event)
		}
	}
}

func (x *sinkForwarder) deliver(event Event) {
	if _, ok := x.limiter.Allow(event.Action); !ok {
		x.droppedLimited.Add(1)
		return
	}
	x.record(event)
}

func (x *sinkForwarder) record(event Event) {
	defer func() {
		if v := recover(); v != nil {
			x.logger.Warning().
				Str(`action`, event.Action).
				Any(`panic`, v).
				Log(`event sink panicked`)
		}
	}()
	x.sink.Record(event)
	x.recorded.Add(1)
}

// close stops the forwarder and waits for it to drain out. Idempotent.
func (x *sinkForwarder) close() {
	x.stopOnce.Do(func() {
		close(x.stop)
	})
	<-x.done
}

func (x *sinkForwarder) stats() (recorded, droppedFull, droppedLimited int64) {
	return x.recorded.Load(), x.droppedFull.Load(), x.droppedLimited.Load()
}
