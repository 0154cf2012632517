package vestring

import (
	"context"
	"log/slog"
	"sync"
)

// dispatcher drains the audit event buffer into the registered sinks on
// a background worker, so sink latency never blocks a ledger operation.
type dispatcher struct {
	mu     sync.RWMutex // Guards closed against publishes racing stop
	closed bool
	buffer chan Event
	sinks  []EventSink
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newDispatcher creates a dispatcher with the given buffer size.
func newDispatcher(bufferSize int, sinks []EventSink, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		buffer: make(chan Event, bufferSize),
		sinks:  sinks,
		logger: logger,
	}
}

// start launches the background worker.
//
// Context handling: the worker runs on a separate context.Background()
// so it keeps draining independently of any caller's context. It is
// stopped via the internal cancel function when stop() is called.
func (d *dispatcher) start() {
	var ctx context.Context
	ctx, d.cancel = context.WithCancel(context.Background())

	d.wg.Add(1)
	go d.drainWorker(ctx)
}

// stop flushes whatever is buffered and shuts the worker down. Safe to
// call more than once.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.closed || d.cancel == nil {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.buffer)
	d.wg.Wait()
	d.cancel()
}

// publish hands an event to the worker. When the buffer is full the
// event is delivered to sinks synchronously instead of being dropped:
// the journal must stay complete for audit reconstruction. A publish
// that loses the race against stop is delivered synchronously too.
func (d *dispatcher) publish(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.deliver(context.Background(), event)
		return
	}

	select {
	case d.buffer <- event:
	default:
		d.logger.Warn("event buffer full, delivering synchronously",
			"event_id", event.EventID,
			"kind", event.Kind)
		d.deliver(context.Background(), event)
	}
}

// drainWorker delivers buffered events until the buffer is closed.
func (d *dispatcher) drainWorker(ctx context.Context) {
	defer d.wg.Done()

	for event := range d.buffer {
		d.deliver(ctx, event)
	}
}

// deliver publishes one event to every sink. Sink failures are logged
// and do not affect the others.
func (d *dispatcher) deliver(ctx context.Context, event Event) {
	for _, sink := range d.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			d.logger.Error("failed to publish event to sink",
				"event_id", event.EventID,
				"kind", event.Kind,
				"error", err)
		}
	}
}
