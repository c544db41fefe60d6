// Package eventbus implements the FIFO event queue that serialises all
// in-process state changes: market data, order/trade updates, account
// updates, health, and log events are all dispatched through it.
//
// Two dispatch modes are supported, grounded on the teacher's worker-
// goroutine-plus-buffered-channel idiom (internal/exchange/ws.go's
// dispatchMessage, internal/engine/engine.go's dispatchMarketEvents):
//
//   - Start/Stop: a dedicated worker goroutine pops events with a bounded
//     wait and dispatches them; producers never block on Put.
//   - DrainAll: a synchronous mode for the simulator, which dispatches
//     every event currently queued and any descendants produced during
//     dispatch, until the queue is empty. This guarantees all causal
//     effects of a sim event are observed before logical time advances.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// EventType tags the variant carried by an Event.
type EventType string

// Event is any payload that can be placed on the bus. Concrete event
// types (book events, order snapshots, health, etc.) live in pkg/types
// and are wrapped with their EventType at Put time.
type Event interface {
	Type() EventType
}

// Handler processes one Event. A Handler that panics is recovered and
// logged by the bus; it never blocks or stops other handlers.
type Handler func(Event)

// Bus is a FIFO queue of typed events with synchronous dispatch to
// registered handlers per type, in registration order.
type Bus struct {
	mu       sync.Mutex
	queue    []Event
	handlers map[EventType][]Handler

	notify  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		notify:   make(chan struct{}, 1),
		logger:   logger.With("component", "eventbus"),
	}
}

// Register adds a handler for the given event type. Handlers for a type
// run in the order they were registered.
func (b *Bus) Register(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Put appends an event to the queue. Never blocks.
func (b *Bus) Put(e Event) {
	b.mu.Lock()
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Start launches the threaded worker in its own goroutine and returns at
// once; the worker runs until ctx is cancelled or Stop is called.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	b.wg.Add(1)
	go b.workerLoop(ctx)
}

// Stop signals the worker to exit and waits for it.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) workerLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-b.notify:
			b.drainOnce()
		}
	}
}

// drainOnce dispatches whatever is queued right now, including events
// produced by handlers while this call runs.
func (b *Bus) drainOnce() {
	for {
		e, ok := b.pop()
		if !ok {
			return
		}
		b.dispatch(e)
	}
}

// DrainAll dispatches every event currently queued and any descendants
// produced during dispatch, until the queue is empty. Intended for the
// sim engine's single-threaded drive loop; safe to call from the
// threaded worker's goroutine too since it uses the same queue.
func (b *Bus) DrainAll() {
	b.drainOnce()
}

func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	e := b.queue[0]
	b.queue = b.queue[1:]
	return e, true
}

func (b *Bus) dispatch(e Event) {
	b.mu.Lock()
	hs := b.handlers[e.Type()]
	b.mu.Unlock()

	for _, h := range hs {
		b.invoke(h, e)
	}
}

// invoke calls a handler, recovering and logging any panic so that one
// failing handler never blocks others or stops the bus.
func (b *Bus) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", e.Type(),
				"panic", r,
			)
		}
	}()
	h(e)
}

// Pending returns the number of events currently queued (diagnostic use).
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
