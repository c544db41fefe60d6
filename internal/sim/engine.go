package sim

import (
	"container/heap"
	"time"

	"github.com/bo0619/hfmm-engine/internal/eventbus"
)

// Priority breaks ties within the same timestamp (§3: "0 = market data,
// 5 = gateway-originated order/cancel arrival, 10 = scheduled timers").
const (
	PriorityMarketData     = 0
	PriorityGatewayIO      = 5
	PriorityScheduledTimer = 10
)

// simEvent is one scheduled callback, ordered by (timestamp, priority).
type simEvent struct {
	timestamp time.Time
	priority  int
	callback  func()
}

// eventHeap implements container/heap.Interface over simEvent, ordered
// by (timestamp, priority) ascending.
type eventHeap []*simEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].timestamp.Equal(h[j].timestamp) {
		return h[i].priority < h[j].priority
	}
	return h[i].timestamp.Before(h[j].timestamp)
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*simEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Engine is the single-threaded cooperative scheduler that drives
// simulated time. It is not safe for concurrent use from multiple
// goroutines by design: sim mode is single-threaded (§5).
type Engine struct {
	queue   eventHeap
	bus     *eventbus.Bus
	clock   *Clock
	running bool
}

// New creates a sim engine that drains bus after every event.
func New(bus *eventbus.Bus, clock *Clock) *Engine {
	e := &Engine{bus: bus, clock: clock}
	heap.Init(&e.queue)
	return e
}

// Schedule pushes a callback to run at (timestamp, priority). Lower
// priority values run first at equal timestamps.
func (e *Engine) Schedule(timestamp time.Time, priority int, callback func()) {
	heap.Push(&e.queue, &simEvent{timestamp: timestamp, priority: priority, callback: callback})
}

// Run drains the heap in (timestamp, priority) order. After each
// callback it drains the event bus fully, so every causal descendant of
// the sim event is dispatched before logical time advances (§4.7, §5
// ordering guarantee 3). No wall-clock sleeps occur; logical time comes
// only from the event stream via Clock.Advance.
func (e *Engine) Run() {
	e.running = true
	for e.queue.Len() > 0 && e.running {
		ev := heap.Pop(&e.queue).(*simEvent)
		e.clock.Advance(ev.timestamp)

		ev.callback()

		if e.bus != nil {
			e.bus.DrainAll()
		}
	}
}

// Stop halts Run after the current event finishes processing.
func (e *Engine) Stop() {
	e.running = false
}

// Pending returns the number of events still queued.
func (e *Engine) Pending() int {
	return e.queue.Len()
}
