package telemetry

import "sync"

// eventQueue is a bounded FIFO. Pushing onto a full queue evicts the oldest
// entry first, so push never blocks.
type eventQueue struct {
	mu      sync.Mutex
	items   []Event
	head    int
	size    int
	evicted uint64
	ready   chan struct{} // signalled (non-blocking) on every push
}

func newEventQueue(capacity int) *eventQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &eventQueue{
		items: make([]Event, capacity),
		ready: make(chan struct{}, 1),
	}
}

// push appends ev and reports whether an older event was evicted for it.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	evicted := false
	if q.size == len(q.items) {
		q.items[q.head] = Event{}
		q.head = (q.head + 1) % len(q.items)
		q.size--
		q.evicted++
		evicted = true
	}
	q.items[(q.head+q.size)%len(q.items)] = ev
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Event{}, false
	}
	ev := q.items[q.head]
	q.items[q.head] = Event{}
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return ev, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// snapshot returns the queued events, oldest first.
func (q *eventQueue) snapshot() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Event, q.size)
	for i := 0; i < q.size; i++ {
		out[i] = q.items[(q.head+i)%len(q.items)]
	}
	return out
}

func (q *eventQueue) evictions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
