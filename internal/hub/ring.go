package hub

import "github.com/shaunagostinho/edge-telemetry/internal/telemetry"

// Ring is a fixed-capacity FIFO of events that overwrites its oldest entry
// when full. It is not safe for concurrent use; Hub guards it.
type Ring struct {
	buf  []telemetry.Event
	head int
	size int
}

// NewRing creates a Ring holding at most capacity events (minimum 1).
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]telemetry.Event, capacity)}
}

// Push appends ev and reports whether the oldest event was overwritten.
func (r *Ring) Push(ev telemetry.Event) bool {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = ev
		r.size++
		return false
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	return true
}

// Snapshot returns the contents oldest first.
func (r *Ring) Snapshot() []telemetry.Event {
	out := make([]telemetry.Event, r.size)
	for i := range out {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *Ring) Len() int { return r.size }

func (r *Ring) Cap() int { return len(r.buf) }
