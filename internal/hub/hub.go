// Package hub keeps the collector's recent event history and fans accepted
// events out to live subscribers.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/edge-telemetry/internal/telemetry"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 500

// ErrReplay is returned by ConnectSubscriber when the subscriber rejected
// the replay of recent events.
var ErrReplay = errors.New("hub: replay failed")

// Subscriber receives events from a Hub. Both methods are called with the
// hub lock held and must not block; implementations enqueue and return an
// error when they cannot.
type Subscriber interface {
	// Replay receives the buffered history as one batch, oldest first.
	Replay(events []telemetry.Event) error
	// Deliver receives one live event.
	Deliver(ev telemetry.Event) error
}

// Stats describes hub activity since construction.
type Stats struct {
	Accepted    uint64 `json:"accepted"`
	Evicted     uint64 `json:"evicted"`
	Removed     uint64 `json:"removedSubscribers"`
	Subscribers int    `json:"subscribers"`
	Buffered    int    `json:"buffered"`
	Capacity    int    `json:"capacity"`
}

// Hub owns the ring of recent events and the subscriber set. One mutex
// covers both, so a new subscriber sees every event exactly once: either in
// its replay or as a live delivery.
type Hub struct {
	mu       sync.Mutex
	ring     *Ring
	subs     map[uuid.UUID]Subscriber
	logger   zerolog.Logger
	stats    Stats
	onRemove func(id uuid.UUID)
}

// New creates a Hub retaining the last capacity events.
func New(capacity int, log zerolog.Logger) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring:   NewRing(capacity),
		subs:   make(map[uuid.UUID]Subscriber),
		logger: log.With().Str("module", "hub").Logger(),
	}
}

// OnRemove registers fn to be called (outside the hub lock) with the ID of
// each subscriber dropped after a failed delivery.
func (h *Hub) OnRemove(fn func(id uuid.UUID)) {
	h.mu.Lock()
	h.onRemove = fn
	h.mu.Unlock()
}

// AcceptEvent stores ev and delivers it to every subscriber. Subscribers
// whose delivery fails are removed and not retried.
func (h *Hub) AcceptEvent(ev telemetry.Event) {
	h.mu.Lock()
	h.stats.Accepted++
	if h.ring.Push(ev) {
		h.stats.Evicted++
	}

	var failed []uuid.UUID
	for id, sub := range h.subs {
		if err := sub.Deliver(ev); err != nil {
			h.logger.Debug().Err(err).Str("subscriber", id.String()).Msg("delivery failed, removing subscriber")
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		delete(h.subs, id)
		h.stats.Removed++
	}
	onRemove := h.onRemove
	h.mu.Unlock()

	if onRemove != nil {
		for _, id := range failed {
			onRemove(id)
		}
	}
}

// ListRecent returns the buffered events, oldest first.
func (h *Hub) ListRecent() []telemetry.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.Snapshot()
}

// ConnectSubscriber replays the buffered history to sub and registers it,
// atomically with respect to AcceptEvent. If the replay fails sub is not
// registered.
func (h *Hub) ConnectSubscriber(sub Subscriber) (uuid.UUID, error) {
	id := uuid.New()

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := sub.Replay(h.ring.Snapshot()); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrReplay, err)
	}
	h.subs[id] = sub
	h.logger.Debug().Str("subscriber", id.String()).Int("subscribers", len(h.subs)).Msg("subscriber connected")
	return id, nil
}

// DisconnectSubscriber removes the subscriber with id. Unknown IDs are
// ignored.
func (h *Hub) DisconnectSubscriber(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	h.logger.Debug().Str("subscriber", id.String()).Int("subscribers", len(h.subs)).Msg("subscriber disconnected")
}

// Stats returns a copy of the current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stats
	st.Subscribers = len(h.subs)
	st.Buffered = h.ring.Len()
	st.Capacity = h.ring.Cap()
	return st
}
