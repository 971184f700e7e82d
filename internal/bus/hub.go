// Package bus fans incident events out to subscribers.
//
// Delivery is at-most-once per subscriber: a subscriber whose buffer is full
// misses the event and must recover from the log store.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Publisher is implemented by anything that accepts events for fan-out.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event)
}

// Relay forwards locally published events to other processes.
type Relay interface {
	Forward(ctx context.Context, ev domain.Event) error
}

type subscriber struct {
	incidentID string
	ch         chan domain.Event
}

// Hub is the in-process event bus. The zero value is not usable; call NewHub.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	buffer  int
	relay   Relay
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewHub creates a Hub whose subscribers get channels of size buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
		logger: slog.Default().With("component", "bus"),
	}
}

// SetRelay attaches a cross-process relay. Pass nil to detach.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Subscribe registers a subscriber. An empty incidentID receives every event.
// The returned cancel func closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(incidentID string) (<-chan domain.Event, func()) {
	sub := &subscriber{incidentID: incidentID, ch: make(chan domain.Event, h.buffer)}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to local subscribers and hands it to the relay, if any.
// It never blocks on a slow subscriber.
func (h *Hub) Publish(ctx context.Context, ev domain.Event) {
	if ev.EmittedAt == 0 {
		ev.EmittedAt = time.Now().UnixMilli()
	}
	h.Deliver(ev)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	if err := relay.Forward(ctx, ev); err != nil {
		h.logger.WarnContext(ctx, "relay forward failed",
			"incident_id", ev.IncidentID, "type", string(ev.Type), "error", err)
	}
}

// Deliver fans ev out to local subscribers only.
func (h *Hub) Deliver(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.incidentID != "" && sub.incidentID != ev.IncidentID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
