package engine

import (
	"log/slog"
	"sync"

	"github.com/dataplayground/storage-engine/protocol"
	"github.com/dataplayground/storage-engine/quota"
)

const subscriberBuffer = 16

// Hub broadcasts unsolicited events, such as quota warnings, to subscribers.
// A subscriber that falls behind misses events rather than blocking the
// publisher.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan protocol.Event
	closed bool
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "hub"),
		subs:   make(map[int]chan protocol.Event),
	}
}

// Subscribe returns a channel of broadcast events and a function that
// unsubscribes and closes it. The channel is also closed when the hub closes.
func (h *Hub) Subscribe() (<-chan protocol.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan protocol.Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers evt to every subscriber with room for it.
func (h *Hub) Publish(evt protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.logger.Warn("subscriber lagging, event dropped", "subscriber", id, "event", evt.Type)
		}
	}
}

// QuotaWarning publishes a quota warning event. It matches the quota
// monitor's warning sink.
func (h *Hub) QuotaWarning(w quota.Warning) {
	h.Publish(protocol.NewEvent(protocol.EvtQuotaWarning, &w))
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
