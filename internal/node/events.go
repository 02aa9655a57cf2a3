package node

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one line on the node's event stream: registry changes,
// peers coming and going, routing decisions, gate denials.
type Event struct {
	Type string         `json:"type"`
	TS   time.Time      `json:"ts"`
	Data map[string]any `json:"data,omitempty"`
}

// Hub fans events out to stream subscribers. Slow consumers lose
// events rather than stalling the publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "events"),
	}
}

// Publish delivers to every subscriber without blocking.
func (h *Hub) Publish(eventType string, data map[string]any) {
	ev := Event{Type: eventType, TS: time.Now().UTC(), Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("subscriber behind, event dropped", "subscriber", id, "type", eventType)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe func.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// SubscriberCount reports the live stream audience.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
