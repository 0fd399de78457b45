package bridge

import (
	"context"
	"sync"

	"github.com/antoniostano/rtvoice/internal/observability"
)

const subscriberBuffer = 128

// Hub fans notifications out to in-process subscribers per session. Slow
// subscribers lose notifications rather than stall the publisher.
type Hub struct {
	metrics *observability.Metrics

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Notification
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{metrics: metrics, subs: make(map[string]map[int]chan Notification)}
}

// Subscribe returns a channel of notifications for sessionID and a cancel
// func that closes it.
func (h *Hub) Subscribe(sessionID string) (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan Notification)
	}
	h.subs[sessionID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if set := h.subs[sessionID]; set != nil {
				if _, ok := set[id]; ok {
					delete(set, id)
					close(ch)
				}
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Publish(_ context.Context, n Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[n.SessionID] {
		select {
		case ch <- n:
			h.metrics.ObserveNotification("hub", string(n.Type))
		default:
			h.metrics.ObserveNotification("hub_drop", string(n.Type))
		}
	}
	return nil
}

// Close ends every subscription of sessionID.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}

func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
