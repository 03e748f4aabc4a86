package progress

import (
	"sync"
)

// Hub maps job ids to their progress channels.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]*Channel)}
}

// Open returns the channel for id, creating it if needed.
func (h *Hub) Open(id string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[id]
	if !ok {
		ch = newChannel(id)
		h.channels[id] = ch
	}
	return ch
}

// Get returns the channel for id.
func (h *Hub) Get(id string) (*Channel, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.channels[id]
	if !ok {
		return nil, ErrUnknownJob
	}
	return ch, nil
}

// Publish is a shortcut for Get(id).Publish(ev).
func (h *Hub) Publish(id string, ev Event) bool {
	ch, err := h.Get(id)
	if err != nil {
		return false
	}
	return ch.Publish(ev)
}

// Subscribe attaches a subscriber to the channel for id.
func (h *Hub) Subscribe(id string) (*Subscription, error) {
	ch, err := h.Get(id)
	if err != nil {
		return nil, err
	}
	return ch.Subscribe(), nil
}

// HasSubscribers reports whether anyone is attached to the channel for id.
func (h *Hub) HasSubscribers(id string) bool {
	ch, err := h.Get(id)
	if err != nil {
		return false
	}
	return ch.Subscribers() > 0
}

// Remove drops the channel for id and closes any remaining subscriptions.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	delete(h.channels, id)
	h.mu.Unlock()

	if ok {
		ch.closeAll()
	}
}

// Len returns the number of open channels.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}
