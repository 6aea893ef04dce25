package fanout

import (
	"sync"

	"github.com/google/uuid"
)

// Publisher is what the messaging core publishes through. The plain Hub
// satisfies it, as does the Redis Relay when cross-node delivery is on.
type Publisher interface {
	Publish(ev OutboundEvent) error
}

// Hub maps channels to their broadcasters, creating them lazily.
type Hub struct {
	mu           sync.RWMutex
	broadcasters map[uuid.UUID]*Broadcaster
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{broadcasters: make(map[uuid.UUID]*Broadcaster)}
}

// Broadcaster returns the channel's broadcaster, creating it on first use.
// The read path takes only the read lock; insertion re-checks under the
// write lock.
func (h *Hub) Broadcaster(channelID uuid.UUID) *Broadcaster {
	h.mu.RLock()
	b, ok := h.broadcasters[channelID]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.broadcasters[channelID]; ok {
		return b
	}
	b = newBroadcaster()
	h.broadcasters[channelID] = b
	return b
}

// Publish routes the event to its channel's broadcaster.
func (h *Hub) Publish(ev OutboundEvent) error {
	return h.Broadcaster(ev.ChannelID).Publish(ev)
}

// Subscribe attaches a cursor to the channel's broadcaster.
func (h *Hub) Subscribe(channelID uuid.UUID) *Subscription {
	return h.Broadcaster(channelID).Subscribe()
}
