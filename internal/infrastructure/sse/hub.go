package sse

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hezronokwach/harvest/internal/application/session"
)

const clientBuffer = 8

// Client is one dashboard subscriber. Events arrives pre-encoded on Events;
// a full channel means the subscriber is too slow and newer snapshots win.
type Client struct {
	ID     string
	Events chan []byte
}

// Hub fans session snapshots out to SSE subscribers. Every mutation in the
// core produces a full snapshot, so a dropped frame is recovered by the next
// one and new subscribers are primed with the latest state on register.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	last    []byte
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("service", "sse").Logger(),
	}
}

// Register adds a subscriber and primes it with the last known snapshot.
func (h *Hub) Register() *Client {
	c := &Client{
		ID:     uuid.NewString(),
		Events: make(chan []byte, clientBuffer),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	if h.last != nil {
		c.Events <- h.last
	}
	h.mu.Unlock()
	return c
}

// Unregister removes a subscriber and closes its channel.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.Events)
		delete(h.clients, clientID)
	}
}

// ClientCount returns the number of live subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes the snapshot once and fans it out. Slow subscribers drop
// frames rather than block the core.
func (h *Hub) Broadcast(snap session.Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		h.logger.Warn().Err(err).Msg("snapshot encode failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = raw
	for _, c := range h.clients {
		select {
		case c.Events <- raw:
		default:
		}
	}
}

// Stop closes every subscriber channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Events)
		delete(h.clients, id)
	}
}
