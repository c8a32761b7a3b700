// Package adminfeed broadcasts Event Bus traffic to connected operator
// dashboards over WebSocket — a SPEC_FULL.md domain-stack addition
// (spec.md's core has no operator UI, but the Event Bus it defines is a
// natural thing to expose for observability).
//
// Grounded on go-server/pkg/websocket/hub.go's Hub: a map of clients
// mutated only through register/unregister channels, and a broadcast
// channel fanned out to every connected client with a per-client
// send-or-drop instead of a blocking send. Generalized here from
// price-update fan-out to channel-event fan-out, and stripped of the
// nonce-deduplication and message-rate tracking the teacher's Hub carried
// for its own price-feed deduplication concern, which this feed has no
// equivalent of (every admin event is distinct by construction).
package adminfeed

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Hub maintains the set of connected admin dashboards and fans out events.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	logger zerolog.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub constructs a Hub. Call Run to start its event loop.
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan []byte, 256),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes register/unregister/broadcast until Shutdown is called.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Int("clients", h.ClientCount()).Msg("admin dashboard connected")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.closed)
			}
			h.mu.Unlock()
			h.logger.Debug().Int("clients", h.ClientCount()).Msg("admin dashboard disconnected")
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.buf.push(message) {
					// Slow dashboard; drop rather than block the feed for
					// everyone else. The dropped event is not
					// redelivered.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// RegisterClient adds client to the hub.
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// UnregisterClient removes client from the hub.
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// BroadcastMessage sends data to every connected dashboard.
func (h *Hub) BroadcastMessage(data []byte) {
	select {
	case h.broadcast <- data:
	case <-h.ctx.Done():
	default:
		h.logger.Warn().Msg("admin feed broadcast queue full, dropping event")
	}
}

// ClientCount returns the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection and stops the hub's event loop.
func (h *Hub) Shutdown() {
	h.cancel()
	h.mu.Lock()
	for client := range h.clients {
		client.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
