package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/liverelay/internal/registry"
	"github.com/jonboulle/clockwork"
)

// Hub tracks the open client channels for broadcasts.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	slog.Info("Client channel registered", "client_id", c.id, "clients", len(h.clients))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
		slog.Info("Client channel unregistered", "client_id", c.id, "clients", len(h.clients))
	}
}

// Count returns the number of open client channels.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends one event to every open client.
func (h *Hub) Broadcast(event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		slog.Error("Failed to encode broadcast", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.out.sendFrame(frame)
	}
}

// Statistic is the periodic broadcast payload.
type Statistic struct {
	GlobalConnectionCount int64 `json:"globalConnectionCount"`
}

// StartStatisticWorker broadcasts the active upstream count every interval
// until ctx is cancelled.
func (h *Hub) StartStatisticWorker(ctx context.Context, clock clockwork.Clock, interval time.Duration, reg *registry.Registry) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("Statistic worker stopped")
				return
			case <-ticker.Chan():
				h.Broadcast("statistic", Statistic{GlobalConnectionCount: reg.Count()})
			}
		}
	}()
}
