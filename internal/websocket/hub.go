// Package websocket fans status-change and fraud-alert events out to
// connected admin dashboards.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"skillpulse/internal/store"
)

// Event types pushed to clients.
const (
	TypeConnection   = "connection"
	TypeStatusChange = "status_change"
	TypeFraudAlert   = "fraud_alert"
)

// Hub maintains the set of active clients and broadcasts events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	quit    chan struct{}
	running bool
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		quit:       make(chan struct{}),
	}
}

// Start launches the hub loop.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client registered",
				slog.String("client_id", client.id),
				slog.Int("total_clients", count))

			if msg, err := json.Marshal(map[string]any{
				"type":      TypeConnection,
				"data":      map[string]any{"status": "connected", "client_id": client.id},
				"timestamp": time.Now().Format(time.RFC3339),
			}); err == nil {
				select {
				case client.send <- msg:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client unregistered",
				slog.String("client_id", client.id),
				slog.Int("total_clients", count))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer: drop the client rather than block
					// the hub loop.
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()
					h.logger.Warn("client send buffer full, disconnecting",
						slog.String("client_id", client.id))
				}
			}
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastEvent(eventType string, data any) {
	msg, err := json.Marshal(map[string]any{
		"type":      eventType,
		"data":      data,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Error("event marshal failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, dropping event",
			slog.String("type", eventType))
	}
}

// PublishStatusChange implements health.Notifier.
func (h *Hub) PublishStatusChange(pkg *store.Package, from, to string) {
	h.broadcastEvent(TypeStatusChange, map[string]any{
		"package_id": pkg.ID,
		"slug":       pkg.Slug,
		"from":       from,
		"to":         to,
	})
}

// PublishFraudAlert implements fraud.Notifier.
func (h *Hub) PublishFraudAlert(alert *store.FraudAlert) {
	h.broadcastEvent(TypeFraudAlert, map[string]any{
		"alert_id":   alert.ID,
		"license_id": alert.LicenseID,
		"score":      alert.Score,
		"reasons":    alert.Reasons,
	})
}
