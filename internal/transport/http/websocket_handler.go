package http

import (
	"log/slog"
	"net/http"

	gorilla "github.com/gorilla/websocket"

	"skillpulse/internal/websocket"
)

// WebSocketHandler upgrades dashboard connections onto the event hub.
type WebSocketHandler struct {
	hub      *websocket.Hub
	upgrader gorilla.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a websocket handler. Origin checking is
// delegated to the CORS middleware in front of it.
func NewWebSocketHandler(hub *websocket.Hub, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("handler", "websocket")),
	}
}

// Serve handles GET /ws.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}
	websocket.ServeWS(h.hub, conn, h.logger)
}
